// Package escrow implements the ledger that holds captured buyer funds
// until settlement. Amounts are integer minor units and every escrow
// satisfies held + released + refunded == captured at all times.
package escrow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEscrowNotFound is returned when an escrow doesn't exist
	ErrEscrowNotFound = errors.New("escrow not found")
	// ErrDuplicateEscrow is returned when a hold already exists for the order
	ErrDuplicateEscrow = errors.New("escrow already held for order")
	// ErrInvalidStatus is returned for operations not valid in current status
	ErrInvalidStatus = errors.New("invalid escrow status for operation")
	// ErrInvariantViolation is returned when the conservation-of-funds check fails
	ErrInvariantViolation = errors.New("escrow invariant violation")
	// ErrConflict is returned when a concurrent writer won the version race
	ErrConflict = errors.New("escrow modified concurrently")
	// ErrInvalidAmount is returned for non-positive or excessive amounts
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrOrderNotDelivered is returned when release is attempted before delivery
	ErrOrderNotDelivered = errors.New("order not delivered")
	// ErrInstructionNotFound is returned when a refund instruction doesn't exist
	ErrInstructionNotFound = errors.New("refund instruction not found")
)

// Status represents the state of an escrow.
type Status string

const (
	// StatusHeld means captured funds are locked pending settlement
	StatusHeld Status = "HELD"
	// StatusReleased means funds were paid out to the supply-side parties
	StatusReleased Status = "RELEASED"
	// StatusRefunded means all funds were returned to the buyer
	StatusRefunded Status = "REFUNDED"
	// StatusDisputed means an open dispute froze the funds in place
	StatusDisputed Status = "DISPUTED"
)

// Escrow tracks captured funds for one order. There is at most one escrow
// per order; OrderID is the primary key.
type Escrow struct {
	OrderID           string     `json:"orderId"`
	CapturedAmount    int64      `json:"capturedAmount"`
	HeldAmount        int64      `json:"heldAmount"`
	ReleasedAmount    int64      `json:"releasedAmount"`
	RefundedAmount    int64      `json:"refundedAmount"`
	Status            Status     `json:"status"`
	PaymentRef        string     `json:"paymentRef,omitempty"`
	ReleaseEligibleAt *time.Time `json:"releaseEligibleAt,omitempty"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	FrozenAt          *time.Time `json:"frozenAt,omitempty"`
	Split             *Split     `json:"split,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Version           int64      `json:"version"`
}

// Split is the multi-party payout breakdown of a release.
type Split struct {
	Manufacturer int64 `json:"manufacturer"`
	Dealer       int64 `json:"dealer"`
	Platform     int64 `json:"platform"`
	Tax          int64 `json:"tax"`
}

// Total returns the sum of all split legs.
func (s *Split) Total() int64 {
	return s.Manufacturer + s.Dealer + s.Platform + s.Tax
}

// CheckInvariant verifies conservation of funds. A failure means the
// ledger itself is corrupt, not that a caller made a bad request.
func (e *Escrow) CheckInvariant() error {
	if e.HeldAmount < 0 || e.ReleasedAmount < 0 || e.RefundedAmount < 0 {
		return fmt.Errorf("%w: negative balance on order %s", ErrInvariantViolation, e.OrderID)
	}
	if e.HeldAmount+e.ReleasedAmount+e.RefundedAmount != e.CapturedAmount {
		return fmt.Errorf("%w: order %s held=%d released=%d refunded=%d captured=%d",
			ErrInvariantViolation, e.OrderID,
			e.HeldAmount, e.ReleasedAmount, e.RefundedAmount, e.CapturedAmount)
	}
	return nil
}

// RefundInstruction is a durable record of a refund owed to the buyer.
// The escrow ledger decrements synchronously; the actual money movement
// through the payment gateway completes asynchronously and flips the
// instruction to executed.
type RefundInstruction struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	Amount      int64      `json:"amount"`
	Partial     bool       `json:"partial"`
	Reason      string     `json:"reason,omitempty"`
	Status      string     `json:"status"` // pending | executed
	GatewayRef  string     `json:"gatewayRef,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
}

// Instruction states.
const (
	InstructionPending  = "pending"
	InstructionExecuted = "executed"
)
