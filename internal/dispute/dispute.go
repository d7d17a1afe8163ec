// Package dispute implements the resolution workflow for delivered orders.
// Raising a dispute freezes the order's escrow; resolving it directs the
// frozen funds via refund, partial refund, or release to the seller.
package dispute

import (
	"errors"
	"time"
)

var (
	// ErrDisputeNotFound is returned when a dispute doesn't exist
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrDisputeOpen is returned when an open dispute already exists for the order
	ErrDisputeOpen = errors.New("dispute already open for order")
	// ErrDisputeAlreadyResolved is returned when re-raising a resolved dispute without override
	ErrDisputeAlreadyResolved = errors.New("dispute already resolved for order")
	// ErrDisputeNotOpen is returned for operations requiring an open dispute
	ErrDisputeNotOpen = errors.New("dispute is not open")
	// ErrOrderNotEligible is returned when the order state doesn't admit a dispute
	ErrOrderNotEligible = errors.New("order not eligible for dispute")
	// ErrInvalidResolution is returned for unknown resolution kinds
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrUnauthorized is returned when the actor may not perform the action
	ErrUnauthorized = errors.New("actor not authorized")
	// ErrConflict is returned when a concurrent writer won the version race
	ErrConflict = errors.New("dispute modified concurrently")
)

// Status of a dispute.
type Status string

const (
	// StatusOpen means the dispute is awaiting resolution
	StatusOpen Status = "OPEN"
	// StatusResolved means the dispute reached a terminal outcome
	StatusResolved Status = "RESOLVED"
)

// Resolution kinds.
type Resolution string

const (
	// ResolutionRefundFull refunds the entire held amount to the buyer
	ResolutionRefundFull Resolution = "REFUND_FULL"
	// ResolutionRefundPartial refunds part of the held amount, releasing the rest
	ResolutionRefundPartial Resolution = "REFUND_PARTIAL"
	// ResolutionReleaseToSeller releases all held funds to the supply side
	ResolutionReleaseToSeller Resolution = "RELEASE_TO_SELLER"
	// ResolutionRejected dismisses the dispute, restoring normal settlement
	ResolutionRejected Resolution = "REJECTED"
	// ResolutionManualReview is a recommendation only, never a terminal outcome
	ResolutionManualReview Resolution = "MANUAL_REVIEW"
)

// Dispute reasons raised by buyers.
const (
	ReasonNotReceived = "NOT_RECEIVED"
	ReasonWrongItem   = "WRONG_ITEM"
	ReasonDamaged     = "DAMAGED"
	ReasonSLABreach   = "SLA_BREACH"
	ReasonOther       = "OTHER"
)

// Evidence kinds attachable to a dispute.
const (
	EvidencePOD           = "POD"
	EvidenceUnboxingVideo = "UNBOXING_VIDEO"
	EvidenceInvoice       = "INVOICE"
	EvidenceMessage       = "MESSAGE"
	EvidencePhoto         = "PHOTO"
)

// Evidence is a single artifact attached to a dispute.
type Evidence struct {
	Kind        string    `json:"kind"`
	SubmittedBy string    `json:"submittedBy"`
	Reference   string    `json:"reference"`
	Note        string    `json:"note,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is the resolution record for one order.
type Dispute struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"orderId"`
	RaisedBy         string     `json:"raisedBy"`
	Reason           string     `json:"reason"`
	Detail           string     `json:"detail,omitempty"`
	Status           Status     `json:"status"`
	Resolution       Resolution `json:"resolution,omitempty"`
	ResolutionReason string     `json:"resolutionReason,omitempty"`
	RefundAmount     int64      `json:"refundAmount,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	Evidence         []Evidence `json:"evidence"`
	CreatedAt        time.Time  `json:"createdAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	Version          int64      `json:"version"`
}

// HasEvidence reports whether the dispute carries evidence of the given
// kind from any party.
func (d *Dispute) HasEvidence(kind string) bool {
	for _, e := range d.Evidence {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// validResolutions are the terminal outcomes an arbiter may apply.
var validResolutions = map[Resolution]bool{
	ResolutionRefundFull:      true,
	ResolutionRefundPartial:   true,
	ResolutionReleaseToSeller: true,
	ResolutionRejected:        true,
}

// IsTerminalResolution reports whether r may close a dispute.
func IsTerminalResolution(r Resolution) bool {
	return validResolutions[r]
}
