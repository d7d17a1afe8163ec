// Package order implements the order lifecycle state machine.
//
// An order advances CREATED → PAID → SHIPPED → DELIVERED, with CANCELLED
// and RETURNED as terminal escapes. Every transition is guarded, appends a
// timeline entry, records an audit entry atomically with the status change,
// and stages a lifecycle event for external consumers.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/tradeweave/settlement/internal/money"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUnauthorized  = errors.New("not authorized for this order operation")
	ErrConflict      = errors.New("order was modified concurrently")
	ErrAmountMismatch = errors.New("captured amount does not match order total")
	ErrEscrowNotHeld  = errors.New("order escrow is not in held status")
	ErrNoItems        = errors.New("order must contain at least one line item")
	ErrInvalidItem    = errors.New("line item has invalid quantity or price")
)

// Status represents the state of an order.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
	StatusReturned  Status = "RETURNED"
)

// transitions is the closed transition table. Anything absent is invalid.
var transitions = map[Status]map[Status]bool{
	StatusCreated:   {StatusPaid: true},
	StatusPaid:      {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered: {StatusReturned: true},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// InvalidTransitionError rejects an illegal state change, naming the
// current and attempted states so callers can act on the failure.
type InvalidTransitionError struct {
	OrderID   string
	From      Status
	Attempted Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.From, e.Attempted)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// LineItem is a product line captured at order creation. UnitPrice is the
// dealer's price at time of purchase; BasePrice is the manufacturer's base
// price, used for the settlement payout split.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	BasePrice int64  `json:"basePrice"`
}

// Address is the shipping destination for an order.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
}

// TimelineEntry records one state transition (or in-place annotation such
// as a tracking update). The timeline is append-only.
type TimelineEntry struct {
	FromState Status            `json:"fromState"`
	ToState   Status            `json:"toState"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Order is the order aggregate.
type Order struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyerId"`
	DealerID         string          `json:"dealerId"`
	Items            []LineItem      `json:"items"`
	SubtotalAmount   int64           `json:"subtotalAmount"`
	TaxAmount        int64           `json:"taxAmount"`
	CommissionAmount int64           `json:"commissionAmount"`
	TotalAmount      int64           `json:"totalAmount"`
	ShippingAddress  Address         `json:"shippingAddress"`
	Status           Status          `json:"status"`
	PaymentRef       string          `json:"paymentRef,omitempty"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
	Timeline         []TimelineEntry `json:"timeline"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Version          int64           `json:"version"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// ManufacturerShare is the base-price portion of the order, owed to the
// manufacturer at settlement.
func (o *Order) ManufacturerShare() int64 {
	var share int64
	for _, item := range o.Items {
		share += item.BasePrice * item.Quantity
	}
	return share
}

// FormattedTotal returns the order total as a decimal string.
func (o *Order) FormattedTotal() string {
	return money.Format(o.TotalAmount)
}
