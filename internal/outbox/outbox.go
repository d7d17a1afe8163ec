// Package outbox provides the typed lifecycle event stream.
//
// Mutating operations stage events here instead of firing on a global bus;
// a drain worker delivers staged events to registered webhook subscriptions.
// Delivery is at-least-once and never rolls back the state change that
// produced the event.
package outbox

import (
	"context"
	"time"

	"github.com/tradeweave/settlement/internal/idgen"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventOrderCreated    EventType = "order.created"
	EventOrderPaid       EventType = "order.paid"
	EventOrderShipped    EventType = "order.shipped"
	EventOrderDelivered  EventType = "order.delivered"
	EventOrderCancelled  EventType = "order.cancelled"
	EventOrderReturned   EventType = "order.returned"
	EventFundsReleased   EventType = "funds.released"
	EventRefundRequested EventType = "refund.requested"
	EventRefundExecuted  EventType = "refund.executed"
	EventDisputeRaised   EventType = "dispute.raised"
	EventDisputeResolved EventType = "dispute.resolved"
)

// Delivery states of a staged event.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// MaxAttempts is the delivery attempt budget before an event is parked
// as failed. Failed events remain queryable for manual replay.
const MaxAttempts = 5

// Event is a staged lifecycle event.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	OrderID     string                 `json:"orderId"`
	Data        map[string]interface{} `json:"data"`
	Status      string                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"lastError,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	DeliveredAt *time.Time             `json:"deliveredAt,omitempty"`
}

// New builds a pending event for the given order.
func New(eventType EventType, orderID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		OrderID:   orderID,
		Data:      data,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Store persists staged events.
type Store interface {
	Append(ctx context.Context, event *Event) error
	ListPending(ctx context.Context, limit int) ([]*Event, error)
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, attempts int, lastError string, failed bool) error
}

// Subscription is a webhook registration for lifecycle events.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"` // used for HMAC signing
	Events    []EventType `json:"events"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"createdAt"`
	LastError string      `json:"lastError,omitempty"`
}

// Wants reports whether the subscription covers the given event type.
// An empty event list means all events.
func (s *Subscription) Wants(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}
