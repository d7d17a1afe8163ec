// Package audit provides the append-only audit ledger.
//
// Every mutation to an order, escrow, or dispute records an entry here,
// synchronously and atomically with the mutation itself. The Ledger
// interface exposes no update or delete operations; immutability is a
// structural property of the API, not a convention.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Actions recorded by the engine.
const (
	ActionOrderCreated     = "ORDER_CREATED"
	ActionPaymentCaptured  = "PAYMENT_CAPTURED"
	ActionOrderDispatched  = "ORDER_DISPATCHED"
	ActionOrderDelivered   = "ORDER_DELIVERED"
	ActionOrderCancelled   = "ORDER_CANCELLED"
	ActionOrderReturned    = "ORDER_RETURNED"
	ActionTrackingUpdated  = "TRACKING_UPDATED"
	ActionEscrowHeld       = "ESCROW_HELD"
	ActionEscrowReleased   = "ESCROW_RELEASED"
	ActionEscrowRefunded   = "ESCROW_REFUNDED"
	ActionEscrowFrozen     = "ESCROW_FROZEN"
	ActionEscrowUnfrozen   = "ESCROW_UNFROZEN"
	ActionRefundExecuted   = "REFUND_EXECUTED"
	ActionDisputeRaised    = "DISPUTE_RAISED"
	ActionEvidenceAdded    = "EVIDENCE_ADDED"
	ActionDisputeResolved  = "DISPUTE_RESOLVED"
)

// Entity types referenced by audit entries.
const (
	EntityOrder   = "ORDER"
	EntityEscrow  = "ESCROW"
	EntityDispute = "DISPUTE"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit attribution.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit attribution.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// Actor returns the actor type and ID carried in ctx.
// An unattributed context reports the system actor.
func Actor(ctx context.Context) (actorType, actorID string) {
	actorType = "system"
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	return
}

func requestMeta(ctx context.Context) (ip, requestID string) {
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single immutable audit record.
type Entry struct {
	ID          int64     `json:"id"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewEntry builds an entry for the given action, snapshotting before/after
// state as JSON and pulling actor attribution from ctx.
func NewEntry(ctx context.Context, action, entityType, entityID string, before, after interface{}, reason string) *Entry {
	actorType, actorID := Actor(ctx)
	ip, requestID := requestMeta(ctx)
	return &Entry{
		ActorType:   actorType,
		ActorID:     actorID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		BeforeState: Snapshot(before),
		AfterState:  Snapshot(after),
		Reason:      reason,
		RequestID:   requestID,
		IPAddress:   ip,
		CreatedAt:   time.Now(),
	}
}

// Snapshot returns a JSON representation of v, or "{}" when v is nil
// or not marshallable.
func Snapshot(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Filter narrows a Query.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Ledger persists audit entries. Record appends; Query reads.
// There is intentionally no way to modify or remove an entry.
type Ledger interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
}
