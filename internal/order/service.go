package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
	"github.com/tradeweave/settlement/internal/idgen"
	"github.com/tradeweave/settlement/internal/money"
	"github.com/tradeweave/settlement/internal/outbox"
)

// Store persists order aggregates. Create and ApplyTransition commit the
// audit entry atomically with the order mutation: a failed audit write
// fails the whole operation.
type Store interface {
	Create(ctx context.Context, o *Order, aud *audit.Entry) error
	Get(ctx context.Context, id string) (*Order, error)
	// ApplyTransition persists o with the last timeline entry appended,
	// using an optimistic version check. Returns ErrConflict when another
	// writer got there first.
	ApplyTransition(ctx context.Context, o *Order, aud *audit.Entry) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListByDealer(ctx context.Context, dealerID string, limit int) ([]*Order, error)
}

// EscrowLedger abstracts the escrow operations the lifecycle drives, so
// order doesn't import escrow.
type EscrowLedger interface {
	Hold(ctx context.Context, orderID string, amount int64, paymentRef string) error
	// HeldStatus reports whether the order's escrow exists in HELD status
	// and whether it is currently frozen by a dispute.
	HeldStatus(ctx context.Context, orderID string) (held, disputed bool, err error)
	// Exists reports whether any escrow record was ever created for the
	// order, whatever its status.
	Exists(ctx context.Context, orderID string) (bool, error)
	// ScheduleAutoRelease arms the settlement grace clock.
	ScheduleAutoRelease(ctx context.Context, orderID string, eligibleAt time.Time) error
	// RefundOnCancel requests a full refund of the held amount.
	RefundOnCancel(ctx context.Context, orderID, reason string) error
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerID         string     `json:"buyerId" binding:"required"`
	DealerID        string     `json:"dealerId" binding:"required"`
	Items           []LineItem `json:"items" binding:"required"`
	ShippingAddress Address    `json:"shippingAddress"`
}

// Service implements the order lifecycle.
type Service struct {
	store             Store
	escrow            EscrowLedger
	auditLedger       audit.Ledger
	events            *outbox.Publisher
	gracePeriod       time.Duration
	taxRateBPS        int64
	commissionRateBPS int64
	logger            *slog.Logger
	locks             sync.Map // per-order mutexes serialize concurrent transitions
	now               func() time.Time
}

// NewService creates a new order lifecycle service.
func NewService(store Store, escrow EscrowLedger, auditLedger audit.Ledger, events *outbox.Publisher,
	gracePeriod time.Duration, taxRateBPS, commissionRateBPS int64, logger *slog.Logger) *Service {
	return &Service{
		store:             store,
		escrow:            escrow,
		auditLedger:       auditLedger,
		events:            events,
		gracePeriod:       gracePeriod,
		taxRateBPS:        taxRateBPS,
		commissionRateBPS: commissionRateBPS,
		logger:            logger,
		now:               time.Now,
	}
}

// orderLock returns a mutex for the given order ID.
// Two concurrent transitions on the same order (e.g. dispatch + cancel)
// must not both succeed; the store's version check backs this up across
// processes.
func (s *Service) orderLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create creates an order with price locked at time of purchase.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}

	var subtotal int64
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 || item.BasePrice < 0 {
			return nil, ErrInvalidItem
		}
		subtotal += item.UnitPrice * item.Quantity
	}

	tax := money.BPS(subtotal, s.taxRateBPS)
	commission := money.BPS(subtotal, s.commissionRateBPS)

	now := s.now()
	o := &Order{
		ID:               idgen.WithPrefix("ord_"),
		BuyerID:          req.BuyerID,
		DealerID:         req.DealerID,
		Items:            req.Items,
		SubtotalAmount:   subtotal,
		TaxAmount:        tax,
		CommissionAmount: commission,
		TotalAmount:      subtotal + tax + commission,
		ShippingAddress:  req.ShippingAddress,
		Status:           StatusCreated,
		Timeline: []TimelineEntry{{
			FromState: StatusCreated,
			ToState:   StatusCreated,
			Reason:    "Order initialized",
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	aud := audit.NewEntry(ctx, audit.ActionOrderCreated, audit.EntityOrder, o.ID, nil, o, "Buyer placed a new order")
	if err := s.store.Create(ctx, o, aud); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.events.OrderCreated(ctx, o.ID, o.BuyerID, o.DealerID, money.Format(o.TotalAmount))
	return o, nil
}

// PaymentCaptured transitions the order to PAID and opens the escrow hold.
// It is idempotent per payment reference: replaying the same capture
// returns the already-paid order unchanged.
func (s *Service) PaymentCaptured(ctx context.Context, orderID string, amount int64, paymentRef string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Gateway retries replay the same capture; treat as already applied.
	// A retry is also the recovery path for a capture whose hold failed
	// after the order committed as PAID, so re-attempt the hold if the
	// escrow never materialized.
	if o.Status == StatusPaid && o.PaymentRef == paymentRef {
		exists, err := s.escrow.Exists(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := s.escrow.Hold(ctx, o.ID, o.TotalAmount, paymentRef); err != nil {
				s.logger.Error("CRITICAL: order marked paid but escrow hold failed",
					"orderId", o.ID, "amount", money.Format(o.TotalAmount), "error", err)
				return nil, fmt.Errorf("escrow hold failed after payment capture (requires manual reconciliation): %w", err)
			}
			s.logger.Info("escrow hold recovered on capture replay",
				"orderId", o.ID, "paymentRef", paymentRef)
		}
		return o, nil
	}

	if !CanTransition(o.Status, StatusPaid) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusPaid}
	}
	if amount != o.TotalAmount {
		return nil, fmt.Errorf("%w: captured %s, order total %s",
			ErrAmountMismatch, money.Format(amount), money.Format(o.TotalAmount))
	}

	before := snapshot(o)
	o.PaymentRef = paymentRef
	s.applyStatus(o, StatusPaid, fmt.Sprintf("Payment verified: %s. Funds held in escrow.", paymentRef), nil)

	aud := audit.NewEntry(ctx, audit.ActionPaymentCaptured, audit.EntityOrder, o.ID, before, snapshot(o), "Payment successful")
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}

	if err := s.escrow.Hold(ctx, o.ID, o.TotalAmount, paymentRef); err != nil {
		// Order is PAID but no escrow holds the funds. There is no safe
		// automatic compensation; flag for manual reconciliation.
		s.logger.Error("CRITICAL: order marked paid but escrow hold failed",
			"orderId", o.ID, "amount", money.Format(o.TotalAmount), "error", err)
		return nil, fmt.Errorf("escrow hold failed after payment capture (requires manual reconciliation): %w", err)
	}

	s.events.OrderPaid(ctx, o.ID, paymentRef, money.Format(amount))
	return o, nil
}

// Dispatch transitions the order to SHIPPED. Only the order's dealer may
// dispatch, and only while the escrow is held and undisputed.
func (s *Service) Dispatch(ctx context.Context, orderID, actorID, tracking string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if actorID != o.DealerID {
		return nil, ErrUnauthorized
	}
	if !CanTransition(o.Status, StatusShipped) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusShipped}
	}

	held, disputed, err := s.escrow.HeldStatus(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check escrow: %w", err)
	}
	if !held || disputed {
		return nil, ErrEscrowNotHeld
	}

	before := snapshot(o)
	meta := map[string]string{}
	if tracking != "" {
		meta["tracking"] = tracking
	}
	s.applyStatus(o, StatusShipped, "Order dispatched via logistics partner", meta)

	aud := audit.NewEntry(ctx, audit.ActionOrderDispatched, audit.EntityOrder, o.ID, before, snapshot(o), "Dealer dispatched order")
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}

	s.events.OrderShipped(ctx, o.ID, o.DealerID, tracking)
	return o, nil
}

// UpdateTracking appends carrier progress to the timeline without a
// status change.
func (s *Service) UpdateTracking(ctx context.Context, orderID, carrier, trackingNo string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusShipped {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusShipped}
	}

	o.Timeline = append(o.Timeline, TimelineEntry{
		FromState: StatusShipped,
		ToState:   StatusShipped,
		Reason:    fmt.Sprintf("Shipping update: %s (%s) - In Transit", carrier, trackingNo),
		Metadata:  map[string]string{"carrier": carrier, "trackingNo": trackingNo},
		Timestamp: s.now(),
	})
	o.UpdatedAt = s.now()

	aud := audit.NewEntry(ctx, audit.ActionTrackingUpdated, audit.EntityOrder, o.ID, nil, nil,
		fmt.Sprintf("Tracking update from %s", carrier))
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}
	return o, nil
}

// ConfirmDelivery transitions the order to DELIVERED and arms the
// settlement grace clock. Permitted for the buyer or a carrier signal;
// it does not release funds.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, actorID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	actorType, _ := audit.Actor(ctx)
	if actorID != o.BuyerID && actorType != "carrier" {
		return nil, ErrUnauthorized
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusDelivered}
	}

	before := snapshot(o)
	now := s.now()
	o.DeliveredAt = &now
	s.applyStatus(o, StatusDelivered, "Delivery confirmed", nil)

	aud := audit.NewEntry(ctx, audit.ActionOrderDelivered, audit.EntityOrder, o.ID, before, snapshot(o), "Delivery confirmed")
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}

	if err := s.escrow.ScheduleAutoRelease(ctx, o.ID, now.Add(s.gracePeriod)); err != nil {
		s.logger.Warn("failed to arm settlement grace clock", "orderId", o.ID, "error", err)
	}

	s.events.OrderDelivered(ctx, o.ID)
	return o, nil
}

// Cancel terminates a PAID or SHIPPED order and requests a full refund.
func (s *Service) Cancel(ctx context.Context, orderID, actorID, reason string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	actorType, _ := audit.Actor(ctx)
	if actorID != o.BuyerID && actorID != o.DealerID && actorType != "admin" {
		return nil, ErrUnauthorized
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusCancelled}
	}

	before := snapshot(o)
	if reason == "" {
		reason = "Order cancelled"
	}
	s.applyStatus(o, StatusCancelled, reason, nil)

	aud := audit.NewEntry(ctx, audit.ActionOrderCancelled, audit.EntityOrder, o.ID, before, snapshot(o), reason)
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}

	if err := s.escrow.RefundOnCancel(ctx, o.ID, reason); err != nil {
		s.logger.Error("CRITICAL: order cancelled but escrow refund failed",
			"orderId", o.ID, "error", err)
		return nil, fmt.Errorf("refund failed after cancellation (requires manual reconciliation): %w", err)
	}

	s.events.OrderCancelled(ctx, o.ID, reason)
	return o, nil
}

// MarkReturned finalizes a full-refund dispute resolution. Callers outside
// the dispute resolver have no business invoking this.
func (s *Service) MarkReturned(ctx context.Context, orderID, disputeID, reason string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusReturned) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusReturned}
	}

	before := snapshot(o)
	s.applyStatus(o, StatusReturned, reason, map[string]string{"disputeId": disputeID})

	aud := audit.NewEntry(ctx, audit.ActionOrderReturned, audit.EntityOrder, o.ID, before, snapshot(o), reason)
	if err := s.store.ApplyTransition(ctx, o, aud); err != nil {
		return nil, err
	}

	s.events.OrderReturned(ctx, o.ID, disputeID)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's orders, most recent first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// ListByDealer returns a dealer's orders, most recent first.
func (s *Service) ListByDealer(ctx context.Context, dealerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByDealer(ctx, dealerID, limit)
}

// applyStatus moves the order to the given status and appends the matching
// timeline entry. Guards must already have passed.
func (s *Service) applyStatus(o *Order, to Status, reason string, metadata map[string]string) {
	from := o.Status
	now := s.now()
	o.Status = to
	o.UpdatedAt = now
	o.Timeline = append(o.Timeline, TimelineEntry{
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Metadata:  metadata,
		Timestamp: now,
	})
}

// snapshot captures the audit-relevant fields of an order.
func snapshot(o *Order) map[string]interface{} {
	m := map[string]interface{}{
		"status":      string(o.Status),
		"totalAmount": o.TotalAmount,
		"version":     o.Version,
	}
	if o.PaymentRef != "" {
		m["paymentRef"] = o.PaymentRef
	}
	if o.DeliveredAt != nil {
		m["deliveredAt"] = o.DeliveredAt.Format(time.RFC3339)
	}
	return m
}
