package dispute

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

// Store persists disputes. Create and Update commit the audit entry
// atomically with the record.
type Store interface {
	Create(ctx context.Context, d *Dispute, aud *audit.Entry) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, aud *audit.Entry) error
	// GetOpenByOrder returns the open dispute for an order, or
	// ErrDisputeNotFound when none is open.
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
	// CountResolvedByRaiser counts prior resolved disputes raised by the
	// given party.
	CountResolvedByRaiser(ctx context.Context, raisedBy string) (int, error)
}

// OrderView is the slice of an order the resolver needs.
type OrderView struct {
	BuyerID     string
	Delivered   bool
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
}

// OrderControl resolves order facts and applies return outcomes without
// importing the order package.
type OrderControl interface {
	View(ctx context.Context, orderID string) (*OrderView, error)
	MarkReturned(ctx context.Context, orderID, disputeID, reason string) error
}

// EscrowControl drives the frozen funds without importing the escrow
// package.
type EscrowControl interface {
	Freeze(ctx context.Context, orderID, reason string) error
	Unfreeze(ctx context.Context, orderID, reason string) error
	Refund(ctx context.Context, orderID string, amount int64, partial bool, reason string) error
	Release(ctx context.Context, orderID, trigger string) error
	// HeldAmount returns the currently held balance for the order.
	HeldAmount(ctx context.Context, orderID string) (int64, error)
}

// RaiseRequest contains the parameters for raising a dispute.
type RaiseRequest struct {
	OrderID  string `json:"orderId" binding:"required"`
	RaisedBy string `json:"raisedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Detail   string `json:"detail"`
	// PolicyOverride lets an admin reopen an order whose previous
	// dispute was rejected. Ignored for non-admin actors.
	PolicyOverride bool `json:"policyOverride"`
}

// Service implements the dispute workflow.
type Service struct {
	store        Store
	orders       OrderControl
	escrow       EscrowControl
	events       *outbox.Publisher
	returnWindow time.Duration
	logger       *slog.Logger
	locks        sync.Map // per-order mutexes
	now          func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, orders OrderControl, escrow EscrowControl, events *outbox.Publisher,
	returnWindow time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		orders:       orders,
		escrow:       escrow,
		events:       events,
		returnWindow: returnWindow,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *Service) orderLock(orderID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Raise opens a dispute and freezes the order's escrow. One dispute per
// order: a second raise fails while one is open, and a raise after a
// rejected dispute needs an admin policy override.
func (s *Service) Raise(ctx context.Context, req RaiseRequest) (*Dispute, error) {
	mu := s.orderLock(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	view, err := s.orders.View(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}
	if !view.Delivered {
		return nil, fmt.Errorf("%w: order not delivered", ErrOrderNotEligible)
	}

	actorType, _ := audit.Actor(ctx)
	if req.RaisedBy != view.BuyerID && actorType != "admin" {
		return nil, ErrUnauthorized
	}

	if _, err := s.store.GetOpenByOrder(ctx, req.OrderID); err == nil {
		return nil, ErrDisputeOpen
	}

	override := req.PolicyOverride && actorType == "admin"
	prior, err := s.store.ListByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	for _, p := range prior {
		if p.Status == StatusResolved && !override {
			return nil, ErrDisputeAlreadyResolved
		}
	}

	now := s.now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   req.OrderID,
		RaisedBy:  req.RaisedBy,
		Reason:    req.Reason,
		Detail:    req.Detail,
		Status:    StatusOpen,
		Evidence:  []Evidence{},
		CreatedAt: now,
		Version:   1,
	}

	auditReason := fmt.Sprintf("Dispute raised: %s", req.Reason)
	if override {
		auditReason += " (policy override by admin)"
	}
	// Freeze gates the raise: it only succeeds on a HELD escrow, so an
	// order whose funds already released or refunded never gets a dispute
	// row. The freeze commits first and is undone if the create fails.
	if err := s.escrow.Freeze(ctx, req.OrderID, fmt.Sprintf("Dispute %s opened", d.ID)); err != nil {
		return nil, fmt.Errorf("%w: escrow not disputable: %v", ErrOrderNotEligible, err)
	}

	aud := audit.NewEntry(ctx, audit.ActionDisputeRaised, audit.EntityDispute, d.ID, nil, d, auditReason)
	if err := s.store.Create(ctx, d, aud); err != nil {
		if unfreezeErr := s.escrow.Unfreeze(ctx, req.OrderID, "Dispute creation failed"); unfreezeErr != nil {
			s.logger.Error("CRITICAL: escrow frozen but dispute not recorded",
				"orderId", req.OrderID, "error", err, "unfreezeError", unfreezeErr)
		}
		return nil, err
	}

	s.events.DisputeRaised(ctx, req.OrderID, d.ID, req.RaisedBy, req.Reason)
	return d, nil
}

// AddEvidence attaches an artifact to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, ev Evidence) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	mu := s.orderLock(d.OrderID)
	mu.Lock()
	defer mu.Unlock()

	d, err = s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	ev.SubmittedAt = s.now()
	d.Evidence = append(d.Evidence, ev)

	aud := audit.NewEntry(ctx, audit.ActionEvidenceAdded, audit.EntityDispute, d.ID, nil, ev,
		fmt.Sprintf("Evidence added: %s by %s", ev.Kind, ev.SubmittedBy))
	if err := s.store.Update(ctx, d, aud); err != nil {
		return nil, err
	}
	return d, nil
}

// Evaluate runs the resolution rules against a dispute and returns the
// recommendation without applying anything.
func (s *Service) Evaluate(ctx context.Context, disputeID string) (*Dispute, Recommendation, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, Recommendation{}, err
	}
	if d.Status != StatusOpen {
		return nil, Recommendation{}, ErrDisputeNotOpen
	}

	facts, err := s.gatherFacts(ctx, d)
	if err != nil {
		return nil, Recommendation{}, err
	}

	return d, EvaluateRules(d, facts, s.returnWindow, s.now()), nil
}

// Resolve closes an open dispute with a terminal outcome and applies its
// funds movement.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution Resolution,
	resolvedBy, reason string, refundAmount int64) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	mu := s.orderLock(d.OrderID)
	mu.Lock()
	defer mu.Unlock()

	d, err = s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}
	if !IsTerminalResolution(resolution) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, resolution)
	}

	held, err := s.escrow.HeldAmount(ctx, d.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow: %w", err)
	}

	applied, err := s.applyResolution(ctx, d, resolution, reason, refundAmount, held)
	if err != nil {
		return nil, err
	}

	before := map[string]interface{}{"status": string(d.Status)}
	now := s.now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolutionReason = reason
	d.RefundAmount = applied
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now

	aud := audit.NewEntry(ctx, audit.ActionDisputeResolved, audit.EntityDispute, d.ID, before,
		map[string]interface{}{"status": string(d.Status), "resolution": string(resolution), "refundAmount": applied},
		reason)
	if err := s.store.Update(ctx, d, aud); err != nil {
		// Funds already moved; the dispute record must catch up.
		s.logger.Error("CRITICAL: resolution applied but dispute record not updated",
			"disputeId", d.ID, "resolution", resolution, "error", err)
		return nil, err
	}

	s.events.DisputeResolved(ctx, d.OrderID, d.ID, string(resolution))
	return d, nil
}

// applyResolution moves the frozen funds per the resolution kind and
// returns the refunded amount, if any.
func (s *Service) applyResolution(ctx context.Context, d *Dispute, resolution Resolution,
	reason string, refundAmount, held int64) (int64, error) {
	switch resolution {
	case ResolutionRefundFull:
		if err := s.escrow.Refund(ctx, d.OrderID, held, false, reason); err != nil {
			return 0, fmt.Errorf("refund failed: %w", err)
		}
		if err := s.orders.MarkReturned(ctx, d.OrderID, d.ID, reason); err != nil {
			s.logger.Error("CRITICAL: refund applied but order not marked returned",
				"disputeId", d.ID, "orderId", d.OrderID, "error", err)
			return 0, err
		}
		return held, nil

	case ResolutionRefundPartial:
		if refundAmount <= 0 || refundAmount >= held {
			return 0, fmt.Errorf("%w: partial refund %s must be within held %s",
				ErrInvalidResolution, money.Format(refundAmount), money.Format(held))
		}
		if err := s.escrow.Refund(ctx, d.OrderID, refundAmount, true, reason); err != nil {
			return 0, fmt.Errorf("partial refund failed: %w", err)
		}
		// Remainder settles normally; the order stays delivered.
		if err := s.escrow.Unfreeze(ctx, d.OrderID, reason); err != nil {
			s.logger.Error("CRITICAL: partial refund applied but escrow still frozen",
				"disputeId", d.ID, "orderId", d.OrderID, "error", err)
			return 0, err
		}
		return refundAmount, nil

	case ResolutionReleaseToSeller:
		if err := s.escrow.Unfreeze(ctx, d.OrderID, reason); err != nil {
			return 0, fmt.Errorf("unfreeze failed: %w", err)
		}
		if err := s.escrow.Release(ctx, d.OrderID, "dispute"); err != nil {
			s.logger.Error("CRITICAL: dispute released escrow freeze but payout failed",
				"disputeId", d.ID, "orderId", d.OrderID, "error", err)
			return 0, err
		}
		return 0, nil

	case ResolutionRejected:
		if err := s.escrow.Unfreeze(ctx, d.OrderID, reason); err != nil {
			return 0, fmt.Errorf("unfreeze failed: %w", err)
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidResolution, resolution)
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns all disputes ever raised against an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	return s.store.ListByOrder(ctx, orderID)
}

func (s *Service) gatherFacts(ctx context.Context, d *Dispute) (OrderFacts, error) {
	view, err := s.orders.View(ctx, d.OrderID)
	if err != nil {
		return OrderFacts{}, fmt.Errorf("failed to resolve order: %w", err)
	}
	held, err := s.escrow.HeldAmount(ctx, d.OrderID)
	if err != nil {
		return OrderFacts{}, fmt.Errorf("failed to read escrow: %w", err)
	}
	prior, err := s.store.CountResolvedByRaiser(ctx, d.RaisedBy)
	if err != nil {
		return OrderFacts{}, err
	}
	return OrderFacts{
		PaidAt:        view.PaidAt,
		ShippedAt:     view.ShippedAt,
		DeliveredAt:   view.DeliveredAt,
		HeldAmount:    held,
		PriorDisputes: prior,
	}, nil
}
