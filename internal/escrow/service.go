package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradeweave/settlement/internal/audit"
	"github.com/tradeweave/settlement/internal/idgen"
	"github.com/tradeweave/settlement/internal/money"
	"github.com/tradeweave/settlement/internal/outbox"
	"github.com/tradeweave/settlement/internal/traces"
)

var (
	releasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_escrow_releases_total",
		Help: "Escrow releases by trigger (auto or manual).",
	}, []string{"trigger"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_escrow_refunds_total",
		Help: "Escrow refunds by kind (full or partial).",
	}, []string{"kind"})

	invariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_escrow_invariant_violations_total",
		Help: "Conservation-of-funds check failures. Any nonzero value is an incident.",
	})
)

// Store persists escrow records and refund instructions. Mutations commit
// their audit entry atomically with the record.
type Store interface {
	Create(ctx context.Context, e *Escrow, aud *audit.Entry) error
	Get(ctx context.Context, orderID string) (*Escrow, error)
	// Update persists e with an optimistic version check, returning
	// ErrConflict when another writer got there first.
	Update(ctx context.Context, e *Escrow, aud *audit.Entry) error
	// ListDue returns HELD escrows whose release eligibility has passed.
	// DISPUTED escrows never appear here.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	CreateInstruction(ctx context.Context, ins *RefundInstruction) error
	GetInstruction(ctx context.Context, id string) (*RefundInstruction, error)
	UpdateInstruction(ctx context.Context, ins *RefundInstruction) error
	ListPendingInstructions(ctx context.Context, limit int) ([]*RefundInstruction, error)
	ListInstructionsByOrder(ctx context.Context, orderID string) ([]*RefundInstruction, error)
}

// OrderInfo is the slice of an order the escrow ledger needs for
// settlement decisions.
type OrderInfo struct {
	DealerID          string
	Delivered         bool
	TaxAmount         int64
	CommissionAmount  int64
	ManufacturerShare int64
}

// OrderDirectory resolves order details without importing the order
// package.
type OrderDirectory interface {
	Lookup(ctx context.Context, orderID string) (*OrderInfo, error)
}

// Service implements escrow operations.
type Service struct {
	store       Store
	orders      OrderDirectory
	auditLedger audit.Ledger
	events      *outbox.Publisher
	logger      *slog.Logger
	locks       sync.Map // per-order mutexes
	now         func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, orders OrderDirectory, auditLedger audit.Ledger, events *outbox.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		orders:      orders,
		auditLedger: auditLedger,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) orderLock(orderID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Hold locks captured funds for an order. At most one hold per order;
// a second attempt fails with ErrDuplicateEscrow regardless of amount.
func (s *Service) Hold(ctx context.Context, orderID string, amount int64, paymentRef string) (*Escrow, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.Get(ctx, orderID); err == nil {
		return nil, ErrDuplicateEscrow
	}

	now := s.now()
	e := &Escrow{
		OrderID:        orderID,
		CapturedAmount: amount,
		HeldAmount:     amount,
		Status:         StatusHeld,
		PaymentRef:     paymentRef,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	aud := audit.NewEntry(ctx, audit.ActionEscrowHeld, audit.EntityEscrow, orderID,
		nil, e, fmt.Sprintf("Held %s in escrow", money.Format(amount)))
	if err := s.store.Create(ctx, e, aud); err != nil {
		return nil, err
	}
	return e, nil
}

// ScheduleAutoRelease arms the settlement clock. Funds become eligible for
// automatic release at eligibleAt unless a dispute freezes them first.
func (s *Service) ScheduleAutoRelease(ctx context.Context, orderID string, eligibleAt time.Time) error {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if e.Status != StatusHeld {
		return fmt.Errorf("%w: cannot schedule release in status %s", ErrInvalidStatus, e.Status)
	}

	e.ReleaseEligibleAt = &eligibleAt
	e.UpdatedAt = s.now()

	aud := audit.NewEntry(ctx, audit.ActionEscrowHeld, audit.EntityEscrow, orderID, nil, nil,
		fmt.Sprintf("Release eligible at %s", eligibleAt.Format(time.RFC3339)))
	return s.store.Update(ctx, e, aud)
}

// Release pays out the held balance to the supply-side parties. It is
// idempotent: releasing an already-released escrow returns the original
// record with its original timestamp and split, and moves no funds.
func (s *Service) Release(ctx context.Context, orderID, trigger string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.OrderID(orderID), traces.Trigger(trigger))
	defer span.End()

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusReleased {
		return e, nil
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: cannot release in status %s", ErrInvalidStatus, e.Status)
	}

	info, err := s.orders.Lookup(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}
	if !info.Delivered {
		return nil, ErrOrderNotDelivered
	}

	before := ledgerSnapshot(e)
	amount := e.HeldAmount
	now := s.now()

	e.HeldAmount = 0
	e.ReleasedAmount += amount
	e.Status = StatusReleased
	e.ReleasedAt = &now
	e.UpdatedAt = now
	e.Split = computeSplit(e, info)

	if err := s.commit(ctx, e, audit.ActionEscrowReleased, before,
		fmt.Sprintf("Released %s (%s)", money.Format(amount), trigger)); err != nil {
		return nil, err
	}

	releasesTotal.WithLabelValues(trigger).Inc()
	s.events.FundsReleased(ctx, orderID, money.Format(amount), map[string]interface{}{
		"manufacturer": e.Split.Manufacturer,
		"dealer":       e.Split.Dealer,
		"platform":     e.Split.Platform,
		"tax":          e.Split.Tax,
	})
	return e, nil
}

// Refund returns funds to the buyer, decrementing the held balance
// synchronously and staging a pending instruction for the gateway leg.
// Full refunds close the escrow; partial refunds leave the remainder
// held (or frozen, when called during a dispute).
func (s *Service) Refund(ctx context.Context, orderID string, amount int64, partial bool, reason string) (*Escrow, *RefundInstruction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.OrderID(orderID), traces.Amount(amount))
	defer span.End()

	if amount <= 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if e.Status != StatusHeld && e.Status != StatusDisputed {
		return nil, nil, fmt.Errorf("%w: cannot refund in status %s", ErrInvalidStatus, e.Status)
	}
	if amount > e.HeldAmount {
		return nil, nil, fmt.Errorf("%w: refund %s exceeds held %s",
			ErrInvalidAmount, money.Format(amount), money.Format(e.HeldAmount))
	}

	before := ledgerSnapshot(e)
	now := s.now()
	e.HeldAmount -= amount
	e.RefundedAmount += amount
	e.UpdatedAt = now
	if e.HeldAmount == 0 {
		e.Status = StatusRefunded
		e.RefundedAt = &now
	}

	kind := "full"
	if partial {
		kind = "partial"
	}
	if err := s.commit(ctx, e, audit.ActionEscrowRefunded, before,
		fmt.Sprintf("Refunded %s (%s): %s", money.Format(amount), kind, reason)); err != nil {
		return nil, nil, err
	}

	ins := &RefundInstruction{
		ID:          idgen.WithPrefix("rfi_"),
		OrderID:     orderID,
		Amount:      amount,
		Partial:     partial,
		Reason:      reason,
		Status:      InstructionPending,
		RequestedAt: now,
	}
	if err := s.store.CreateInstruction(ctx, ins); err != nil {
		// Ledger already moved; the instruction is the recovery record.
		s.logger.Error("CRITICAL: refund applied but instruction not staged",
			"orderId", orderID, "amount", money.Format(amount), "error", err)
		return nil, nil, fmt.Errorf("failed to stage refund instruction: %w", err)
	}

	refundsTotal.WithLabelValues(kind).Inc()
	s.events.RefundRequested(ctx, orderID, ins.ID, money.Format(amount), partial)
	return e, ins, nil
}

// ConfirmRefundExecuted marks a refund instruction as completed by the
// payment gateway.
func (s *Service) ConfirmRefundExecuted(ctx context.Context, instructionID, gatewayRef string) (*RefundInstruction, error) {
	ins, err := s.store.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	if ins.Status == InstructionExecuted {
		return ins, nil
	}

	now := s.now()
	ins.Status = InstructionExecuted
	ins.GatewayRef = gatewayRef
	ins.ExecutedAt = &now
	if err := s.store.UpdateInstruction(ctx, ins); err != nil {
		return nil, err
	}

	aud := audit.NewEntry(ctx, audit.ActionRefundExecuted, audit.EntityEscrow, ins.OrderID,
		nil, ins, fmt.Sprintf("Gateway executed refund %s (%s)", ins.ID, gatewayRef))
	if err := s.auditLedger.Record(ctx, aud); err != nil {
		s.logger.Warn("failed to record refund execution", "instructionId", ins.ID, "error", err)
	}

	s.events.RefundExecuted(ctx, ins.OrderID, ins.ID, gatewayRef)
	return ins, nil
}

// Freeze locks the escrow in place while a dispute is open. Frozen funds
// are excluded from settlement sweeps.
func (s *Service) Freeze(ctx context.Context, orderID, reason string) (*Escrow, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: cannot freeze in status %s", ErrInvalidStatus, e.Status)
	}

	before := ledgerSnapshot(e)
	now := s.now()
	e.Status = StatusDisputed
	e.FrozenAt = &now
	e.UpdatedAt = now

	if err := s.commit(ctx, e, audit.ActionEscrowFrozen, before, reason); err != nil {
		return nil, err
	}
	return e, nil
}

// Unfreeze returns a disputed escrow to HELD, typically after a dispute
// resolves in the seller's favor or with a partial refund.
func (s *Service) Unfreeze(ctx context.Context, orderID, reason string) (*Escrow, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot unfreeze in status %s", ErrInvalidStatus, e.Status)
	}

	before := ledgerSnapshot(e)
	e.Status = StatusHeld
	e.FrozenAt = nil
	e.UpdatedAt = s.now()

	if err := s.commit(ctx, e, audit.ActionEscrowUnfrozen, before, reason); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the escrow for an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.Get(ctx, orderID)
}

// ListDue returns escrows eligible for automatic release.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListDue(ctx, now, limit)
}

// GetInstruction returns a refund instruction by ID.
func (s *Service) GetInstruction(ctx context.Context, id string) (*RefundInstruction, error) {
	return s.store.GetInstruction(ctx, id)
}

// ListPendingInstructions returns refund instructions awaiting gateway
// execution.
func (s *Service) ListPendingInstructions(ctx context.Context, limit int) ([]*RefundInstruction, error) {
	return s.store.ListPendingInstructions(ctx, limit)
}

// commit verifies the invariant and persists the mutated escrow with its
// audit entry.
func (s *Service) commit(ctx context.Context, e *Escrow, action string, before map[string]interface{}, reason string) error {
	if err := e.CheckInvariant(); err != nil {
		invariantViolations.Inc()
		s.logger.Error("CRITICAL: escrow invariant violated, mutation aborted",
			"orderId", e.OrderID, "error", err)
		return err
	}
	aud := audit.NewEntry(ctx, action, audit.EntityEscrow, e.OrderID, before, ledgerSnapshot(e), reason)
	return s.store.Update(ctx, e, aud)
}

// computeSplit apportions the released amount across the supply-side
// parties. After partial refunds each leg scales pro-rata with the
// released fraction; the dealer leg absorbs rounding so the legs always
// sum to the released amount.
func computeSplit(e *Escrow, info *OrderInfo) *Split {
	released := e.ReleasedAmount
	captured := e.CapturedAmount

	tax := released * info.TaxAmount / captured
	platform := released * info.CommissionAmount / captured
	manufacturer := released * info.ManufacturerShare / captured

	return &Split{
		Manufacturer: manufacturer,
		Dealer:       released - tax - platform - manufacturer,
		Platform:     platform,
		Tax:          tax,
	}
}

func ledgerSnapshot(e *Escrow) map[string]interface{} {
	return map[string]interface{}{
		"status":   string(e.Status),
		"held":     e.HeldAmount,
		"released": e.ReleasedAmount,
		"refunded": e.RefundedAmount,
		"captured": e.CapturedAmount,
		"version":  e.Version,
	}
}
