package dispute

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
	"github.com/tradeweave/settlement/internal/outbox"
)

// mockOrders resolves order facts and records return calls.
type mockOrders struct {
	mu       sync.Mutex
	views    map[string]*OrderView
	returned map[string]string // orderID -> disputeID
}

func newMockOrders() *mockOrders {
	return &mockOrders{
		views:    make(map[string]*OrderView),
		returned: make(map[string]string),
	}
}

func (m *mockOrders) add(orderID string, v *OrderView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[orderID] = v
}

func (m *mockOrders) View(_ context.Context, orderID string) (*OrderView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	return v, nil
}

func (m *mockOrders) MarkReturned(_ context.Context, orderID, disputeID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returned[orderID] = disputeID
	return nil
}

// mockEscrow records escrow control calls.
type mockEscrow struct {
	mu        sync.Mutex
	held      map[string]int64
	frozen    map[string]bool
	refunds   map[string]int64
	releases  map[string]string
	freezeErr error
}

func newMockEscrow() *mockEscrow {
	return &mockEscrow{
		held:     make(map[string]int64),
		frozen:   make(map[string]bool),
		refunds:  make(map[string]int64),
		releases: make(map[string]string),
	}
}

func (m *mockEscrow) Freeze(_ context.Context, orderID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freezeErr != nil {
		return m.freezeErr
	}
	m.frozen[orderID] = true
	return nil
}

func (m *mockEscrow) Unfreeze(_ context.Context, orderID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[orderID] = false
	return nil
}

func (m *mockEscrow) Refund(_ context.Context, orderID string, amount int64, _ bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds[orderID] += amount
	m.held[orderID] -= amount
	return nil
}

func (m *mockEscrow) Release(_ context.Context, orderID, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[orderID] = trigger
	return nil
}

func (m *mockEscrow) HeldAmount(_ context.Context, orderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[orderID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *mockOrders, *mockEscrow, *audit.MemoryLedger) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	store := NewMemoryStore(ledger)
	orders := newMockOrders()
	esc := newMockEscrow()
	pub := outbox.NewPublisher(outbox.NewMemoryStore(), testLogger())
	svc := NewService(store, orders, esc, pub, 14*24*time.Hour, testLogger())
	return svc, orders, esc, ledger
}

func deliveredOrder(buyerID string, deliveredAgo time.Duration) *OrderView {
	now := time.Now()
	paid := now.Add(-deliveredAgo - 48*time.Hour)
	shipped := now.Add(-deliveredAgo - 24*time.Hour)
	delivered := now.Add(-deliveredAgo)
	return &OrderView{
		BuyerID:     buyerID,
		Delivered:   true,
		PaidAt:      &paid,
		ShippedAt:   &shipped,
		DeliveredAt: &delivered,
	}
}

func TestDispute_RaiseFreezesEscrow(t *testing.T) {
	svc, orders, esc, ledger := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, err := svc.Raise(ctx, RaiseRequest{
		OrderID:  "ord_1",
		RaisedBy: "cus_1",
		Reason:   ReasonNotReceived,
		Detail:   "package never arrived",
	})
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("Expected status OPEN, got %s", d.Status)
	}
	if !esc.frozen["ord_1"] {
		t.Error("Expected escrow to be frozen")
	}

	entries, _ := ledger.Query(ctx, audit.Filter{EntityID: d.ID, Action: audit.ActionDisputeRaised})
	if len(entries) != 1 {
		t.Errorf("Expected one raise audit entry, got %d", len(entries))
	}
}

func TestDispute_RaiseGuards(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	// Not delivered yet.
	orders.add("ord_1", &OrderView{BuyerID: "cus_1", Delivered: false})
	_, err := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonNotReceived})
	if !errors.Is(err, ErrOrderNotEligible) {
		t.Errorf("Expected ErrOrderNotEligible, got %v", err)
	}

	// Wrong raiser.
	orders.add("ord_2", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_2"] = 5000
	_, err = svc.Raise(ctx, RaiseRequest{OrderID: "ord_2", RaisedBy: "cus_intruder", Reason: ReasonNotReceived})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	// Second open dispute rejected.
	if _, err := svc.Raise(ctx, RaiseRequest{OrderID: "ord_2", RaisedBy: "cus_1", Reason: ReasonNotReceived}); err != nil {
		t.Fatalf("First raise failed: %v", err)
	}
	_, err = svc.Raise(ctx, RaiseRequest{OrderID: "ord_2", RaisedBy: "cus_1", Reason: ReasonWrongItem})
	if !errors.Is(err, ErrDisputeOpen) {
		t.Errorf("Expected ErrDisputeOpen, got %v", err)
	}
}

func TestDispute_RaiseOnSettledEscrowLeavesNoTrace(t *testing.T) {
	svc, orders, esc, ledger := newTestService(t)
	ctx := context.Background()

	// Funds already paid out; the freeze is rejected by the escrow side.
	orders.add("ord_1", deliveredOrder("cus_1", 100*time.Hour))
	esc.freezeErr = errors.New("invalid escrow status: cannot freeze in status RELEASED")

	_, err := svc.Raise(ctx, RaiseRequest{
		OrderID:  "ord_1",
		RaisedBy: "cus_1",
		Reason:   ReasonNotReceived,
	})
	if !errors.Is(err, ErrOrderNotEligible) {
		t.Fatalf("Expected ErrOrderNotEligible, got %v", err)
	}

	// The failed raise must not persist a dispute or an audit entry.
	if _, err := svc.store.GetOpenByOrder(ctx, "ord_1"); err == nil {
		t.Error("Expected no open dispute after rejected raise")
	}
	prior, _ := svc.store.ListByOrder(ctx, "ord_1")
	if len(prior) != 0 {
		t.Errorf("Expected no dispute rows, got %d", len(prior))
	}
	entries, _ := ledger.Query(ctx, audit.Filter{Action: audit.ActionDisputeRaised})
	if len(entries) != 0 {
		t.Errorf("Expected no raise audit entries, got %d", len(entries))
	}

	// A raise with funds still held goes through afterwards.
	esc.freezeErr = nil
	esc.held["ord_1"] = 10000
	if _, err := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonNotReceived}); err != nil {
		t.Fatalf("Raise on held escrow failed: %v", err)
	}
}

func TestDispute_ReRaiseAfterRejectionNeedsOverride(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, err := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem})
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if _, err := svc.Resolve(ctx, d.ID, ResolutionRejected, "adm_1", "no merit", 0); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Plain re-raise fails.
	_, err = svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem})
	if !errors.Is(err, ErrDisputeAlreadyResolved) {
		t.Errorf("Expected ErrDisputeAlreadyResolved, got %v", err)
	}

	// Non-admin override is ignored.
	_, err = svc.Raise(ctx, RaiseRequest{
		OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem, PolicyOverride: true,
	})
	if !errors.Is(err, ErrDisputeAlreadyResolved) {
		t.Errorf("Expected override to require admin, got %v", err)
	}

	// Admin override reopens.
	adminCtx := audit.WithActor(ctx, "admin", "adm_1")
	d2, err := svc.Raise(adminCtx, RaiseRequest{
		OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem, PolicyOverride: true,
	})
	if err != nil {
		t.Fatalf("Override raise failed: %v", err)
	}
	if d2.ID == d.ID {
		t.Error("Expected a new dispute record")
	}
}

func TestDispute_ResolveRefundFull(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, _ := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonNotReceived})

	d, err := svc.Resolve(ctx, d.ID, ResolutionRefundFull, "adm_1", "seller never produced POD", 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusResolved || d.Resolution != ResolutionRefundFull {
		t.Errorf("Expected RESOLVED/REFUND_FULL, got %s/%s", d.Status, d.Resolution)
	}
	if d.RefundAmount != 10000 {
		t.Errorf("Expected refund of 10000, got %d", d.RefundAmount)
	}
	if esc.refunds["ord_1"] != 10000 {
		t.Errorf("Expected escrow refund of 10000, got %d", esc.refunds["ord_1"])
	}
	if orders.returned["ord_1"] != d.ID {
		t.Error("Expected order marked returned by this dispute")
	}

	// Resolved disputes admit no further action.
	if _, err := svc.Resolve(ctx, d.ID, ResolutionRejected, "adm_1", "again", 0); !errors.Is(err, ErrDisputeNotOpen) {
		t.Errorf("Expected ErrDisputeNotOpen, got %v", err)
	}
	if _, err := svc.AddEvidence(ctx, d.ID, Evidence{Kind: EvidencePOD, SubmittedBy: "dlr_1", Reference: "pod1"}); !errors.Is(err, ErrDisputeNotOpen) {
		t.Errorf("Expected ErrDisputeNotOpen adding evidence, got %v", err)
	}
}

func TestDispute_ResolveRefundPartial(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, _ := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem})

	// Amount must be strictly inside the held balance.
	if _, err := svc.Resolve(ctx, d.ID, ResolutionRefundPartial, "adm_1", "half back", 10000); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("Expected ErrInvalidResolution for full amount, got %v", err)
	}

	d, err := svc.Resolve(ctx, d.ID, ResolutionRefundPartial, "adm_1", "half back", 4000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.RefundAmount != 4000 {
		t.Errorf("Expected refund 4000, got %d", d.RefundAmount)
	}
	if esc.refunds["ord_1"] != 4000 {
		t.Errorf("Expected escrow refund 4000, got %d", esc.refunds["ord_1"])
	}
	if esc.frozen["ord_1"] {
		t.Error("Expected escrow unfrozen so the remainder settles")
	}
	if _, returned := orders.returned["ord_1"]; returned {
		t.Error("Expected order to stay delivered on partial refund")
	}
}

func TestDispute_ResolveReleaseToSeller(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, _ := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonOther})

	d, err := svc.Resolve(ctx, d.ID, ResolutionReleaseToSeller, "adm_1", "claim unfounded", 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if esc.frozen["ord_1"] {
		t.Error("Expected escrow unfrozen")
	}
	if esc.releases["ord_1"] != "dispute" {
		t.Errorf("Expected release triggered by dispute, got %q", esc.releases["ord_1"])
	}
	if d.RefundAmount != 0 {
		t.Errorf("Expected no refund, got %d", d.RefundAmount)
	}
}

func TestDispute_EvidenceAccumulates(t *testing.T) {
	svc, orders, esc, ledger := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, _ := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem})

	d, err := svc.AddEvidence(ctx, d.ID, Evidence{
		Kind: EvidenceUnboxingVideo, SubmittedBy: "cus_1", Reference: "https://cdn/videos/v1",
	})
	if err != nil {
		t.Fatalf("AddEvidence failed: %v", err)
	}
	d, err = svc.AddEvidence(ctx, d.ID, Evidence{
		Kind: EvidenceInvoice, SubmittedBy: "dlr_1", Reference: "inv_9",
	})
	if err != nil {
		t.Fatalf("AddEvidence failed: %v", err)
	}

	if len(d.Evidence) != 2 {
		t.Fatalf("Expected 2 evidence items, got %d", len(d.Evidence))
	}
	if !d.HasEvidence(EvidenceUnboxingVideo) {
		t.Error("Expected unboxing video on file")
	}

	entries, _ := ledger.Query(ctx, audit.Filter{EntityID: d.ID, Action: audit.ActionEvidenceAdded})
	if len(entries) != 2 {
		t.Errorf("Expected 2 evidence audit entries, got %d", len(entries))
	}
}

func TestDispute_EvaluateIsSideEffectFree(t *testing.T) {
	svc, orders, esc, _ := newTestService(t)
	ctx := context.Background()

	orders.add("ord_1", deliveredOrder("cus_1", time.Hour))
	esc.held["ord_1"] = 10000

	d, _ := svc.Raise(ctx, RaiseRequest{OrderID: "ord_1", RaisedBy: "cus_1", Reason: ReasonWrongItem})
	_, _ = svc.AddEvidence(ctx, d.ID, Evidence{
		Kind: EvidenceUnboxingVideo, SubmittedBy: "cus_1", Reference: "v1",
	})

	before, _ := svc.Get(ctx, d.ID)
	_, rec, err := svc.Evaluate(ctx, d.ID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if rec.Resolution != ResolutionRefundPartial {
		t.Errorf("Expected REFUND_PARTIAL recommendation, got %s", rec.Resolution)
	}
	if rec.RefundAmount != 5000 {
		t.Errorf("Expected 50%% compensation (5000), got %d", rec.RefundAmount)
	}

	// Evaluate twice, nothing moved.
	_, rec2, _ := svc.Evaluate(ctx, d.ID)
	if rec2 != rec {
		t.Errorf("Expected deterministic recommendation, got %+v vs %+v", rec, rec2)
	}
	after, _ := svc.Get(ctx, d.ID)
	if after.Version != before.Version || after.Status != StatusOpen {
		t.Error("Expected dispute untouched by evaluation")
	}
	if esc.refunds["ord_1"] != 0 {
		t.Error("Expected no funds movement from evaluation")
	}
}
