package escrow

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

// mockDirectory resolves order details for release checks.
type mockDirectory struct {
	mu     sync.Mutex
	orders map[string]*OrderInfo
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{orders: make(map[string]*OrderInfo)}
}

func (m *mockDirectory) add(orderID string, info *OrderInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = info
}

func (m *mockDirectory) Lookup(_ context.Context, orderID string) (*OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	return info, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *mockDirectory, *audit.MemoryLedger) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	store := NewMemoryStore(ledger)
	dir := newMockDirectory()
	pub := outbox.NewPublisher(outbox.NewMemoryStore(), testLogger())
	svc := NewService(store, dir, ledger, pub, testLogger())
	return svc, dir, ledger
}

func TestEscrow_HoldOnce(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()

	e, err := svc.Hold(ctx, "ord_1", 10000, "pi_abc")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("Expected status HELD, got %s", e.Status)
	}
	if e.HeldAmount != 10000 || e.CapturedAmount != 10000 {
		t.Errorf("Expected held=captured=10000, got held=%d captured=%d", e.HeldAmount, e.CapturedAmount)
	}
	if err := e.CheckInvariant(); err != nil {
		t.Errorf("Invariant violated after hold: %v", err)
	}

	// Second hold for the same order is rejected even with a different amount.
	if _, err := svc.Hold(ctx, "ord_1", 5000, "pi_other"); !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("Expected ErrDuplicateEscrow, got %v", err)
	}

	entries, _ := ledger.Query(ctx, audit.Filter{EntityID: "ord_1", Action: audit.ActionEscrowHeld})
	if len(entries) != 1 {
		t.Errorf("Expected one hold audit entry, got %d", len(entries))
	}
}

func TestEscrow_HoldRejectsBadAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Hold(context.Background(), "ord_1", 0, "pi"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := svc.Hold(context.Background(), "ord_1", -50, "pi"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestEscrow_ReleaseSplitsPayout(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	// Order totals: subtotal 10000, tax 1800, commission 500, captured 12300.
	// Manufacturer base share 8400.
	dir.add("ord_1", &OrderInfo{
		DealerID:          "dlr_1",
		Delivered:         true,
		TaxAmount:         1800,
		CommissionAmount:  500,
		ManufacturerShare: 8400,
	})

	if _, err := svc.Hold(ctx, "ord_1", 12300, "pi_abc"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	e, err := svc.Release(ctx, "ord_1", "auto")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Errorf("Expected status RELEASED, got %s", e.Status)
	}
	if e.HeldAmount != 0 || e.ReleasedAmount != 12300 {
		t.Errorf("Expected held=0 released=12300, got held=%d released=%d", e.HeldAmount, e.ReleasedAmount)
	}
	if e.ReleasedAt == nil {
		t.Fatal("Expected ReleasedAt to be set")
	}
	if e.Split == nil {
		t.Fatal("Expected payout split")
	}
	if e.Split.Tax != 1800 || e.Split.Platform != 500 || e.Split.Manufacturer != 8400 {
		t.Errorf("Unexpected split legs: %+v", e.Split)
	}
	if e.Split.Dealer != 12300-1800-500-8400 {
		t.Errorf("Expected dealer leg %d, got %d", 12300-1800-500-8400, e.Split.Dealer)
	}
	if e.Split.Total() != e.ReleasedAmount {
		t.Errorf("Split legs sum to %d, released %d", e.Split.Total(), e.ReleasedAmount)
	}
}

func TestEscrow_ReleaseIdempotent(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{DealerID: "dlr_1", Delivered: true, ManufacturerShare: 5000})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	first, err := svc.Release(ctx, "ord_1", "auto")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	second, err := svc.Release(ctx, "ord_1", "auto")
	if err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if !second.ReleasedAt.Equal(*first.ReleasedAt) {
		t.Errorf("Expected original release timestamp %v, got %v", first.ReleasedAt, second.ReleasedAt)
	}
	if second.ReleasedAmount != first.ReleasedAmount {
		t.Errorf("Expected released amount unchanged, got %d", second.ReleasedAmount)
	}
	if second.Version != first.Version {
		t.Errorf("Expected no version bump on replay, got %d vs %d", second.Version, first.Version)
	}
}

func TestEscrow_ReleaseRequiresDelivery(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{DealerID: "dlr_1", Delivered: false})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	if _, err := svc.Release(ctx, "ord_1", "manual"); !errors.Is(err, ErrOrderNotDelivered) {
		t.Errorf("Expected ErrOrderNotDelivered, got %v", err)
	}
}

func TestEscrow_FullRefundClosesEscrow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	e, ins, err := svc.Refund(ctx, "ord_1", 10000, false, "order cancelled")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Errorf("Expected status REFUNDED, got %s", e.Status)
	}
	if e.HeldAmount != 0 || e.RefundedAmount != 10000 {
		t.Errorf("Expected held=0 refunded=10000, got held=%d refunded=%d", e.HeldAmount, e.RefundedAmount)
	}
	if e.RefundedAt == nil {
		t.Error("Expected RefundedAt to be set")
	}
	if ins.Status != InstructionPending || ins.Amount != 10000 {
		t.Errorf("Expected pending instruction for 10000, got %+v", ins)
	}

	// Nothing further can move.
	if _, err := svc.Release(ctx, "ord_1", "auto"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus releasing refunded escrow, got %v", err)
	}
}

func TestEscrow_PartialRefundKeepsRemainderHeld(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{
		DealerID:          "dlr_1",
		Delivered:         true,
		TaxAmount:         1000,
		CommissionAmount:  500,
		ManufacturerShare: 6000,
	})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	e, _, err := svc.Refund(ctx, "ord_1", 4000, true, "wrong item, partial compensation")
	if err != nil {
		t.Fatalf("Partial refund failed: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("Expected status HELD after partial refund, got %s", e.Status)
	}
	if e.HeldAmount != 6000 || e.RefundedAmount != 4000 {
		t.Errorf("Expected held=6000 refunded=4000, got held=%d refunded=%d", e.HeldAmount, e.RefundedAmount)
	}
	if err := e.CheckInvariant(); err != nil {
		t.Errorf("Invariant violated after partial refund: %v", err)
	}

	// Releasing the remainder scales each leg by the released fraction.
	e, err = svc.Release(ctx, "ord_1", "auto")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if e.ReleasedAmount != 6000 {
		t.Errorf("Expected released 6000, got %d", e.ReleasedAmount)
	}
	if e.Split.Tax != 600 || e.Split.Platform != 300 || e.Split.Manufacturer != 3600 {
		t.Errorf("Unexpected pro-rata split: %+v", e.Split)
	}
	if e.Split.Total() != 6000 {
		t.Errorf("Split legs sum to %d, expected 6000", e.Split.Total())
	}
}

func TestEscrow_RefundCannotExceedHeld(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	if _, _, err := svc.Refund(ctx, "ord_1", 10001, false, "too much"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestEscrow_FreezeBlocksSettlement(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{DealerID: "dlr_1", Delivered: true})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	now := time.Now()
	eligible := now.Add(-time.Hour)
	if err := svc.ScheduleAutoRelease(ctx, "ord_1", eligible); err != nil {
		t.Fatalf("ScheduleAutoRelease failed: %v", err)
	}

	due, _ := svc.ListDue(ctx, now, 10)
	if len(due) != 1 {
		t.Fatalf("Expected 1 due escrow before freeze, got %d", len(due))
	}

	e, err := svc.Freeze(ctx, "ord_1", "dispute raised")
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if e.Status != StatusDisputed {
		t.Errorf("Expected status DISPUTED, got %s", e.Status)
	}
	if e.FrozenAt == nil {
		t.Error("Expected FrozenAt to be set")
	}

	// Frozen funds never appear in the sweep and cannot be released.
	due, _ = svc.ListDue(ctx, now, 10)
	if len(due) != 0 {
		t.Errorf("Expected no due escrows while frozen, got %d", len(due))
	}
	if _, err := svc.Release(ctx, "ord_1", "auto"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus releasing frozen escrow, got %v", err)
	}

	// Refund while frozen is allowed (dispute resolution path).
	if _, _, err := svc.Refund(ctx, "ord_1", 10000, false, "dispute resolved"); err != nil {
		t.Errorf("Refund of frozen escrow failed: %v", err)
	}
}

func TestEscrow_UnfreezeRestoresEligibility(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{DealerID: "dlr_1", Delivered: true})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")
	_ = svc.ScheduleAutoRelease(ctx, "ord_1", time.Now().Add(-time.Hour))
	_, _ = svc.Freeze(ctx, "ord_1", "dispute raised")

	e, err := svc.Unfreeze(ctx, "ord_1", "dispute rejected")
	if err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("Expected status HELD, got %s", e.Status)
	}
	if e.FrozenAt != nil {
		t.Error("Expected FrozenAt to be cleared")
	}

	due, _ := svc.ListDue(ctx, time.Now(), 10)
	if len(due) != 1 {
		t.Errorf("Expected escrow due again after unfreeze, got %d", len(due))
	}
}

func TestEscrow_ConfirmRefundExecuted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")
	_, ins, err := svc.Refund(ctx, "ord_1", 10000, false, "cancelled")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	done, err := svc.ConfirmRefundExecuted(ctx, ins.ID, "re_gateway_1")
	if err != nil {
		t.Fatalf("ConfirmRefundExecuted failed: %v", err)
	}
	if done.Status != InstructionExecuted || done.GatewayRef != "re_gateway_1" {
		t.Errorf("Expected executed instruction, got %+v", done)
	}
	if done.ExecutedAt == nil {
		t.Error("Expected ExecutedAt to be set")
	}

	// Confirming twice is a no-op.
	again, err := svc.ConfirmRefundExecuted(ctx, ins.ID, "re_gateway_2")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if again.GatewayRef != "re_gateway_1" {
		t.Errorf("Expected original gateway ref preserved, got %s", again.GatewayRef)
	}

	pending, _ := svc.ListPendingInstructions(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Expected no pending instructions, got %d", len(pending))
	}
}

func TestEscrow_ConcurrentReleaseAndRefund(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	dir.add("ord_1", &OrderInfo{DealerID: "dlr_1", Delivered: true, ManufacturerShare: 5000})
	_, _ = svc.Hold(ctx, "ord_1", 10000, "pi_abc")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.Release(ctx, "ord_1", "auto")
	}()
	go func() {
		defer wg.Done()
		_, _, errs[1] = svc.Refund(ctx, "ord_1", 10000, false, "race")
	}()
	wg.Wait()

	// Exactly one operation wins; funds are conserved either way.
	e, err := svc.Get(ctx, "ord_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := e.CheckInvariant(); err != nil {
		t.Fatalf("Invariant violated after race: %v", err)
	}
	if e.ReleasedAmount == 10000 && e.RefundedAmount == 10000 {
		t.Fatal("Both release and refund applied")
	}
	if (errs[0] == nil) == (errs[1] == nil) {
		t.Errorf("Expected exactly one winner: release=%v refund=%v", errs[0], errs[1])
	}
}
