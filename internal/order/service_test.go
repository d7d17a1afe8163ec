package order

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

// mockEscrow records escrow calls for verification.
type mockEscrow struct {
	mu        sync.Mutex
	held      map[string]int64
	scheduled map[string]time.Time
	refunded  map[string]string
	disputed  bool
	holdErr   error
	refundErr error
}

func newMockEscrow() *mockEscrow {
	return &mockEscrow{
		held:      make(map[string]int64),
		scheduled: make(map[string]time.Time),
		refunded:  make(map[string]string),
	}
}

func (m *mockEscrow) Hold(ctx context.Context, orderID string, amount int64, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdErr != nil {
		return m.holdErr
	}
	m.held[orderID] = amount
	return nil
}

func (m *mockEscrow) Exists(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[orderID]
	return ok, nil
}

func (m *mockEscrow) HeldStatus(ctx context.Context, orderID string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[orderID]
	return ok, m.disputed, nil
}

func (m *mockEscrow) ScheduleAutoRelease(ctx context.Context, orderID string, eligibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[orderID] = eligibleAt
	return nil
}

func (m *mockEscrow) RefundOnCancel(ctx context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return m.refundErr
	}
	m.refunded[orderID] = reason
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *mockEscrow, *audit.MemoryLedger, *outbox.MemoryStore) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	store := NewMemoryStore(ledger)
	esc := newMockEscrow()
	events := outbox.NewMemoryStore()
	pub := outbox.NewPublisher(events, testLogger())
	svc := NewService(store, esc, ledger, pub, 72*time.Hour, 1800, 500, testLogger())
	return svc, esc, ledger, events
}

func createTestOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:  "cus_1",
		DealerID: "dlr_1",
		Items: []LineItem{
			{ProductID: "prd_1", Quantity: 2, UnitPrice: 2500, BasePrice: 2000},
			{ProductID: "prd_2", Quantity: 1, UnitPrice: 5000, BasePrice: 4200},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

func TestOrder_CreateLocksPricing(t *testing.T) {
	svc, _, ledger, _ := newTestService(t)

	o := createTestOrder(t, svc)
	if o.Status != StatusCreated {
		t.Errorf("Expected status CREATED, got %s", o.Status)
	}
	if o.SubtotalAmount != 10000 {
		t.Errorf("Expected subtotal 10000, got %d", o.SubtotalAmount)
	}
	// 18% tax, 5% commission on the subtotal.
	if o.TaxAmount != 1800 {
		t.Errorf("Expected tax 1800, got %d", o.TaxAmount)
	}
	if o.CommissionAmount != 500 {
		t.Errorf("Expected commission 500, got %d", o.CommissionAmount)
	}
	if o.TotalAmount != 12300 {
		t.Errorf("Expected total 12300, got %d", o.TotalAmount)
	}
	if len(o.Timeline) != 1 {
		t.Fatalf("Expected 1 timeline entry, got %d", len(o.Timeline))
	}

	entries, err := ledger.Query(context.Background(), audit.Filter{EntityID: o.ID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionOrderCreated {
		t.Errorf("Expected one %s audit entry, got %+v", audit.ActionOrderCreated, entries)
	}
}

func TestOrder_CreateRejectsBadItems(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{BuyerID: "cus_1", DealerID: "dlr_1"})
	if !errors.Is(err, ErrNoItems) {
		t.Errorf("Expected ErrNoItems, got %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{
		BuyerID:  "cus_1",
		DealerID: "dlr_1",
		Items:    []LineItem{{ProductID: "prd_1", Quantity: 0, UnitPrice: 100}},
	})
	if !errors.Is(err, ErrInvalidItem) {
		t.Errorf("Expected ErrInvalidItem, got %v", err)
	}
}

func TestOrder_PaymentCapturedOpensEscrow(t *testing.T) {
	svc, esc, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	o, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	if err != nil {
		t.Fatalf("PaymentCaptured failed: %v", err)
	}
	if o.Status != StatusPaid {
		t.Errorf("Expected status PAID, got %s", o.Status)
	}
	if esc.held[o.ID] != o.TotalAmount {
		t.Errorf("Expected escrow hold of %d, got %d", o.TotalAmount, esc.held[o.ID])
	}

	// Replaying the same capture is a no-op.
	again, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if again.Version != o.Version {
		t.Errorf("Expected replay to leave version %d, got %d", o.Version, again.Version)
	}
}

func TestOrder_CaptureReplayRecoversFailedHold(t *testing.T) {
	svc, esc, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)

	// First capture marks the order PAID but the hold fails.
	esc.holdErr = errors.New("escrow store unavailable")
	_, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	if err == nil {
		t.Fatal("Expected capture to fail when the hold fails")
	}
	got, _ := svc.Get(ctx, o.ID)
	if got.Status != StatusPaid {
		t.Fatalf("Expected order PAID after failed hold, got %s", got.Status)
	}
	if _, held := esc.held[o.ID]; held {
		t.Fatal("Expected no escrow after failed hold")
	}

	// The gateway retry re-attempts the hold instead of short-circuiting.
	esc.holdErr = nil
	replayed, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if esc.held[o.ID] != o.TotalAmount {
		t.Errorf("Expected replay to hold %d, got %d", o.TotalAmount, esc.held[o.ID])
	}
	if replayed.Version != got.Version {
		t.Errorf("Expected replay to leave version %d, got %d", got.Version, replayed.Version)
	}
}

func TestOrder_PaymentAmountMismatch(t *testing.T) {
	svc, esc, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	_, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount-1, "pi_abc")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("Expected ErrAmountMismatch, got %v", err)
	}
	if len(esc.held) != 0 {
		t.Error("Expected no escrow hold on mismatched capture")
	}
}

func TestOrder_FullLifecycle(t *testing.T) {
	svc, esc, ledger, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	o, err := svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	if err != nil {
		t.Fatalf("PaymentCaptured failed: %v", err)
	}

	o, err = svc.Dispatch(ctx, o.ID, "dlr_1", "AWB123")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if o.Status != StatusShipped {
		t.Errorf("Expected status SHIPPED, got %s", o.Status)
	}

	o, err = svc.ConfirmDelivery(ctx, o.ID, "cus_1")
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if o.Status != StatusDelivered {
		t.Errorf("Expected status DELIVERED, got %s", o.Status)
	}
	if o.DeliveredAt == nil {
		t.Fatal("Expected DeliveredAt to be set")
	}

	eligible, ok := esc.scheduled[o.ID]
	if !ok {
		t.Fatal("Expected auto-release to be scheduled")
	}
	if got := eligible.Sub(*o.DeliveredAt); got != 72*time.Hour {
		t.Errorf("Expected release eligibility 72h after delivery, got %s", got)
	}

	// Every transition left an audit entry.
	entries, _ := ledger.Query(ctx, audit.Filter{EntityID: o.ID})
	if len(entries) != 4 {
		t.Errorf("Expected 4 audit entries (create, pay, ship, deliver), got %d", len(entries))
	}
}

func TestOrder_DispatchGuards(t *testing.T) {
	svc, esc, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)

	// Not yet paid.
	_, err := svc.Dispatch(ctx, o.ID, "dlr_1", "")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("Expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StatusCreated || ite.Attempted != StatusShipped {
		t.Errorf("Expected CREATED->SHIPPED in error, got %s->%s", ite.From, ite.Attempted)
	}

	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")

	// Wrong actor.
	if _, err := svc.Dispatch(ctx, o.ID, "dlr_2", ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	// Frozen escrow blocks dispatch.
	esc.disputed = true
	if _, err := svc.Dispatch(ctx, o.ID, "dlr_1", ""); !errors.Is(err, ErrEscrowNotHeld) {
		t.Errorf("Expected ErrEscrowNotHeld, got %v", err)
	}
}

func TestOrder_CancelRefundsEscrow(t *testing.T) {
	svc, esc, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)

	// CREATED orders have no funds to unwind; cancellations start at PAID.
	_, err := svc.Cancel(ctx, o.ID, "cus_1", "changed my mind")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("Expected InvalidTransitionError, got %v", err)
	}

	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	o, err = svc.Cancel(ctx, o.ID, "cus_1", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if o.Status != StatusCancelled {
		t.Errorf("Expected status CANCELLED, got %s", o.Status)
	}
	if _, ok := esc.refunded[o.ID]; !ok {
		t.Error("Expected full refund to be requested")
	}
	if !o.IsTerminal() {
		t.Error("Expected CANCELLED to be terminal")
	}

	// Terminal states admit no further transitions.
	if _, err := svc.Dispatch(ctx, o.ID, "dlr_1", ""); err == nil {
		t.Error("Expected dispatch after cancellation to fail")
	}
}

func TestOrder_ConcurrentDispatchAndCancel(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = svc.Dispatch(ctx, o.ID, "dlr_1", "AWB1")
	}()
	go func() {
		defer wg.Done()
		_, results[1] = svc.Cancel(ctx, o.ID, "cus_1", "race")
	}()
	wg.Wait()

	// Exactly one of the two racing transitions wins. SHIPPED orders can
	// still be cancelled, so both succeeding in sequence is also legal;
	// what must never happen is a cancelled order getting dispatched.
	final, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status == StatusCancelled {
		for _, e := range final.Timeline {
			if e.ToState == StatusShipped {
				// Ship-then-cancel is a valid ordering.
				return
			}
		}
	}
	if results[0] == nil && results[1] == nil {
		// Both succeeded, so the cancel must have observed the shipped state.
		if final.Status != StatusCancelled {
			t.Errorf("Expected final status CANCELLED, got %s", final.Status)
		}
		return
	}
	if results[0] != nil && results[1] != nil {
		t.Errorf("Expected at least one transition to win: dispatch=%v cancel=%v", results[0], results[1])
	}
}

func TestOrder_MarkReturned(t *testing.T) {
	svc, _, ledger, _ := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	o, _ = svc.Dispatch(ctx, o.ID, "dlr_1", "AWB1")
	o, _ = svc.ConfirmDelivery(ctx, o.ID, "cus_1")

	o, err := svc.MarkReturned(ctx, o.ID, "dsp_1", "Dispute resolved with full refund")
	if err != nil {
		t.Fatalf("MarkReturned failed: %v", err)
	}
	if o.Status != StatusReturned {
		t.Errorf("Expected status RETURNED, got %s", o.Status)
	}

	entries, _ := ledger.Query(ctx, audit.Filter{
		EntityID: o.ID,
		Action:   audit.ActionOrderReturned,
	})
	if len(entries) != 1 {
		t.Errorf("Expected one return audit entry, got %d", len(entries))
	}
}

func TestOrder_CarrierCanConfirmDelivery(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := audit.WithActor(context.Background(), "carrier", "shiprocket")

	o := createTestOrder(t, svc)
	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	o, _ = svc.Dispatch(ctx, o.ID, "dlr_1", "AWB1")

	o, err := svc.ConfirmDelivery(ctx, o.ID, "shiprocket")
	if err != nil {
		t.Fatalf("ConfirmDelivery by carrier failed: %v", err)
	}
	if o.Status != StatusDelivered {
		t.Errorf("Expected status DELIVERED, got %s", o.Status)
	}
}

func TestOrder_EventsStaged(t *testing.T) {
	svc, _, _, events := newTestService(t)
	ctx := context.Background()

	o := createTestOrder(t, svc)
	o, _ = svc.PaymentCaptured(ctx, o.ID, o.TotalAmount, "pi_abc")
	o, _ = svc.Dispatch(ctx, o.ID, "dlr_1", "AWB1")
	_, _ = svc.ConfirmDelivery(ctx, o.ID, "cus_1")

	staged, err := events.ListByOrder(ctx, o.ID, 50)
	if err != nil {
		t.Fatalf("ListByOrder failed: %v", err)
	}
	want := []outbox.EventType{
		outbox.EventOrderCreated,
		outbox.EventOrderPaid,
		outbox.EventOrderShipped,
		outbox.EventOrderDelivered,
	}
	if len(staged) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(staged))
	}
	for i, ev := range staged {
		if ev.Type != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}
}
