package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
	"github.com/tradeweave/settlement/internal/testutil"
)

func seedEscrow(orderID string, now time.Time) *Escrow {
	return &Escrow{
		OrderID:        orderID,
		CapturedAmount: 12300,
		HeldAmount:     12300,
		Status:         StatusHeld,
		PaymentRef:     "pay_abc",
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func newAudit(ctx context.Context, action, orderID string) *audit.Entry {
	return audit.NewEntry(ctx, action, audit.EntityEscrow, orderID, nil, nil, "test")
}

func TestPostgresStore_DuplicateHold(t *testing.T) {
	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := seedEscrow("ord_0000000000000000000000d1", now)
	if err := store.Create(ctx, e, newAudit(ctx, audit.ActionEscrowHeld, e.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := seedEscrow(e.OrderID, now)
	if err := store.Create(ctx, dup, newAudit(ctx, audit.ActionEscrowHeld, e.OrderID)); !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("Expected ErrDuplicateEscrow, got %v", err)
	}
}

func TestPostgresStore_UpdateVersioning(t *testing.T) {
	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := seedEscrow("ord_0000000000000000000000d2", now)
	if err := store.Create(ctx, e, newAudit(ctx, audit.ActionEscrowHeld, e.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, _ := store.Get(ctx, e.OrderID)
	second, _ := store.Get(ctx, e.OrderID)

	first.HeldAmount = 0
	first.ReleasedAmount = 12300
	first.Status = StatusReleased
	first.ReleasedAt = &now
	first.Split = &Split{Manufacturer: 8000, Dealer: 2000, Platform: 500, Tax: 1800}
	first.UpdatedAt = now
	if err := store.Update(ctx, first, newAudit(ctx, audit.ActionEscrowReleased, e.OrderID)); err != nil {
		t.Fatalf("Release update failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Expected version 2, got %d", first.Version)
	}

	second.Status = StatusDisputed
	second.FrozenAt = &now
	second.UpdatedAt = now
	if err := store.Update(ctx, second, newAudit(ctx, audit.ActionEscrowFrozen, e.OrderID)); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for stale write, got %v", err)
	}

	got, _ := store.Get(ctx, e.OrderID)
	if got.Status != StatusReleased || got.ReleasedAmount != 12300 || got.HeldAmount != 0 {
		t.Errorf("Release lost: %+v", got)
	}
	if got.Split == nil || got.Split.Manufacturer != 8000 {
		t.Errorf("Split did not survive JSON round trip: %+v", got.Split)
	}
}

func TestPostgresStore_ListDueSkipsDisputed(t *testing.T) {
	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-time.Hour)

	due := seedEscrow("ord_0000000000000000000000e1", now)
	due.ReleaseEligibleAt = &past
	if err := store.Create(ctx, due, newAudit(ctx, audit.ActionEscrowHeld, due.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	frozen := seedEscrow("ord_0000000000000000000000e2", now)
	frozen.ReleaseEligibleAt = &past
	frozen.Status = StatusDisputed
	frozen.FrozenAt = &now
	if err := store.Create(ctx, frozen, newAudit(ctx, audit.ActionEscrowFrozen, frozen.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	notYet := seedEscrow("ord_0000000000000000000000e3", now)
	future := now.Add(time.Hour)
	notYet.ReleaseEligibleAt = &future
	if err := store.Create(ctx, notYet, newAudit(ctx, audit.ActionEscrowHeld, notYet.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dueList, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(dueList) != 1 || dueList[0].OrderID != due.OrderID {
		t.Errorf("Expected only the eligible held escrow, got %+v", dueList)
	}
}

func TestPostgresStore_RefundInstructions(t *testing.T) {
	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := seedEscrow("ord_0000000000000000000000f1", now)
	if err := store.Create(ctx, e, newAudit(ctx, audit.ActionEscrowHeld, e.OrderID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ins := &RefundInstruction{
		ID:          "rfi_0000000000000000000000a1",
		OrderID:     e.OrderID,
		Amount:      4000,
		Partial:     true,
		Reason:      "WRONG_ITEM",
		Status:      "pending",
		RequestedAt: now,
	}
	if err := store.CreateInstruction(ctx, ins); err != nil {
		t.Fatalf("CreateInstruction failed: %v", err)
	}

	pending, err := store.ListPendingInstructions(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingInstructions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Amount != 4000 {
		t.Fatalf("Expected 1 pending instruction, got %+v", pending)
	}

	ins.Status = "executed"
	ins.GatewayRef = "re_123"
	ins.ExecutedAt = &now
	if err := store.UpdateInstruction(ctx, ins); err != nil {
		t.Fatalf("UpdateInstruction failed: %v", err)
	}

	pending, _ = store.ListPendingInstructions(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Expected no pending instructions after execution, got %d", len(pending))
	}

	byOrder, err := store.ListInstructionsByOrder(ctx, e.OrderID)
	if err != nil {
		t.Fatalf("ListInstructionsByOrder failed: %v", err)
	}
	if len(byOrder) != 1 || byOrder[0].GatewayRef != "re_123" {
		t.Errorf("Instruction round trip mismatch: %+v", byOrder)
	}
}
