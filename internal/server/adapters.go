package server

import (
	"context"
	"errors"
	"time"

	"github.com/tradeweave/settlement/internal/dispute"
	"github.com/tradeweave/settlement/internal/escrow"
	"github.com/tradeweave/settlement/internal/order"
)

// The order, escrow, and dispute packages only see each other through
// small interfaces they declare themselves. These adapters satisfy them
// with the concrete services.

// escrowLedgerAdapter adapts *escrow.Service to order.EscrowLedger
type escrowLedgerAdapter struct {
	escrows *escrow.Service
}

func (a *escrowLedgerAdapter) Hold(ctx context.Context, orderID string, amount int64, paymentRef string) error {
	_, err := a.escrows.Hold(ctx, orderID, amount, paymentRef)
	return err
}

func (a *escrowLedgerAdapter) Exists(ctx context.Context, orderID string) (bool, error) {
	_, err := a.escrows.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *escrowLedgerAdapter) HeldStatus(ctx context.Context, orderID string) (held, disputed bool, err error) {
	e, err := a.escrows.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return e.Status == escrow.StatusHeld, e.Status == escrow.StatusDisputed, nil
}

func (a *escrowLedgerAdapter) ScheduleAutoRelease(ctx context.Context, orderID string, eligibleAt time.Time) error {
	return a.escrows.ScheduleAutoRelease(ctx, orderID, eligibleAt)
}

func (a *escrowLedgerAdapter) RefundOnCancel(ctx context.Context, orderID, reason string) error {
	e, err := a.escrows.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			// Cancelled before capture; nothing to refund.
			return nil
		}
		return err
	}
	_, _, err = a.escrows.Refund(ctx, orderID, e.HeldAmount, false, reason)
	return err
}

// orderDirectoryAdapter adapts *order.Service to escrow.OrderDirectory.
// The orders field is assigned after construction because the escrow
// service is built first.
type orderDirectoryAdapter struct {
	orders *order.Service
}

func (a *orderDirectoryAdapter) Lookup(ctx context.Context, orderID string) (*escrow.OrderInfo, error) {
	o, err := a.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &escrow.OrderInfo{
		DealerID:          o.DealerID,
		Delivered:         o.DeliveredAt != nil,
		TaxAmount:         o.TaxAmount,
		CommissionAmount:  o.CommissionAmount,
		ManufacturerShare: o.ManufacturerShare(),
	}, nil
}

// orderControlAdapter adapts *order.Service to dispute.OrderControl
type orderControlAdapter struct {
	orders *order.Service
}

func (a *orderControlAdapter) View(ctx context.Context, orderID string) (*dispute.OrderView, error) {
	o, err := a.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &dispute.OrderView{
		BuyerID:     o.BuyerID,
		Delivered:   o.DeliveredAt != nil,
		PaidAt:      transitionTime(o, order.StatusPaid),
		ShippedAt:   transitionTime(o, order.StatusShipped),
		DeliveredAt: o.DeliveredAt,
	}, nil
}

func (a *orderControlAdapter) MarkReturned(ctx context.Context, orderID, disputeID, reason string) error {
	_, err := a.orders.MarkReturned(ctx, orderID, disputeID, reason)
	return err
}

// transitionTime returns when the order first entered the given status,
// or nil if it never did.
func transitionTime(o *order.Order, to order.Status) *time.Time {
	for i := range o.Timeline {
		entry := &o.Timeline[i]
		if entry.ToState == to && entry.FromState != to {
			t := entry.Timestamp
			return &t
		}
	}
	return nil
}

// escrowControlAdapter adapts *escrow.Service to dispute.EscrowControl
type escrowControlAdapter struct {
	escrows *escrow.Service
}

func (a *escrowControlAdapter) Freeze(ctx context.Context, orderID, reason string) error {
	_, err := a.escrows.Freeze(ctx, orderID, reason)
	return err
}

func (a *escrowControlAdapter) Unfreeze(ctx context.Context, orderID, reason string) error {
	_, err := a.escrows.Unfreeze(ctx, orderID, reason)
	return err
}

func (a *escrowControlAdapter) Refund(ctx context.Context, orderID string, amount int64, partial bool, reason string) error {
	_, _, err := a.escrows.Refund(ctx, orderID, amount, partial, reason)
	return err
}

func (a *escrowControlAdapter) Release(ctx context.Context, orderID, trigger string) error {
	_, err := a.escrows.Release(ctx, orderID, trigger)
	return err
}

func (a *escrowControlAdapter) HeldAmount(ctx context.Context, orderID string) (int64, error) {
	e, err := a.escrows.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return e.HeldAmount, nil
}
