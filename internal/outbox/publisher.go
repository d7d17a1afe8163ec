package outbox

import (
	"context"
	"log/slog"
)

// Publisher stages typed lifecycle events. All methods are fire-and-forget:
// a failure to stage is logged but never propagated, because notification
// loss must not roll back the state change that produced the event.
type Publisher struct {
	store  Store
	logger *slog.Logger
}

// NewPublisher creates a new event publisher.
func NewPublisher(store Store, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, logger: logger}
}

func (p *Publisher) publish(ctx context.Context, eventType EventType, orderID string, data map[string]interface{}) {
	if p == nil || p.store == nil {
		return
	}
	event := New(eventType, orderID, data)
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Warn("failed to stage event", "event", eventType, "orderId", orderID, "error", err)
	}
}

// OrderCreated stages an order.created event.
func (p *Publisher) OrderCreated(ctx context.Context, orderID, buyerID, dealerID, total string) {
	p.publish(ctx, EventOrderCreated, orderID, map[string]interface{}{
		"buyerId": buyerID, "dealerId": dealerID, "totalAmount": total,
	})
}

// OrderPaid stages an order.paid event.
func (p *Publisher) OrderPaid(ctx context.Context, orderID, paymentRef, amount string) {
	p.publish(ctx, EventOrderPaid, orderID, map[string]interface{}{
		"paymentRef": paymentRef, "amount": amount,
	})
}

// OrderShipped stages an order.shipped event.
func (p *Publisher) OrderShipped(ctx context.Context, orderID, dealerID, tracking string) {
	p.publish(ctx, EventOrderShipped, orderID, map[string]interface{}{
		"dealerId": dealerID, "tracking": tracking,
	})
}

// OrderDelivered stages an order.delivered event.
func (p *Publisher) OrderDelivered(ctx context.Context, orderID string) {
	p.publish(ctx, EventOrderDelivered, orderID, nil)
}

// OrderCancelled stages an order.cancelled event.
func (p *Publisher) OrderCancelled(ctx context.Context, orderID, reason string) {
	p.publish(ctx, EventOrderCancelled, orderID, map[string]interface{}{
		"reason": reason,
	})
}

// OrderReturned stages an order.returned event.
func (p *Publisher) OrderReturned(ctx context.Context, orderID, disputeID string) {
	p.publish(ctx, EventOrderReturned, orderID, map[string]interface{}{
		"disputeId": disputeID,
	})
}

// FundsReleased stages a funds.released event carrying the payout split.
func (p *Publisher) FundsReleased(ctx context.Context, orderID, amount string, split map[string]interface{}) {
	p.publish(ctx, EventFundsReleased, orderID, map[string]interface{}{
		"amount": amount, "split": split,
	})
}

// RefundRequested stages a refund.requested event.
func (p *Publisher) RefundRequested(ctx context.Context, orderID, instructionID, amount string, partial bool) {
	p.publish(ctx, EventRefundRequested, orderID, map[string]interface{}{
		"instructionId": instructionID, "amount": amount, "partial": partial,
	})
}

// RefundExecuted stages a refund.executed event.
func (p *Publisher) RefundExecuted(ctx context.Context, orderID, instructionID, gatewayRef string) {
	p.publish(ctx, EventRefundExecuted, orderID, map[string]interface{}{
		"instructionId": instructionID, "gatewayRef": gatewayRef,
	})
}

// DisputeRaised stages a dispute.raised event.
func (p *Publisher) DisputeRaised(ctx context.Context, orderID, disputeID, raisedBy, reason string) {
	p.publish(ctx, EventDisputeRaised, orderID, map[string]interface{}{
		"disputeId": disputeID, "raisedBy": raisedBy, "reason": reason,
	})
}

// DisputeResolved stages a dispute.resolved event.
func (p *Publisher) DisputeResolved(ctx context.Context, orderID, disputeID, resolution string) {
	p.publish(ctx, EventDisputeResolved, orderID, map[string]interface{}{
		"disputeId": disputeID, "resolution": resolution,
	})
}
