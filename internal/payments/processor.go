package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradeweave/settlement/internal/escrow"
	"github.com/tradeweave/settlement/internal/retry"
)

var refundExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settlement_refund_executions_total",
	Help: "Refund instructions pushed to the payment gateway, by result.",
}, []string{"result"})

// Escrows is the escrow surface the processor drives.
type Escrows interface {
	ListPendingInstructions(ctx context.Context, limit int) ([]*escrow.RefundInstruction, error)
	Get(ctx context.Context, orderID string) (*escrow.Escrow, error)
	ConfirmRefundExecuted(ctx context.Context, instructionID, gatewayRef string) (*escrow.RefundInstruction, error)
}

// Processor drains pending refund instructions through the gateway. The
// escrow ledger already moved when the instruction was staged; the
// processor only completes the external money movement, retrying failed
// instructions on every tick until they succeed.
type Processor struct {
	escrows  Escrows
	gateway  Gateway
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewProcessor creates a refund processor.
func NewProcessor(escrows Escrows, gateway Gateway, interval time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		escrows:  escrows,
		gateway:  gateway,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the processor loop is actively running.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Start begins the processing loop. Call in a goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeProcess(ctx)
		}
	}
}

// Stop signals the processor to stop.
func (p *Processor) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Processor) safeProcess(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in refund processor", "panic", fmt.Sprint(r))
		}
	}()
	p.Process(ctx)
}

// Process runs a single pass over the pending instructions.
func (p *Processor) Process(ctx context.Context) {
	pending, err := p.escrows.ListPendingInstructions(ctx, 50)
	if err != nil {
		p.logger.Warn("failed to list pending refund instructions", "error", err)
		return
	}

	for _, ins := range pending {
		e, err := p.escrows.Get(ctx, ins.OrderID)
		if err != nil {
			refundExecutions.WithLabelValues("error").Inc()
			p.logger.Warn("failed to resolve escrow for refund",
				"instructionId", ins.ID, "orderId", ins.OrderID, "error", err)
			continue
		}

		// Transient gateway hiccups are retried within the pass; anything
		// still failing stays pending for the next tick.
		var gatewayRef string
		err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			var execErr error
			gatewayRef, execErr = p.gateway.ExecuteRefund(ctx, e.PaymentRef, ins.Amount)
			return execErr
		})
		if err != nil {
			refundExecutions.WithLabelValues("error").Inc()
			p.logger.Warn("gateway refund failed, will retry",
				"instructionId", ins.ID, "orderId", ins.OrderID, "error", err)
			continue
		}

		if _, err := p.escrows.ConfirmRefundExecuted(ctx, ins.ID, gatewayRef); err != nil {
			// The gateway moved the money; reconfirming with the same
			// reference on the next pass is safe.
			refundExecutions.WithLabelValues("error").Inc()
			p.logger.Error("refund executed but confirmation failed",
				"instructionId", ins.ID, "gatewayRef", gatewayRef, "error", err)
			continue
		}

		refundExecutions.WithLabelValues("executed").Inc()
		p.logger.Info("refund executed",
			"instructionId", ins.ID, "orderId", ins.OrderID, "gatewayRef", gatewayRef)
	}
}
