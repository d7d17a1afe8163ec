// Package settlement runs the periodic sweep that releases escrows whose
// grace period has passed.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradeweave/settlement/internal/escrow"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_sweeps_total",
		Help: "Completed settlement sweep passes.",
	})

	sweepReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweep_releases_total",
		Help: "Escrow releases attempted by the sweeper, by result.",
	}, []string{"result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_sweep_duration_seconds",
		Help:    "Wall time of a single sweep pass.",
		Buckets: prometheus.DefBuckets,
	})
)

// batchSize caps how many due escrows a single pass picks up. Anything
// left over is caught by the next tick.
const batchSize = 100

// Releaser is the escrow operation the sweeper drives.
type Releaser interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
	Release(ctx context.Context, orderID, trigger string) (*escrow.Escrow, error)
}

// Sweeper periodically releases escrows past their grace period. Disputed
// escrows never surface in ListDue, so the sweep skips them by
// construction.
type Sweeper struct {
	escrows     Releaser
	interval    time.Duration
	itemTimeout time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
	now         func() time.Time
}

// NewSweeper creates a settlement sweeper.
func NewSweeper(escrows Releaser, interval, itemTimeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		escrows:     escrows,
		interval:    interval,
		itemTimeout: itemTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs a single pass, releasing every due escrow. A failure on one
// item never blocks the rest; failed items stay due and are retried on
// the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
		sweepsTotal.Inc()
	}()

	due, err := s.escrows.ListDue(ctx, start, batchSize)
	if err != nil {
		s.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	for _, e := range due {
		itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
		released, err := s.escrows.Release(itemCtx, e.OrderID, "auto")
		cancel()

		if err != nil {
			sweepReleases.WithLabelValues("error").Inc()
			s.logger.Warn("failed to auto-release escrow",
				"orderId", e.OrderID, "error", err)
			continue
		}
		sweepReleases.WithLabelValues("released").Inc()
		s.logger.Info("auto-released escrow",
			"orderId", e.OrderID,
			"amount", released.ReleasedAmount,
			"eligibleSince", e.ReleaseEligibleAt)
	}
}
