package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by result.",
	}, []string{"result"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "outbox",
		Name:      "pending_events",
		Help:      "Staged events awaiting delivery at the last drain tick.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, pendingGauge)
}

// Drainer periodically delivers pending outbox events to subscribers.
type Drainer struct {
	store    Store
	subs     SubscriptionStore
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDrainer creates a new outbox drain worker.
func NewDrainer(store Store, subs SubscriptionStore, interval time.Duration, logger *slog.Logger) *Drainer {
	return &Drainer{
		store:    store,
		subs:     subs,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the drain loop is active.
func (d *Drainer) Running() bool {
	return d.running.Load()
}

// Start begins the drain loop. Call in a goroutine.
func (d *Drainer) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDrain(ctx)
		}
	}
}

// Stop signals the drainer to stop.
func (d *Drainer) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Drainer) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in outbox drainer", "panic", fmt.Sprint(r))
		}
	}()
	d.Drain(ctx)
}

// Drain delivers one batch of pending events. Exported so tests and the
// admin replay endpoint can run a drain pass synchronously.
func (d *Drainer) Drain(ctx context.Context) {
	pending, err := d.store.ListPending(ctx, 100)
	if err != nil {
		d.logger.Warn("failed to list pending events", "error", err)
		return
	}
	pendingGauge.Set(float64(len(pending)))

	if len(pending) == 0 {
		return
	}

	subs, err := d.subs.List(ctx)
	if err != nil {
		d.logger.Warn("failed to list subscriptions", "error", err)
		return
	}

	for _, event := range pending {
		d.deliver(ctx, event, subs)
	}
}

func (d *Drainer) deliver(ctx context.Context, event *Event, subs []*Subscription) {
	var lastErr error
	delivered := 0
	wanted := 0

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		wanted++
		if err := d.send(ctx, sub, event); err != nil {
			lastErr = err
			sub.LastError = err.Error()
			_ = d.subs.Update(ctx, sub)
			continue
		}
		delivered++
	}

	// No subscriber wants this event type: nothing to deliver.
	if wanted == 0 {
		if err := d.store.MarkDelivered(ctx, event.ID); err != nil {
			d.logger.Warn("failed to mark event delivered", "eventId", event.ID, "error", err)
		}
		return
	}

	if lastErr == nil {
		deliveriesTotal.WithLabelValues("delivered").Inc()
		if err := d.store.MarkDelivered(ctx, event.ID); err != nil {
			d.logger.Warn("failed to mark event delivered", "eventId", event.ID, "error", err)
		}
		return
	}

	attempts := event.Attempts + 1
	failed := attempts >= MaxAttempts
	if failed {
		deliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("outbox event parked after max attempts",
			"eventId", event.ID, "type", event.Type, "error", lastErr)
	} else {
		deliveriesTotal.WithLabelValues("retried").Inc()
	}
	if err := d.store.MarkAttempt(ctx, event.ID, attempts, lastErr.Error(), failed); err != nil {
		d.logger.Warn("failed to record delivery attempt", "eventId", event.ID, "error", err)
	}
}

func (d *Drainer) send(ctx context.Context, sub *Subscription, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settlement-Event", string(event.Type))
	req.Header.Set("X-Settlement-Timestamp", fmt.Sprintf("%d", event.CreatedAt.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Settlement-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
