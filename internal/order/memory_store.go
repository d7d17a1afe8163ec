package order

import (
	"context"
	"sort"
	"sync"

	"github.com/tradeweave/settlement/internal/audit"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	ledger audit.Ledger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory order store. The audit ledger
// receives an entry for every mutation.
func NewMemoryStore(ledger audit.Ledger) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		ledger: ledger,
	}
}

func (s *MemoryStore) Create(ctx context.Context, o *Order, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return ErrConflict
	}
	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, o *Order, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.Version != o.Version {
		return ErrConflict
	}
	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	o.Version++
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.BuyerID == buyerID }, limit)
}

func (s *MemoryStore) ListByDealer(ctx context.Context, dealerID string, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.DealerID == dealerID }, limit)
}

func (s *MemoryStore) list(match func(*Order) bool, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if match(o) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(o *Order) *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	return &c
}
