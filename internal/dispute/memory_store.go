package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/tradeweave/settlement/internal/audit"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	ledger   audit.Ledger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore(ledger audit.Ledger) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		ledger:   ledger,
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	s.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Version != d.Version {
		return ErrConflict
	}
	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	d.Version++
	s.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (s *MemoryStore) GetOpenByOrder(_ context.Context, orderID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.disputes {
		if d.OrderID == orderID && d.Status == StatusOpen {
			return cloneDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Dispute
	for _, d := range s.disputes {
		if d.OrderID == orderID {
			out = append(out, cloneDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountResolvedByRaiser(_ context.Context, raisedBy string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, d := range s.disputes {
		if d.RaisedBy == raisedBy && d.Status == StatusResolved {
			count++
		}
	}
	return count, nil
}

func cloneDispute(d *Dispute) *Dispute {
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	return &c
}
