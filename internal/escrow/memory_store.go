package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	escrows      map[string]*Escrow
	instructions map[string]*RefundInstruction
	ledger       audit.Ledger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory escrow store.
func NewMemoryStore(ledger audit.Ledger) *MemoryStore {
	return &MemoryStore{
		escrows:      make(map[string]*Escrow),
		instructions: make(map[string]*RefundInstruction),
		ledger:       ledger,
	}
}

func (s *MemoryStore) Create(ctx context.Context, e *Escrow, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[e.OrderID]; exists {
		return ErrDuplicateEscrow
	}
	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	s.escrows[e.OrderID] = cloneEscrow(e)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (s *MemoryStore) Update(ctx context.Context, e *Escrow, aud *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.escrows[e.OrderID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != e.Version {
		return ErrConflict
	}
	if err := s.ledger.Record(ctx, aud); err != nil {
		return err
	}
	e.Version++
	s.escrows[e.OrderID] = cloneEscrow(e)
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status != StatusHeld || e.ReleaseEligibleAt == nil {
			continue
		}
		if !e.ReleaseEligibleAt.After(now) {
			out = append(out, cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReleaseEligibleAt.Before(*out[j].ReleaseEligibleAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status == status {
			out = append(out, cloneEscrow(e))
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

func (s *MemoryStore) CreateInstruction(_ context.Context, ins *RefundInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ins
	s.instructions[ins.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstruction(_ context.Context, id string) (*RefundInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.instructions[id]
	if !ok {
		return nil, ErrInstructionNotFound
	}
	cp := *ins
	return &cp, nil
}

func (s *MemoryStore) UpdateInstruction(_ context.Context, ins *RefundInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instructions[ins.ID]; !ok {
		return ErrInstructionNotFound
	}
	cp := *ins
	s.instructions[ins.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPendingInstructions(_ context.Context, limit int) ([]*RefundInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RefundInstruction
	for _, ins := range s.instructions {
		if ins.Status == InstructionPending {
			cp := *ins
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListInstructionsByOrder(_ context.Context, orderID string) ([]*RefundInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RefundInstruction
	for _, ins := range s.instructions {
		if ins.OrderID == orderID {
			cp := *ins
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func cloneEscrow(e *Escrow) *Escrow {
	c := *e
	if e.Split != nil {
		sp := *e.Split
		c.Split = &sp
	}
	return &c
}
