package events

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	seen      map[string]struct{}
	created   []*Created
	withdrawn map[string]*Settled
	refunded  map[string]*Settled
	cursor    uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]struct{}),
		withdrawn: make(map[string]*Settled),
		refunded:  make(map[string]*Settled),
	}
}

func (s *MemoryStore) AppendCreated(_ context.Context, e *Created) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[e.ID]; ok {
		return false, nil
	}
	cp := *e
	cp.Normalize()
	s.seen[cp.ID] = struct{}{}
	s.created = append(s.created, &cp)
	return true, nil
}

func (s *MemoryStore) AppendWithdrawn(_ context.Context, e *Settled) (bool, error) {
	return s.appendSettled(s.withdrawn, e), nil
}

func (s *MemoryStore) AppendRefunded(_ context.Context, e *Settled) (bool, error) {
	return s.appendSettled(s.refunded, e), nil
}

func (s *MemoryStore) appendSettled(into map[string]*Settled, e *Settled) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[e.ID]; ok {
		return false
	}
	cp := *e
	cp.Normalize()
	s.seen[cp.ID] = struct{}{}
	if _, exists := into[cp.ContractID]; !exists {
		into[cp.ContractID] = &cp
	}
	return true
}

func (s *MemoryStore) ForAccount(_ context.Context, account string) (*AccountEvents, error) {
	account = strings.ToLower(account)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &AccountEvents{
		Withdrawn: make(map[string]*Settled),
		Refunded:  make(map[string]*Settled),
	}
	for _, c := range s.created {
		if c.Sender != account && c.Receiver != account {
			continue
		}
		cp := *c
		out.Created = append(out.Created, &cp)
		if w, ok := s.withdrawn[c.ContractID]; ok {
			wc := *w
			out.Withdrawn[c.ContractID] = &wc
		}
		if r, ok := s.refunded[c.ContractID]; ok {
			rc := *r
			out.Refunded[c.ContractID] = &rc
		}
	}
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, nextBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = nextBlock
	return nil
}
