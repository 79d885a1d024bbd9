package reqbook

import (
	"context"
	"math/big"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a dense slice, matching
// the style of reqbook's postgres counterpart minus durability.
type MemoryStore struct {
	mu sync.Mutex

	requests []Request // index 0 is the sentinel
	owners   map[[20]byte]map[uint64]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: []Request{Sentinel()},
		owners:   make(map[[20]byte]map[uint64]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, owner [20]byte, stk, shares *big.Int, createdAt, reportAt time.Time) (Request, error) {
	if err := validateAppend(stk, shares); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.requests[len(s.requests)-1]
	req := Request{
		ID:               prev.ID + 1,
		CumulativeSTK:    new(big.Int).Add(prev.CumulativeSTK, stk),
		CumulativeShares: new(big.Int).Add(prev.CumulativeShares, shares),
		Owner:            owner,
		CreatedAt:        createdAt,
		ReportAt:         reportAt,
	}
	s.requests = append(s.requests, req)

	if s.owners[owner] == nil {
		s.owners[owner] = make(map[uint64]struct{})
	}
	s.owners[owner][req.ID] = struct{}{}

	return clone(req), nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id >= uint64(len(s.requests)) {
		return Request{}, ErrNotFound
	}
	return clone(s.requests[id]), nil
}

func (s *MemoryStore) Last(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.requests) - 1), nil
}

func (s *MemoryStore) OwnerRequestIDs(_ context.Context, owner [20]byte) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.owners[owner]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) MarkClaimed(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 || id >= uint64(len(s.requests)) {
		return ErrNotFound
	}
	req := s.requests[id]
	if req.Claimed {
		return ErrAlreadyClaimed
	}
	req.Claimed = true
	s.requests[id] = req

	if set := s.owners[req.Owner]; set != nil {
		delete(set, id)
	}
	return nil
}
