package checkpointhistory

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore is an in-process Store backed by a dense slice.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints []Checkpoint // index 0 is the sentinel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: []Checkpoint{Sentinel()}}
}

func (s *MemoryStore) Append(_ context.Context, fromRequestID uint64, maxShareRate *big.Int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastFrom := s.checkpoints[len(s.checkpoints)-1].FromRequestID
	if err := validateAppend(fromRequestID, maxShareRate, lastFrom); err != nil {
		return 0, err
	}

	s.checkpoints = append(s.checkpoints, Checkpoint{
		FromRequestID: fromRequestID,
		MaxShareRate:  new(big.Int).Set(maxShareRate),
	})
	return uint64(len(s.checkpoints) - 1), nil
}

func (s *MemoryStore) Get(_ context.Context, index uint64) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(len(s.checkpoints)) {
		return Checkpoint{}, ErrNotFound
	}
	return clone(s.checkpoints[index]), nil
}

func (s *MemoryStore) Last(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.checkpoints) - 1), nil
}
