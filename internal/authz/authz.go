// Package authz is the role-check interface consumed by the finalizer
// and administrative setters, grounded on the narrow verb-based shape of
// the leases.Store interface.
package authz

import (
	"context"
	"errors"
	"sync"
)

var ErrForbidden = errors.New("authz: forbidden")

// Authorizer checks whether a caller may perform privileged operations.
type Authorizer interface {
	CanFinalize(ctx context.Context, caller [20]byte) (bool, error)
	CanAdminister(ctx context.Context, caller [20]byte) (bool, error)
}

// StaticRoles is an in-memory Authorizer backed by fixed role sets, for
// tests and single-operator deployments.
type StaticRoles struct {
	mu             sync.RWMutex
	finalizers     map[[20]byte]struct{}
	administrators map[[20]byte]struct{}
}

func NewStaticRoles() *StaticRoles {
	return &StaticRoles{
		finalizers:     make(map[[20]byte]struct{}),
		administrators: make(map[[20]byte]struct{}),
	}
}

func (s *StaticRoles) GrantFinalizer(caller [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizers[caller] = struct{}{}
}

func (s *StaticRoles) GrantAdministrator(caller [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.administrators[caller] = struct{}{}
}

func (s *StaticRoles) CanFinalize(_ context.Context, caller [20]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.finalizers[caller]
	return ok, nil
}

func (s *StaticRoles) CanAdminister(_ context.Context, caller [20]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.administrators[caller]
	return ok, nil
}
