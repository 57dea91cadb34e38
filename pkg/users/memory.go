package users

import (
	"context"
	"sync"
	"time"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

// MemoryStore is an in-process Store for local development and tests
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	bySubject map[string]*User
	byID      map[int64]*User
	seeder    Seeder
	trial     TrialAllotment
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(seeder Seeder, trial TrialAllotment) *MemoryStore {
	return &MemoryStore{
		bySubject: make(map[string]*User),
		byID:      make(map[int64]*User),
		seeder:    seeder,
		trial:     trial,
	}
}

// ResolveSubject returns the internal id of the user with subject
func (s *MemoryStore) ResolveSubject(ctx context.Context, subject string) (int64, error) {
	if subject == "" {
		return 0, ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.bySubject[subject]
	if !ok {
		return 0, ErrNotFound
	}
	return u.ID, nil
}

// EnsureUser creates or refreshes the user and seeds their entitlements
func (s *MemoryStore) EnsureUser(ctx context.Context, identity Identity) (*User, error) {
	if identity.Subject == "" {
		return nil, ErrEmptySubject
	}

	s.mu.Lock()
	now := time.Now()
	u, ok := s.bySubject[identity.Subject]
	if !ok {
		s.nextID++
		u = &User{ID: s.nextID, Subject: identity.Subject, CreatedAt: now}
		s.bySubject[identity.Subject] = u
		s.byID[u.ID] = u
	}
	if identity.Email != "" {
		u.Email = identity.Email
	}
	if identity.DisplayName != "" {
		u.DisplayName = identity.DisplayName
	}
	u.LastLoginAt = &now
	u.UpdatedAt = now
	out := *u
	s.mu.Unlock()

	if err := s.seeder.Seed(ctx, out.ID, s.trial.TrialTokens(), entitlements.NextReset(now)); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUser retrieves a user by internal id
func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
