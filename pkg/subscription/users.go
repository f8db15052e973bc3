package subscription

import (
	"context"
	"maps"
	"sync"
)

// User is the slice of the user profile this package reads and writes.
type User struct {
	ID               string
	Email            string
	SubscriptionTier Tier
}

// UserDirectory is the user collaborator consumed by the engine.
type UserDirectory interface {
	// FindByID returns ErrUserNotFound if the user does not exist.
	FindByID(ctx context.Context, userID string) (*User, error)

	// UpdateTier writes the denormalized subscription tier onto the user.
	UpdateTier(ctx context.Context, userID string, tier Tier) error
}

// MemoryUsers is an in-memory UserDirectory for tests and local development.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUsers returns a directory seeded with the given users.
func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// Add inserts or replaces a user.
func (m *MemoryUsers) Add(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryUsers) FindByID(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryUsers) UpdateTier(_ context.Context, userID string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.SubscriptionTier = tier
	m.users[userID] = u
	return nil
}

// Snapshot returns a copy of all users keyed by ID.
func (m *MemoryUsers) Snapshot() map[string]User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.users)
}
