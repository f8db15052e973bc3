package subscription

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory SubscriptionStore. Every operation runs under a
// single mutex, which gives it the same atomicity the database stores get from
// single-document updates. Intended for tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	byExternal map[string]string
	users      UserDirectory
	now        func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryStoreUsers makes Create reject unknown user IDs with ErrInvalidReference.
func WithMemoryStoreUsers(users UserDirectory) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.users = users
	}
}

// WithMemoryStoreClock overrides the time source.
func WithMemoryStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		subs:       make(map[string]*Subscription),
		byExternal: make(map[string]string),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (*Subscription, error) {
	if s.users != nil {
		if _, err := s.users.FindByID(ctx, params.UserID); err != nil {
			return nil, ErrInvalidReference
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.ExternalID != "" {
		if _, ok := s.byExternal[params.ExternalID]; ok {
			return nil, ErrDuplicateExternalID
		}
	}
	if params.Status == StatusActive && s.hasActiveLocked(params.UserID, "") {
		return nil, ErrActiveSubscriptionExists
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:         uuid.NewString(),
		UserID:     params.UserID,
		Tier:       params.Tier,
		Status:     params.Status,
		StartDate:  params.StartDate.UTC(),
		EndDate:    params.EndDate.UTC(),
		AutoRenew:  params.AutoRenew,
		ExternalID: params.ExternalID,
		Price:      params.Price,
		Features:   slices.Clone(params.Features),
		Metadata:   maps.Clone(params.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if params.LastEventAt != nil {
		t := params.LastEventAt.UTC()
		sub.LastEventAt = &t
	}
	if params.CanceledAt != nil {
		t := params.CanceledAt.UTC()
		sub.CanceledAt = &t
		sub.AutoRenew = false
	}

	s.subs[sub.ID] = sub
	if sub.ExternalID != "" {
		s.byExternal[sub.ExternalID] = sub.ID
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.subs[id].Clone(), nil
}

func (s *MemoryStore) GetActiveForUser(_ context.Context, userID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.IsActiveAt(now) {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) GetLiveForUser(_ context.Context, userID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live *Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || !sub.HasProvider() || sub.Status.Terminal() {
			continue
		}
		if live == nil || sub.CreatedAt.After(live.CreatedAt) {
			live = sub
		}
	}
	if live == nil {
		return nil, ErrSubscriptionNotFound
	}
	return live.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if err := patch.CheckGuards(sub); err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status == StatusActive && sub.Status != StatusActive &&
		s.hasActiveLocked(sub.UserID, sub.ID) {
		return nil, ErrActiveSubscriptionExists
	}

	patch.ApplyTo(sub, s.now())
	return sub.Clone(), nil
}

func (s *MemoryStore) MarkCanceled(_ context.Context, id string, at time.Time) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == StatusExpired {
		return nil, ErrInvalidTransition
	}

	Patch{
		Status:     ptr(StatusCanceled),
		AutoRenew:  ptr(false),
		CanceledAt: &at,
	}.ApplyTo(sub, s.now())
	return sub.Clone(), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status.Terminal() || !sub.EndDate.Before(now) {
			continue
		}
		if sub.AutoRenew && sub.HasProvider() {
			continue
		}
		out = append(out, sub.Clone())
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		return a.EndDate.Compare(b.EndDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// hasActiveLocked reports whether the user owns an active record other than exceptID.
func (s *MemoryStore) hasActiveLocked(userID, exceptID string) bool {
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.ID != exceptID && sub.Status == StatusActive {
			return true
		}
	}
	return false
}
