package subscription

import (
	"maps"
	"slices"
	"time"
)

// Subscription is one billing relationship for one user.
// Price and Features are a snapshot of the catalog taken when the record was
// created or its tier last changed, so historical records keep the terms they
// were sold under.
type Subscription struct {
	ID          string
	UserID      string
	Tier        Tier
	Status      Status
	StartDate   time.Time
	EndDate     time.Time
	AutoRenew   bool
	CanceledAt  *time.Time // set once, never cleared
	ExternalID  string     // provider's subscription ID (empty for free tier)
	Price       Money
	Features    []string
	Metadata    map[string]string
	LastEventAt *time.Time // provider timestamp of the last applied snapshot
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsActiveAt reports whether the subscription is active and its period covers t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == StatusActive && !s.EndDate.Before(t)
}

// HasProvider reports whether a provider-side subscription backs this record.
func (s *Subscription) HasProvider() bool {
	return s.ExternalID != ""
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.Features = slices.Clone(s.Features)
	c.Metadata = maps.Clone(s.Metadata)
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}

// CreateParams describes a new subscription record. The store assigns the ID.
type CreateParams struct {
	UserID      string
	Tier        Tier
	Status      Status
	StartDate   time.Time
	EndDate     time.Time
	AutoRenew   bool
	CanceledAt  *time.Time // forces AutoRenew off when set
	ExternalID  string
	Price       Money
	Features    []string
	Metadata    map[string]string
	LastEventAt *time.Time
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Tier       *Tier
	Status     *Status
	StartDate  *time.Time
	EndDate    *time.Time
	AutoRenew  *bool
	CanceledAt *time.Time // ignored when the record already has one
	Price      *Money
	Features   []string // nil leaves features unchanged
	Metadata   map[string]string

	// EventAt is the provider timestamp the patch was derived from.
	// Stores reject the patch with ErrStaleEvent when the record already
	// reflects a newer provider snapshot.
	EventAt *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Tier == nil && p.Status == nil && p.StartDate == nil && p.EndDate == nil &&
		p.AutoRenew == nil && p.CanceledAt == nil && p.Price == nil && p.Features == nil &&
		p.Metadata == nil && p.EventAt == nil
}

// ApplyTo applies the patch to s in place, honoring the set-once CanceledAt
// and the canceledAt-implies-no-renewal invariant. Stores that cannot express
// the patch natively use it under their own lock.
func (p Patch) ApplyTo(s *Subscription, now time.Time) {
	if p.Tier != nil {
		s.Tier = *p.Tier
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.StartDate != nil {
		s.StartDate = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		s.EndDate = p.EndDate.UTC()
	}
	if p.AutoRenew != nil {
		s.AutoRenew = *p.AutoRenew
	}
	if p.CanceledAt != nil && s.CanceledAt == nil {
		t := p.CanceledAt.UTC()
		s.CanceledAt = &t
	}
	if p.Price != nil {
		s.Price = *p.Price
	}
	if p.Features != nil {
		s.Features = slices.Clone(p.Features)
	}
	if p.Metadata != nil {
		s.Metadata = maps.Clone(p.Metadata)
	}
	if p.EventAt != nil {
		t := p.EventAt.UTC()
		s.LastEventAt = &t
	}
	if s.CanceledAt != nil {
		s.AutoRenew = false
	}
	s.UpdatedAt = now.UTC()
}

// CheckGuards validates the atomic preconditions of a patch against the
// current record: no status change away from a terminal status and no
// provider snapshot older than the one already applied.
func (p Patch) CheckGuards(s *Subscription) error {
	if p.Status != nil && s.Status.Terminal() && *p.Status != s.Status {
		return ErrInvalidTransition
	}
	if p.EventAt != nil && s.LastEventAt != nil && p.EventAt.Before(*s.LastEventAt) {
		return ErrStaleEvent
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
