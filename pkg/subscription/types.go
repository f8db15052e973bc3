package subscription

import "slices"

// Tier is a named subscription plan with fixed quotas, features and price.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// AllTiers lists tiers in catalog order, cheapest first.
var AllTiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// Valid reports whether t belongs to the fixed tier enumeration.
func (t Tier) Valid() bool {
	return slices.Contains(AllTiers, t)
}

// IsFree reports whether the tier is billed without a provider round-trip.
func (t Tier) IsFree() bool {
	return t == TierFree
}

// Status represents the current state of a subscription.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// TerminalStatuses lists the statuses no transition may leave.
var TerminalStatuses = []Status{StatusCanceled, StatusExpired}

// BillingInterval represents the billing frequency chosen at checkout.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// Valid reports whether i is a supported billing interval.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $29.99 USD is Amount: 2999, Currency: "usd".
type Money struct {
	Amount   int64  // amount in minor units (cents for USD)
	Currency string // ISO 4217 code, lower case
}

// Unlimited marks a quota without an upper bound.
const Unlimited int64 = -1

// Metadata keys written to provider objects at checkout and read back from events.
const (
	MetadataUserID   = "userId"
	MetadataTier     = "tier"
	MetadataInterval = "billingInterval"

	// MetadataCustomerID is stored on local records to open portals without a provider lookup.
	MetadataCustomerID = "customerId"
)
