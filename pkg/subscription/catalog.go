package subscription

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Quotas are the resource limits granted by a tier. Unlimited means no bound.
type Quotas struct {
	Projects       int64 `yaml:"projects" json:"projects"`
	StorageMB      int64 `yaml:"storage_mb" json:"storageMb"`
	APICallsPerDay int64 `yaml:"api_calls_per_day" json:"apiCallsPerDay"`
	TeamMembers    int64 `yaml:"team_members" json:"teamMembers"`
}

// TierPrice holds the recurring price for each billing interval.
type TierPrice struct {
	Monthly Money
	Yearly  Money
}

// For returns the price charged for the interval.
func (p TierPrice) For(interval BillingInterval) Money {
	if interval == IntervalYearly {
		return p.Yearly
	}
	return p.Monthly
}

// TierDetails is the static description of a tier.
type TierDetails struct {
	Tier     Tier
	Price    TierPrice
	Quotas   Quotas
	Support  string
	Features []string
}

// Catalog is the immutable tier lookup table. It is safe for concurrent use.
type Catalog struct {
	tiers map[Tier]TierDetails
}

type catalogFile struct {
	Currency string `yaml:"currency"`
	Tiers    map[string]struct {
		Price struct {
			Monthly int64 `yaml:"monthly"`
			Yearly  int64 `yaml:"yearly"`
		} `yaml:"price"`
		Quotas   Quotas   `yaml:"quotas"`
		Support  string   `yaml:"support"`
		Features []string `yaml:"features"`
	} `yaml:"tiers"`
}

// DefaultCatalog returns the built-in catalog. It panics if the embedded
// definition is invalid, which can only happen at development time.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("subscription: embedded catalog: %v", err))
	}
	return c
}

// ParseCatalog parses and validates a YAML catalog definition.
// Every tier of the fixed enumeration must be present, prices must be
// non-negative and the free tier must cost nothing.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	currency := strings.ToLower(strings.TrimSpace(f.Currency))
	if currency == "" {
		currency = "usd"
	}

	c := &Catalog{tiers: make(map[Tier]TierDetails, len(AllTiers))}
	for name, t := range f.Tiers {
		tier := Tier(name)
		if !tier.Valid() {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("%w: %q", ErrUnknownTier, name))
		}
		if t.Price.Monthly < 0 || t.Price.Yearly < 0 {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("negative price for tier %q", name))
		}
		if tier.IsFree() && (t.Price.Monthly != 0 || t.Price.Yearly != 0) {
			return nil, errors.Join(ErrInvalidCatalog, errors.New("free tier must be zero-priced"))
		}
		c.tiers[tier] = TierDetails{
			Tier: tier,
			Price: TierPrice{
				Monthly: Money{Amount: t.Price.Monthly, Currency: currency},
				Yearly:  Money{Amount: t.Price.Yearly, Currency: currency},
			},
			Quotas:   t.Quotas,
			Support:  t.Support,
			Features: slices.Clone(t.Features),
		}
	}

	for _, tier := range AllTiers {
		if _, ok := c.tiers[tier]; !ok {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("missing tier %q", tier))
		}
	}

	return c, nil
}

// Details returns the description of a tier. The returned features slice is a
// copy, so callers may store it as a snapshot.
func (c *Catalog) Details(tier Tier) (TierDetails, error) {
	d, ok := c.tiers[tier]
	if !ok {
		return TierDetails{}, ErrUnknownTier
	}
	d.Features = slices.Clone(d.Features)
	return d, nil
}

// PriceFor returns the price of a tier for a billing interval.
func (c *Catalog) PriceFor(tier Tier, interval BillingInterval) (Money, error) {
	if !interval.Valid() {
		return Money{}, ErrInvalidInterval
	}
	d, err := c.Details(tier)
	if err != nil {
		return Money{}, err
	}
	return d.Price.For(interval), nil
}

// Tiers lists all tier details in enumeration order.
func (c *Catalog) Tiers() []TierDetails {
	out := make([]TierDetails, 0, len(AllTiers))
	for _, tier := range AllTiers {
		d, _ := c.Details(tier)
		out = append(out, d)
	}
	return out
}
