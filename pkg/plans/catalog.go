package plans

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

// FreeTierTokens is the monthly allotment of users without a paid plan
const FreeTierTokens int64 = 5

// Plan is the entitlement granted by one billing price
type Plan struct {
	PriceID       string                `yaml:"-" json:"price_id"`
	Name          string                `yaml:"name" json:"name,omitempty"`
	Tier          entitlements.PlanTier `yaml:"tier" json:"tier"`
	MonthlyTokens int64                 `yaml:"monthly_tokens" json:"monthly_tokens"`
}

type catalogFile struct {
	FreeTokens  *int64          `yaml:"free_tokens"`
	TrialTokens *int64          `yaml:"trial_tokens"`
	Prices      map[string]Plan `yaml:"prices"`
}

// Catalog maps billing price ids to plans. A Catalog is immutable.
type Catalog struct {
	prices      map[string]Plan
	freeTokens  int64
	trialTokens int64
}

// Parse decodes and validates a YAML catalog:
//
//	free_tokens: 5
//	trial_tokens: 5
//	prices:
//	  price_1PXYZ:
//	    name: Professional
//	    tier: professional
//	    monthly_tokens: 150
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}

	c := &Catalog{
		prices:     make(map[string]Plan, len(file.Prices)),
		freeTokens: FreeTierTokens,
	}
	if file.FreeTokens != nil {
		c.freeTokens = *file.FreeTokens
	}
	c.trialTokens = c.freeTokens
	if file.TrialTokens != nil {
		c.trialTokens = *file.TrialTokens
	}
	if c.freeTokens < 0 || c.trialTokens < 0 {
		return nil, fmt.Errorf("free and trial tokens must not be negative")
	}

	for priceID, plan := range file.Prices {
		if priceID == "" {
			return nil, fmt.Errorf("empty price id in plan catalog")
		}
		if !plan.Tier.Valid() {
			return nil, fmt.Errorf("price %s: invalid tier %q", priceID, plan.Tier)
		}
		if plan.MonthlyTokens < 0 {
			return nil, fmt.Errorf("price %s: monthly tokens must not be negative", priceID)
		}
		plan.PriceID = priceID
		c.prices[priceID] = plan
	}

	return c, nil
}

// Load reads and parses the catalog at path
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return Parse(data)
}

// Lookup returns the plan bought by priceID
func (c *Catalog) Lookup(priceID string) (Plan, bool) {
	plan, ok := c.prices[priceID]
	return plan, ok
}

// FreeTokens returns the monthly allotment of the free tier
func (c *Catalog) FreeTokens() int64 {
	return c.freeTokens
}

// TrialTokens returns the allotment seeded for new users
func (c *Catalog) TrialTokens() int64 {
	return c.trialTokens
}

// Len returns the number of configured prices
func (c *Catalog) Len() int {
	return len(c.prices)
}

// Plans returns all plans ordered by price id
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.prices))
	for _, plan := range c.prices {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceID < out[j].PriceID })
	return out
}

// Store holds the active catalog and lets a Watcher swap it while readers
// keep using it.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore creates a Store serving c
func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Current returns the active catalog
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Replace makes c the active catalog
func (s *Store) Replace(c *Catalog) {
	s.current.Store(c)
}

// Lookup resolves priceID against the active catalog
func (s *Store) Lookup(priceID string) (Plan, bool) {
	return s.Current().Lookup(priceID)
}

// FreeTokens returns the free allotment of the active catalog
func (s *Store) FreeTokens() int64 {
	return s.Current().FreeTokens()
}

// TrialTokens returns the trial allotment of the active catalog
func (s *Store) TrialTokens() int64 {
	return s.Current().TrialTokens()
}

// Plans lists the plans of the active catalog
func (s *Store) Plans() []Plan {
	return s.Current().Plans()
}
