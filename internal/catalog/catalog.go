// Package catalog holds the immutable ModelDescriptor table, reloaded only
// at process start. Generalizes the teacher's internal/agents.AgentConfig
// roster (a named list of fixed capability descriptors loaded from YAML)
// from agent personas to inference backend tiers.
package catalog

import (
	"fmt"

	"github.com/CLIAIMONITOR/coordcore/internal/config"
)

// Tier is one of the three backend classes the spec defines.
type Tier string

const (
	TierLocal   Tier = "local"
	TierElastic Tier = "elastic"
	TierPremium Tier = "premium"
)

// Descriptor is a single immutable catalog entry.
type Descriptor struct {
	ID            string
	Tier          Tier
	Endpoint      string
	PriceIn       float64 // $ per 1M input tokens
	PriceOut      float64 // $ per 1M output tokens
	ContextWindow int
	LatencyClass  string
	CapabilityTags []string
}

// Catalog is the read-only set of descriptors, indexed by id and tier.
type Catalog struct {
	byID   map[string]Descriptor
	byTier map[Tier][]Descriptor
}

// Load builds a Catalog from the configured backends[] list. It never
// mutates afterward — callers needing a fresh catalog restart the process,
// per the spec's "immutable at runtime" invariant.
func Load(backends []config.Backend) (*Catalog, error) {
	c := &Catalog{
		byID:   make(map[string]Descriptor),
		byTier: make(map[Tier][]Descriptor),
	}

	hasLocal := false
	for _, b := range backends {
		tier := Tier(b.Tier)
		switch tier {
		case TierLocal, TierElastic, TierPremium:
		default:
			return nil, fmt.Errorf("catalog: backend %q has unknown tier %q", b.ID, b.Tier)
		}
		if tier == TierLocal {
			hasLocal = true
		}

		d := Descriptor{
			ID:            b.ID,
			Tier:          tier,
			Endpoint:      b.Endpoint,
			PriceIn:       b.PriceIn,
			PriceOut:      b.PriceOut,
			ContextWindow: b.ContextWindow,
			LatencyClass:  b.LatencyClass,
		}
		c.byID[b.ID] = d
		c.byTier[tier] = append(c.byTier[tier], d)
	}

	if len(backends) > 0 && !hasLocal {
		return nil, fmt.Errorf("catalog: no local-tier backend configured")
	}

	return c, nil
}

// Get returns the descriptor for a backend id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// ByTier returns every descriptor in a given tier.
func (c *Catalog) ByTier(t Tier) []Descriptor {
	return c.byTier[t]
}

// Cost computes the price of inTok input and outTok output tokens against a
// descriptor's unit prices. Local models have zero unit price but the cost
// ledger still records their token usage for observability.
func (d Descriptor) Cost(inTok, outTok int64) float64 {
	return float64(inTok)*d.PriceIn/1e6 + float64(outTok)*d.PriceOut/1e6
}
