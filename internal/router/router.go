// Package router implements the Model Router (C3): per-request backend
// selection under an economic-mode policy, producing an ordered fallback
// chain for the Inference Client to walk. Grounded on the teacher's
// SkillRouter.ClassifyQuery keyword-pattern classifier (generalized here to
// a closed-set TaskClass passed in by the caller instead of inferred from
// free text) and internal/captain.Captain's priority-to-model cascade
// (DecideMode / getModelForAgent), generalized from agent personas to
// catalog tiers.
package router

import (
	"sort"

	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
)

// TaskClass is the closed set of request categories the spec defines.
type TaskClass string

const (
	ClassArbitration    TaskClass = "arbitration"
	ClassOrchestration  TaskClass = "orchestration"
	ClassCodeGeneration TaskClass = "code-generation"
	ClassResearch       TaskClass = "research"
	ClassGeneral        TaskClass = "general"
)

// EconomicMode is the cost/performance policy a project runs under.
type EconomicMode string

const (
	ModeCostOptimized EconomicMode = "cost-optimized"
	ModeBalanced      EconomicMode = "balanced"
	ModePerformance   EconomicMode = "performance"
)

// Request is one routing decision's inputs.
type Request struct {
	ProjectID       string
	Class           TaskClass
	Mode            EconomicMode
	EstimatedInTok  int64
	EstimatedOutTok int64
	DailyCap        float64
	MonthlyCap      float64
}

// latencyWeight turns a descriptor's latency class into a comparable
// number for the balanced mode's cost x latency product. Lower is faster.
var latencyWeight = map[string]float64{
	"fast": 1, "medium": 2, "slow": 3,
}

func weightOf(latencyClass string) float64 {
	if w, ok := latencyWeight[latencyClass]; ok {
		return w
	}
	return 2 // unknown latency class: treat as medium
}

// componentOverride maps a task class to the tier it defaults to,
// mirroring the teacher's getModelForAgent prefix-based default cascade.
var componentOverride = map[TaskClass]catalog.Tier{
	ClassArbitration:   catalog.TierPremium,
	ClassOrchestration: catalog.TierElastic,
}

// Router selects a backend fallback chain per request.
type Router struct {
	catalog *catalog.Catalog
	ledger  *cost.Ledger
}

// New constructs a Router over a catalog and the Cost Ledger it must
// consult for budget phase.
func New(cat *catalog.Catalog, ledger *cost.Ledger) *Router {
	return &Router{catalog: cat, ledger: ledger}
}

// Route returns an ordered fallback chain of backend ids, always ending
// with a local-tier backend, per selection rule 5.
func (r *Router) Route(req Request) ([]string, error) {
	status, err := r.ledger.BudgetStatus(req.ProjectID, req.DailyCap, req.MonthlyCap)
	if err != nil {
		return nil, err
	}

	// Rule 1: HALT errors outright.
	if status.Phase == cost.PhaseHalt {
		return nil, corerr.New(corerr.KindBudgetExhausted, "router: project "+req.ProjectID+" is halted")
	}

	local := r.catalog.ByTier(catalog.TierLocal)
	if len(local) == 0 {
		return nil, corerr.New(corerr.KindDependencyUnavailable, "router: no local-tier backend configured")
	}

	// Rule 2: OLLAMA_ONLY forces local tier regardless of mode.
	if status.Phase == cost.PhaseOllamaOnly {
		return idsOf(local), nil
	}

	primary := r.primaryTier(req)
	return r.buildChain(primary, req), nil
}

// primaryTier applies rule 4 (component overrides) ahead of rule 3 (mode
// preference), matching the override-then-default cascade the teacher's
// getModelForAgent uses (explicit config first, naming-convention default
// second).
func (r *Router) primaryTier(req Request) catalog.Tier {
	if tier, ok := componentOverride[req.Class]; ok {
		return tier
	}
	return r.modePreferredTier(req)
}

// modePreferredTier implements selection rule 3.
func (r *Router) modePreferredTier(req Request) catalog.Tier {
	candidates := r.fittingTiers(req.EstimatedInTok + req.EstimatedOutTok)
	if len(candidates) == 0 {
		return catalog.TierLocal
	}

	switch req.Mode {
	case ModeCostOptimized:
		return r.cheapestTier(candidates, req)
	case ModePerformance:
		if hasTier(candidates, catalog.TierPremium) {
			return catalog.TierPremium
		}
		return candidates[len(candidates)-1]
	default: // balanced
		return r.bestCostLatencyTier(candidates, req)
	}
}

// fittingTiers returns the tiers with at least one descriptor whose context
// window can hold the estimated token count, preserving local < elastic <
// premium order for deterministic tie-breaking.
func (r *Router) fittingTiers(estimatedTokens int64) []catalog.Tier {
	order := []catalog.Tier{catalog.TierLocal, catalog.TierElastic, catalog.TierPremium}
	var fitting []catalog.Tier
	for _, tier := range order {
		for _, d := range r.catalog.ByTier(tier) {
			if int64(d.ContextWindow) >= estimatedTokens {
				fitting = append(fitting, tier)
				break
			}
		}
	}
	return fitting
}

func hasTier(tiers []catalog.Tier, target catalog.Tier) bool {
	for _, t := range tiers {
		if t == target {
			return true
		}
	}
	return false
}

// cheapestDescriptor returns the lowest-cost descriptor in a tier for the
// request's estimated token counts.
func (r *Router) cheapestDescriptor(tier catalog.Tier, req Request) (catalog.Descriptor, bool) {
	descs := r.catalog.ByTier(tier)
	if len(descs) == 0 {
		return catalog.Descriptor{}, false
	}
	best := descs[0]
	bestCost := best.Cost(req.EstimatedInTok, req.EstimatedOutTok)
	for _, d := range descs[1:] {
		if c := d.Cost(req.EstimatedInTok, req.EstimatedOutTok); c < bestCost {
			best, bestCost = d, c
		}
	}
	return best, true
}

func (r *Router) cheapestTier(tiers []catalog.Tier, req Request) catalog.Tier {
	best := tiers[0]
	bestCost := -1.0
	for _, t := range tiers {
		d, ok := r.cheapestDescriptor(t, req)
		if !ok {
			continue
		}
		c := d.Cost(req.EstimatedInTok, req.EstimatedOutTok)
		if bestCost < 0 || c < bestCost {
			bestCost, best = c, t
		}
	}
	return best
}

func (r *Router) bestCostLatencyTier(tiers []catalog.Tier, req Request) catalog.Tier {
	best := tiers[0]
	bestProduct := -1.0
	for _, t := range tiers {
		d, ok := r.cheapestDescriptor(t, req)
		if !ok {
			continue
		}
		product := d.Cost(req.EstimatedInTok, req.EstimatedOutTok) * weightOf(d.LatencyClass)
		if bestProduct < 0 || product < bestProduct {
			bestProduct, best = product, t
		}
	}
	return best
}

func idsOf(descriptors []catalog.Descriptor) []string {
	ids := make([]string, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.ID
	}
	return ids
}

// buildChain orders backend ids within the primary tier by ascending cost,
// then appends the remaining tiers (cheapest descriptor first) ending with
// local, per selection rule 5. When the primary tier is local, the chain
// holds only local-tier backends.
func (r *Router) buildChain(primary catalog.Tier, req Request) []string {
	order := []catalog.Tier{primary}
	if primary != catalog.TierLocal {
		for _, t := range []catalog.Tier{catalog.TierPremium, catalog.TierElastic} {
			if t != primary {
				order = append(order, t)
			}
		}
		order = append(order, catalog.TierLocal)
	}

	var chain []string
	seen := make(map[string]bool)
	for _, tier := range order {
		descs := append([]catalog.Descriptor(nil), r.catalog.ByTier(tier)...)
		sort.Slice(descs, func(i, j int) bool {
			return descs[i].Cost(req.EstimatedInTok, req.EstimatedOutTok) < descs[j].Cost(req.EstimatedInTok, req.EstimatedOutTok)
		})
		for _, d := range descs {
			if !seen[d.ID] {
				seen[d.ID] = true
				chain = append(chain, d.ID)
			}
		}
	}
	return chain
}
