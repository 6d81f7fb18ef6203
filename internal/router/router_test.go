package router

import (
	"testing"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

func setupRouter(t *testing.T) (*Router, *store.DB) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now()
	if err := db.SaveProject(&store.Project{ID: "proj-1", Name: "Widget", Status: store.ProjectActive, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save project: %v", err)
	}

	cat, err := catalog.Load([]config.Backend{
		{ID: "local-7b", Tier: "local", PriceIn: 0, PriceOut: 0, ContextWindow: 8000, LatencyClass: "slow"},
		{ID: "elastic-13b", Tier: "elastic", PriceIn: 1, PriceOut: 2, ContextWindow: 32000, LatencyClass: "medium"},
		{ID: "gpt-premium", Tier: "premium", PriceIn: 10, PriceOut: 30, ContextWindow: 128000, LatencyClass: "fast"},
	})
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	return New(cat, cost.New(db, cat)), db
}

func TestRoute_HaltPhaseErrors(t *testing.T) {
	r, db := setupRouter(t)

	if _, err := db.RecordCost("req-1", "proj-1", "gpt-premium", 10_000_000, 0); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	_, err := r.Route(Request{ProjectID: "proj-1", Class: ClassGeneral, Mode: ModeBalanced, DailyCap: 1, MonthlyCap: 1000})
	if err == nil {
		t.Fatal("expected HALT phase to error")
	}
}

func TestRoute_OllamaOnlyForcesLocalRegardlessOfMode(t *testing.T) {
	r, db := setupRouter(t)

	if _, err := db.RecordCost("req-1", "proj-1", "gpt-premium", 850_000, 0); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	chain, err := r.Route(Request{ProjectID: "proj-1", Class: ClassGeneral, Mode: ModePerformance, DailyCap: 10, MonthlyCap: 1000})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(chain) != 1 || chain[0] != "local-7b" {
		t.Fatalf("expected [local-7b], got %v", chain)
	}
}

func TestRoute_ArbitrationOverridesToPremium(t *testing.T) {
	r, _ := setupRouter(t)

	chain, err := r.Route(Request{ProjectID: "proj-1", Class: ClassArbitration, Mode: ModeCostOptimized, DailyCap: 100, MonthlyCap: 1000})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(chain) == 0 || chain[0] != "gpt-premium" {
		t.Fatalf("expected premium primary for arbitration, got %v", chain)
	}
	if chain[len(chain)-1] != "local-7b" {
		t.Fatalf("expected chain to end with local tier, got %v", chain)
	}
}

func TestRoute_OrchestrationOverridesToElastic(t *testing.T) {
	r, _ := setupRouter(t)

	chain, err := r.Route(Request{ProjectID: "proj-1", Class: ClassOrchestration, Mode: ModeBalanced, DailyCap: 100, MonthlyCap: 1000})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if chain[0] != "elastic-13b" {
		t.Fatalf("expected elastic primary for orchestration, got %v", chain)
	}
}

func TestRoute_CostOptimizedPicksCheapestFittingTier(t *testing.T) {
	r, _ := setupRouter(t)

	chain, err := r.Route(Request{
		ProjectID: "proj-1", Class: ClassGeneral, Mode: ModeCostOptimized,
		EstimatedInTok: 1000, EstimatedOutTok: 500, DailyCap: 100, MonthlyCap: 1000,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if chain[0] != "local-7b" {
		t.Fatalf("expected local-7b (zero cost) as primary, got %v", chain)
	}
}

func TestRoute_PerformancePicksPremiumUnlessTooLarge(t *testing.T) {
	r, _ := setupRouter(t)

	chain, err := r.Route(Request{
		ProjectID: "proj-1", Class: ClassGeneral, Mode: ModePerformance,
		EstimatedInTok: 1000, EstimatedOutTok: 500, DailyCap: 100, MonthlyCap: 1000,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if chain[0] != "gpt-premium" {
		t.Fatalf("expected gpt-premium primary, got %v", chain)
	}
}

func TestRoute_ChainAlwaysEndsWithLocal(t *testing.T) {
	r, _ := setupRouter(t)

	chain, err := r.Route(Request{
		ProjectID: "proj-1", Class: ClassCodeGeneration, Mode: ModeBalanced,
		EstimatedInTok: 1000, EstimatedOutTok: 500, DailyCap: 100, MonthlyCap: 1000,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if chain[len(chain)-1] != "local-7b" {
		t.Fatalf("expected chain to end with local-7b, got %v", chain)
	}
}
