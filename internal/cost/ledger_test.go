package cost

import (
	"testing"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

func setupLedger(t *testing.T) (*Ledger, *store.DB) {
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
		{ID: "local-7b", Tier: "local", PriceIn: 0, PriceOut: 0},
		{ID: "gpt-premium", Tier: "premium", PriceIn: 10, PriceOut: 30},
	})
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	return New(db, cat), db
}

func TestClassify(t *testing.T) {
	cases := []struct {
		daily, monthly float64
		want           Phase
	}{
		{0.1, 0.2, PhaseNormal},
		{0.65, 0.1, PhaseThrottle},
		{0.1, 0.82, PhaseOllamaOnly},
		{0.96, 0.1, PhaseHalt},
		{0.59, 0.79, PhaseThrottle},
	}
	for _, c := range cases {
		got := classify(c.daily, c.monthly)
		if got != c.want {
			t.Errorf("classify(%v, %v) = %v, want %v", c.daily, c.monthly, got, c.want)
		}
	}
}

func TestRecordCostPricesAgainstCatalog(t *testing.T) {
	ledger, _ := setupLedger(t)

	rec, err := ledger.RecordCost("req-1", "proj-1", "gpt-premium", 1_000_000, 500_000)
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}
	want := 10.0 + 15.0
	if rec.Cost != want {
		t.Fatalf("expected cost %v, got %v", want, rec.Cost)
	}
}

func TestRecordCostOnLocalBackendIsFreeButCounted(t *testing.T) {
	ledger, _ := setupLedger(t)

	rec, err := ledger.RecordCost("req-1", "proj-1", "local-7b", 1000, 500)
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}
	if rec.Cost != 0 {
		t.Fatalf("expected zero cost for local backend, got %v", rec.Cost)
	}
	if rec.InTokens != 1000 || rec.OutTokens != 500 {
		t.Fatalf("expected token usage still recorded, got %+v", rec)
	}
}

func TestBudgetStatusCachesForFiveSeconds(t *testing.T) {
	ledger, _ := setupLedger(t)

	if _, err := ledger.RecordCost("req-1", "proj-1", "gpt-premium", 1_000_000, 0); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	status, err := ledger.BudgetStatus("proj-1", 100, 1000)
	if err != nil {
		t.Fatalf("budget status: %v", err)
	}
	if status.Phase != PhaseNormal {
		t.Fatalf("expected NORMAL, got %v", status.Phase)
	}

	// The reading above must now sit in the ledger's cache, which
	// BudgetStatus serves from within its 5s window.
	ledger.mu.Lock()
	cached := ledger.cache["proj-1"]
	ledger.mu.Unlock()
	if cached.status.Phase != PhaseNormal {
		t.Fatalf("expected cache populated with NORMAL, got %v", cached.status.Phase)
	}
}

func TestCheckHaltReturnsBudgetExhausted(t *testing.T) {
	ledger, _ := setupLedger(t)

	if _, err := ledger.RecordCost("req-1", "proj-1", "gpt-premium", 10_000_000, 0); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	err := ledger.CheckHalt("proj-1", 1, 1000)
	if err == nil {
		t.Fatal("expected CheckHalt to fail once daily fraction exceeds 0.95")
	}
	if !corerr.Is(err, corerr.KindBudgetExhausted) {
		t.Fatalf("expected BudgetExhausted kind, got %v", err)
	}
}
