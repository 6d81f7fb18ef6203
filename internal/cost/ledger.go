// Package cost implements the Cost Ledger (C2): per-project spend tracking
// against a price catalog, with budget-phase classification that the Model
// Router and Inference Client consult before every dispatch. Grounded on
// the teacher's internal/metrics.Collector merge-don't-overwrite update
// idiom, generalized from an in-memory per-agent map to a durable,
// catalog-priced, phase-classified ledger over internal/store.
package cost

import (
	"sync"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// Phase classifies how aggressively spend should be curtailed.
type Phase string

const (
	PhaseNormal     Phase = "NORMAL"
	PhaseThrottle   Phase = "THROTTLE"
	PhaseOllamaOnly Phase = "OLLAMA_ONLY"
	PhaseHalt       Phase = "HALT"
)

// BudgetStatus reports a project's current spend against its caps.
type BudgetStatus struct {
	DailyFraction   float64
	MonthlyFraction float64
	Phase           Phase
}

// classify applies the phase thresholds in spec.md §4.2 to the larger of
// the two fractions.
func classify(dailyFraction, monthlyFraction float64) Phase {
	frac := dailyFraction
	if monthlyFraction > frac {
		frac = monthlyFraction
	}
	switch {
	case frac >= 0.95:
		return PhaseHalt
	case frac >= 0.80:
		return PhaseOllamaOnly
	case frac >= 0.60:
		return PhaseThrottle
	default:
		return PhaseNormal
	}
}

const statusCacheTTL = 5 * time.Second

type cachedStatus struct {
	status   BudgetStatus
	cachedAt time.Time
}

// Ledger is the concrete Cost Ledger.
type Ledger struct {
	db      *store.DB
	catalog *catalog.Catalog

	mu    sync.Mutex
	cache map[string]cachedStatus
}

// New constructs a Ledger over a task store and price catalog.
func New(db *store.DB, cat *catalog.Catalog) *Ledger {
	return &Ledger{db: db, catalog: cat, cache: make(map[string]cachedStatus)}
}

// RecordCost prices an inference call against the catalog and persists it,
// atomically and idempotently by requestID. Local-tier backends have zero
// unit price but their token usage is still recorded for observability, per
// the spec's price-table note.
func (l *Ledger) RecordCost(requestID, projectID, backendID string, inTok, outTok int64) (*store.CostRecord, error) {
	desc, ok := l.catalog.Get(backendID)
	if !ok {
		return nil, corerr.New(corerr.KindInvalidInput, "cost: unknown backend "+backendID)
	}

	cost := desc.Cost(inTok, outTok)
	rec, err := l.db.RecordCost(requestID, projectID, backendID, inTok, outTok, cost)
	if err != nil {
		return nil, err
	}

	l.invalidate(projectID)
	return rec, nil
}

// DailySpent returns a project's spend for the current day.
func (l *Ledger) DailySpent(projectID string) (float64, error) {
	return l.db.DailySpent(projectID, "")
}

// MonthlySpent returns a project's spend for the current month.
func (l *Ledger) MonthlySpent(projectID string) (float64, error) {
	return l.db.MonthlySpent(projectID, "")
}

// BudgetStatus returns a project's daily/monthly spend fractions and phase
// against its configured caps, cached for at most 5s per spec.md §4.2 so a
// burst of RecordCost/BudgetStatus calls from concurrent dispatch loops
// doesn't recompute SUM() queries on every call.
func (l *Ledger) BudgetStatus(projectID string, dailyCap, monthlyCap float64) (BudgetStatus, error) {
	l.mu.Lock()
	if cached, ok := l.cache[projectID]; ok && time.Since(cached.cachedAt) < statusCacheTTL {
		l.mu.Unlock()
		return cached.status, nil
	}
	l.mu.Unlock()

	daily, err := l.db.DailySpent(projectID, "")
	if err != nil {
		return BudgetStatus{}, err
	}
	monthly, err := l.db.MonthlySpent(projectID, "")
	if err != nil {
		return BudgetStatus{}, err
	}

	dailyFraction := safeFraction(daily, dailyCap)
	monthlyFraction := safeFraction(monthly, monthlyCap)
	status := BudgetStatus{
		DailyFraction:   dailyFraction,
		MonthlyFraction: monthlyFraction,
		Phase:           classify(dailyFraction, monthlyFraction),
	}

	l.mu.Lock()
	l.cache[projectID] = cachedStatus{status: status, cachedAt: time.Now()}
	l.mu.Unlock()

	return status, nil
}

// CheckHalt returns BudgetExhausted if a project's phase is HALT, the gate
// the Model Router and Inference Client must apply before dispatch.
func (l *Ledger) CheckHalt(projectID string, dailyCap, monthlyCap float64) error {
	status, err := l.BudgetStatus(projectID, dailyCap, monthlyCap)
	if err != nil {
		return err
	}
	if status.Phase == PhaseHalt {
		return corerr.New(corerr.KindBudgetExhausted, "project "+projectID+" has exhausted its budget")
	}
	return nil
}

func (l *Ledger) invalidate(projectID string) {
	l.mu.Lock()
	delete(l.cache, projectID)
	l.mu.Unlock()
}

func safeFraction(spent, cap float64) float64 {
	if cap <= 0 {
		return 0
	}
	return spent / cap
}
