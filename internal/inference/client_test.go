package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

type scriptedResult struct {
	resp wireResponse
	err  error
}

// fakeTransport replays a scripted sequence of results per backend id,
// recording how many times each was called.
type fakeTransport struct {
	mu     sync.Mutex
	queues map[string][]scriptedResult
	calls  map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{queues: make(map[string][]scriptedResult), calls: make(map[string]int)}
}

func (f *fakeTransport) script(backendID string, results ...scriptedResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[backendID] = append(f.queues[backendID], results...)
}

func (f *fakeTransport) Call(_ context.Context, desc catalog.Descriptor, _ wireRequest) (wireResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[desc.ID]++

	q := f.queues[desc.ID]
	if len(q) == 0 {
		return wireResponse{}, &callError{kind: errPermanent, cause: errors.New("fakeTransport: no script left for " + desc.ID)}
	}
	next := q[0]
	f.queues[desc.ID] = q[1:]
	return next.resp, next.err
}

func setupClient(t *testing.T) (*Client, *fakeTransport, *store.DB) {
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

	ledger := cost.New(db, cat)
	r := router.New(cat, ledger)
	transport := newFakeTransport()

	c := New(cat, r, ledger, nil, nil, 5, 30*time.Second)
	c.WithTransport(transport)

	return c, transport, db
}

func TestGenerate_SucceedsOnFirstBackend(t *testing.T) {
	c, transport, db := setupClient(t)
	transport.script("local-7b", scriptedResult{resp: wireResponse{Text: "hello", InTokens: 10, OutTokens: 5}})

	req := router.Request{ProjectID: "proj-1", Class: router.ClassGeneral, Mode: router.ModeCostOptimized, DailyCap: 100, MonthlyCap: 1000}
	result, err := c.Generate(context.Background(), "req-1", req, "prompt", Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.BackendID != "local-7b" || result.Text != "hello" {
		t.Fatalf("unexpected result: %+v", result)
	}

	spent, err := db.DailySpent("proj-1", "")
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 0 {
		t.Fatalf("expected zero cost for local backend, got %v", spent)
	}
}

func TestGenerate_TransientFailuresExhaustRetriesThenAdvanceChain(t *testing.T) {
	c, transport, _ := setupClient(t)

	transientErr := &callError{kind: errTransient, cause: errors.New("network blip")}
	transport.script("gpt-premium",
		scriptedResult{err: transientErr},
		scriptedResult{err: transientErr},
		scriptedResult{err: transientErr},
	)
	transport.script("elastic-13b", scriptedResult{resp: wireResponse{Text: "ok", InTokens: 100, OutTokens: 50}})

	req := router.Request{ProjectID: "proj-1", Class: router.ClassArbitration, Mode: router.ModeBalanced, DailyCap: 100, MonthlyCap: 1000}
	result, err := c.Generate(context.Background(), "req-1", req, "prompt", Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.BackendID != "elastic-13b" {
		t.Fatalf("expected failover to elastic-13b, got %s", result.BackendID)
	}
	if transport.calls["gpt-premium"] != 3 {
		t.Fatalf("expected 3 calls to gpt-premium (1 + 2 retries), got %d", transport.calls["gpt-premium"])
	}
}

func TestGenerate_PermanentFailureSkipsRetries(t *testing.T) {
	c, transport, _ := setupClient(t)

	transport.script("gpt-premium", scriptedResult{err: &callError{kind: errPermanent, cause: errors.New("bad request")}})
	transport.script("elastic-13b", scriptedResult{resp: wireResponse{Text: "ok", InTokens: 10, OutTokens: 5}})

	req := router.Request{ProjectID: "proj-1", Class: router.ClassArbitration, Mode: router.ModeBalanced, DailyCap: 100, MonthlyCap: 1000}
	result, err := c.Generate(context.Background(), "req-1", req, "prompt", Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.BackendID != "elastic-13b" {
		t.Fatalf("expected failover to elastic-13b, got %s", result.BackendID)
	}
	if transport.calls["gpt-premium"] != 1 {
		t.Fatalf("expected exactly 1 call to gpt-premium (no retries on permanent failure), got %d", transport.calls["gpt-premium"])
	}
}

func TestGenerate_RateLimitRespectsShortRetryAfter(t *testing.T) {
	c, transport, _ := setupClient(t)

	transport.script("gpt-premium",
		scriptedResult{err: &callError{kind: errRateLimited, retryAfter: 5 * time.Millisecond, cause: errors.New("rate limited")}},
		scriptedResult{resp: wireResponse{Text: "ok", InTokens: 10, OutTokens: 5}},
	)

	req := router.Request{ProjectID: "proj-1", Class: router.ClassArbitration, Mode: router.ModeBalanced, DailyCap: 100, MonthlyCap: 1000}
	result, err := c.Generate(context.Background(), "req-1", req, "prompt", Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.BackendID != "gpt-premium" {
		t.Fatalf("expected the rate-limited backend to succeed on retry, got %s", result.BackendID)
	}
	if transport.calls["gpt-premium"] != 2 {
		t.Fatalf("expected 2 calls (1 rate-limited + 1 retry), got %d", transport.calls["gpt-premium"])
	}
}

func TestGenerate_EveryBackendFailingReturnsDependencyUnavailable(t *testing.T) {
	c, transport, _ := setupClient(t)

	permErr := scriptedResult{err: &callError{kind: errPermanent, cause: errors.New("down")}}
	transport.script("gpt-premium", permErr)
	transport.script("elastic-13b", permErr)
	transport.script("local-7b", permErr)

	req := router.Request{ProjectID: "proj-1", Class: router.ClassArbitration, Mode: router.ModeBalanced, DailyCap: 100, MonthlyCap: 1000}
	_, err := c.Generate(context.Background(), "req-1", req, "prompt", Options{})
	if err == nil {
		t.Fatal("expected error when every backend in the chain fails")
	}
}
