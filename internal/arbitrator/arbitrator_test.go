package arbitrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/inference"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// wireReply mirrors internal/inference's unexported wireResponse by JSON
// tag name only — a fake worker needs no access to that type, just the
// wire shape it expects.
type wireReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// newTestBus spins up a fresh embedded NATS+JetStream server, mirroring
// internal/bus's own per-test helper.
func newTestBus(t *testing.T, port int) (*bus.Bus, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "coordcore-arbitrator-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}

	log := logging.New("arbitrator-test")
	srv, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
		Port:      port,
		JetStream: true,
		DataDir:   filepath.Join(tempDir, "jetstream"),
	}, log)
	if err != nil {
		t.Fatalf("new embedded server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start embedded server: %v", err)
	}

	sched := schedule.New(schedule.RealClock)
	b, err := bus.Connect(bus.Options{Address: srv.URL()}, sched, log.Named("client"))
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect bus: %v", err)
	}

	cleanup := func() {
		b.Close()
		sched.Stop()
		srv.Shutdown()
		os.RemoveAll(tempDir)
	}
	return b, cleanup
}

// setupArbitrator wires an Arbitrator over a fresh bus, in-memory store,
// and a single-backend (local-tier only) catalog, with workerReply invoked
// for every inference call a fake NATS worker answers.
func setupArbitrator(t *testing.T, port int, workerReply func() wireReply) (*Arbitrator, *bus.Bus, *store.DB) {
	t.Helper()

	b, cleanup := newTestBus(t, port)
	t.Cleanup(cleanup)

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now()
	if err := db.SaveProject(&store.Project{
		ID: "proj-1", Name: "Widget", Status: store.ProjectActive,
		BudgetDaily: 100, BudgetMonthly: 1000, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("save project: %v", err)
	}
	if err := db.SaveTask(&store.Task{
		ID: "task-1", ProjectID: "proj-1", Stage: "build", Role: "implementer",
		Status: store.TaskRunning, DependsOn: []string{}, DeclaredFiles: []string{"src/main.go"},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("save task: %v", err)
	}

	cat, err := catalog.Load([]config.Backend{
		{ID: "local-7b", Tier: "local", PriceIn: 0, PriceOut: 0, ContextWindow: 8000, LatencyClass: "slow"},
	})
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	ledger := cost.New(db, cat)
	r := router.New(cat, ledger)
	client := inference.New(cat, r, ledger, b, nil, 5, 30*time.Second)

	sub, err := b.QueueSubscribeRaw("inference.local.generate", "arbitration-workers", func(msg *nc.Msg) {
		data, _ := json.Marshal(workerReply())
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("queue subscribe: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)

	return New(b, client, db, logging.New("arbitrator-test")), b, db
}

func recordAndPop(t *testing.T, b *bus.Bus) bus.Conflict {
	t.Helper()

	if _, err := b.RecordConflict("req-1", bus.Conflict{
		TaskID:   "task-1",
		Type:     bus.ConflictFileWriteCollision,
		Parties:  []string{"agent-1", "agent-2"},
		Evidence: map[string]any{"note": "both touched src/main.go"},
	}); err != nil {
		t.Fatalf("record conflict: %v", err)
	}

	c, ok, err := b.PopPendingConflict(2 * time.Second)
	if err != nil {
		t.Fatalf("pop pending conflict: %v", err)
	}
	if !ok {
		t.Fatal("expected a pending conflict to be popped")
	}
	return c
}

func TestArbitrate_ResolvesConflictFromWellFormedDecision(t *testing.T) {
	reply := wireReply{Text: `{"winner":"agent-1","rationale":"agent-1's change is consistent with requirements","escalate":false}`}
	a, b, db := setupArbitrator(t, 15240, func() wireReply { return reply })

	c := recordAndPop(t, b)
	a.arbitrate(context.Background(), c)

	rec, err := db.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if rec.Status != "resolved" {
		t.Fatalf("expected resolved status, got %s", rec.Status)
	}
	if rec.Resolution["winner"] != "agent-1" {
		t.Fatalf("expected winner agent-1, got %+v", rec.Resolution)
	}
	if rec.ResolvedAt == nil {
		t.Fatal("expected resolvedAt to be set")
	}
}

func TestArbitrate_EscalatesAfterTwoUnparseableReplies(t *testing.T) {
	a, b, db := setupArbitrator(t, 15241, func() wireReply { return wireReply{Text: "not json"} })

	c := recordAndPop(t, b)
	a.arbitrate(context.Background(), c)

	rec, err := db.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if rec.Status != "escalated" {
		t.Fatalf("expected escalated status after two unparseable replies, got %s", rec.Status)
	}
}

func TestArbitrate_EscalateDecisionForcesStatus(t *testing.T) {
	reply := wireReply{Text: `{"rationale":"cannot determine a winner from the evidence given","escalate":true}`}
	a, b, db := setupArbitrator(t, 15242, func() wireReply { return reply })

	c := recordAndPop(t, b)
	a.arbitrate(context.Background(), c)

	rec, err := db.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if rec.Status != "escalated" {
		t.Fatalf("expected escalated status, got %s", rec.Status)
	}
}

// TestArbitrate_LockContentionConflictResolvesViaProjectID mirrors the
// conflict shape recordLockFailure actually produces: no TaskID, only a
// ProjectID. arbitrate must resolve context from ProjectID directly and
// still reach the inference client, instead of failing GetTask("") and
// escalating without ever generating a decision.
func TestArbitrate_LockContentionConflictResolvesViaProjectID(t *testing.T) {
	reply := wireReply{Text: `{"winner":"agent-1","rationale":"agent-1 acquired the lock first","escalate":false}`}
	a, b, db := setupArbitrator(t, 15243, func() wireReply { return reply })

	if _, err := b.RecordConflict("req-lock-1", bus.Conflict{
		ProjectID: "proj-1",
		Type:      bus.ConflictFileWriteCollision,
		Parties:   []string{"agent-1", "agent-2"},
		Evidence:  map[string]any{"stage": "build", "path": "src/main.go"},
	}); err != nil {
		t.Fatalf("record conflict: %v", err)
	}

	c, ok, err := b.PopPendingConflict(2 * time.Second)
	if err != nil {
		t.Fatalf("pop pending conflict: %v", err)
	}
	if !ok {
		t.Fatal("expected a pending conflict to be popped")
	}
	if c.TaskID != "" {
		t.Fatalf("expected no task id on a lock-contention conflict, got %q", c.TaskID)
	}

	a.arbitrate(context.Background(), c)

	rec, err := db.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if rec.Status != "resolved" {
		t.Fatalf("expected resolved status (inference reached), got %s", rec.Status)
	}
	if rec.Resolution["winner"] != "agent-1" {
		t.Fatalf("expected winner agent-1, got %+v", rec.Resolution)
	}
}
