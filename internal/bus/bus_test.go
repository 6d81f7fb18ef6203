package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
)

// newTestBus spins up a fresh embedded NATS+JetStream server on an
// ephemeral port and connects a Bus to it, mirroring the teacher's
// per-test embedded-server pattern in internal/nats/server_test.go.
func newTestBus(t *testing.T, port int) (*Bus, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "coordcore-bus-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}

	log := logging.New("bus-test")
	srv, err := NewEmbeddedServer(EmbeddedServerConfig{
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

	b, err := Connect(Options{Address: srv.URL()}, sched, log.Named("client"))
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

func TestBus_LockAcquireReleaseRoundtrip(t *testing.T) {
	b, cleanup := newTestBus(t, 15222)
	defer cleanup()

	ok, err := b.TryAcquireFileLock("proj-1", "task-a", "agent-1", "src/main.go", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}

	ok, err = b.TryAcquireFileLock("proj-1", "task-b", "agent-2", "src/main.go", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire (contended): %v", err)
	}
	if ok {
		t.Fatal("expected second acquire on the same (project, path) to fail")
	}

	released, err := b.ReleaseFileLock("proj-1", "task-a", "agent-1", "src/main.go")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Fatal("expected release by the holder to succeed")
	}

	ok, err = b.TryAcquireFileLock("proj-1", "task-b", "agent-2", "src/main.go", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquirable after release")
	}
}

func TestBus_ReleaseByNonHolderFails(t *testing.T) {
	b, cleanup := newTestBus(t, 15223)
	defer cleanup()

	if _, err := b.TryAcquireFileLock("proj-1", "task-a", "agent-1", "a.go", 5*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released, err := b.ReleaseFileLock("proj-1", "task-a", "agent-2", "a.go")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("expected release by a non-holder to be rejected")
	}

	locks, err := b.ListLocks("task-a")
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected lock to remain held, got %d locks", len(locks))
	}
}

func TestBus_ContextMergeLastWriterWins(t *testing.T) {
	b, cleanup := newTestBus(t, 15224)
	defer cleanup()

	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	if _, err := b.MergeProjectContext("proj-1", Patch{Slots: map[string]Slot{
		"requirements": {Tag: "requirements", Value: "v1", UpdatedAt: older},
	}}); err != nil {
		t.Fatalf("merge 1: %v", err)
	}

	ctx, err := b.MergeProjectContext("proj-1", Patch{Slots: map[string]Slot{
		"requirements": {Tag: "requirements", Value: "v2", UpdatedAt: newer},
	}})
	if err != nil {
		t.Fatalf("merge 2: %v", err)
	}
	if ctx.Slots["requirements"].Value != "v2" {
		t.Fatalf("expected newer slot value to win, got %v", ctx.Slots["requirements"].Value)
	}

	// A stale patch must not clobber the newer value.
	ctx, err = b.MergeProjectContext("proj-1", Patch{Slots: map[string]Slot{
		"requirements": {Tag: "requirements", Value: "stale", UpdatedAt: older},
	}})
	if err != nil {
		t.Fatalf("merge 3: %v", err)
	}
	if ctx.Slots["requirements"].Value != "v2" {
		t.Fatalf("expected stale patch to be ignored, got %v", ctx.Slots["requirements"].Value)
	}
}

func TestBus_AgentStateRoundtrip(t *testing.T) {
	b, cleanup := newTestBus(t, 15225)
	defer cleanup()

	err := b.SetAgentState(AgentState{
		TaskID: "task-a", Agent: "agent-1", Status: "running",
		CurrentSubtask: "implement", ProgressFraction: 0.5,
	})
	if err != nil {
		t.Fatalf("set agent state: %v", err)
	}

	state, found, err := b.GetAgentState("task-a", "agent-1")
	if err != nil {
		t.Fatalf("get agent state: %v", err)
	}
	if !found {
		t.Fatal("expected agent state to be found")
	}
	if state.Status != "running" {
		t.Fatalf("expected status running, got %q", state.Status)
	}

	states, err := b.ListAgentStates("task-a")
	if err != nil {
		t.Fatalf("list agent states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 agent state, got %d", len(states))
	}
}

func TestBus_ConflictLifecycle(t *testing.T) {
	b, cleanup := newTestBus(t, 15226)
	defer cleanup()

	id, err := b.RecordConflict("req-1", Conflict{
		TaskID: "task-a",
		Type:   ConflictFileWriteCollision,
		Parties: []string{"agent-1", "agent-2"},
	})
	if err != nil {
		t.Fatalf("record conflict: %v", err)
	}

	// Idempotent retry with the same request id must not enqueue twice.
	id2, err := b.RecordConflict("req-1", Conflict{TaskID: "task-a", Type: ConflictFileWriteCollision})
	if err != nil {
		t.Fatalf("record conflict (retry): %v", err)
	}
	if id2 != id {
		t.Fatalf("expected idempotent id %q, got %q", id, id2)
	}

	c, ok, err := b.PopPendingConflict(2 * time.Second)
	if err != nil {
		t.Fatalf("pop pending conflict: %v", err)
	}
	if !ok {
		t.Fatal("expected a pending conflict to be delivered")
	}
	if c.ID != id {
		t.Fatalf("expected conflict %q, got %q", id, c.ID)
	}
	if c.Status != ConflictInArbitration {
		t.Fatalf("expected status in-arbitration, got %q", c.Status)
	}

	// A second pop should find nothing: the queue is a work queue, not a topic.
	_, ok, err = b.PopPendingConflict(200 * time.Millisecond)
	if err != nil {
		t.Fatalf("pop pending conflict (second): %v", err)
	}
	if ok {
		t.Fatal("expected no second conflict to be pending")
	}

	resolved, err := b.UpdateConflictStatus(id, ConflictResolved, &Resolution{Winner: "agent-1"})
	if err != nil {
		t.Fatalf("update conflict status: %v", err)
	}
	if resolved.Status != ConflictResolved {
		t.Fatalf("expected resolved status, got %q", resolved.Status)
	}

	if _, err := b.UpdateConflictStatus(id, ConflictInArbitration, nil); err == nil {
		t.Fatal("expected transitioning out of a terminal status to fail")
	}
}

func TestBus_PubSub(t *testing.T) {
	b, cleanup := newTestBus(t, 15227)
	defer cleanup()

	sub, err := b.Subscribe("task.started")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("task.started", map[string]string{"taskId": "task-a"})

	select {
	case <-sub.Ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBus_CacheRoundtripAndInvalidate(t *testing.T) {
	b, cleanup := newTestBus(t, 15228)
	defer cleanup()

	if err := b.Cache("route:task-a", map[string]string{"backend": "local-7b"}, time.Minute); err != nil {
		t.Fatalf("cache: %v", err)
	}

	var out map[string]string
	found, err := b.GetCached("route:task-a", &out)
	if err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if !found || out["backend"] != "local-7b" {
		t.Fatalf("expected cached value, got %v found=%v", out, found)
	}

	if err := b.InvalidateCache("route:*"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	var out2 map[string]string
	found, err = b.GetCached("route:task-a", &out2)
	if err != nil {
		t.Fatalf("get cached after invalidate: %v", err)
	}
	if found {
		t.Fatal("expected cache entry to be gone after invalidate")
	}
}

func TestBus_CounterIncrementAndList(t *testing.T) {
	b, cleanup := newTestBus(t, 15229)
	defer cleanup()

	v, err := b.IncrementCounter("cost.daily.usd_cents", 150)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if v != 150 {
		t.Fatalf("expected 150, got %d", v)
	}

	v, err = b.IncrementCounter("cost.daily.usd_cents", 50)
	if err != nil {
		t.Fatalf("increment 2: %v", err)
	}
	if v != 200 {
		t.Fatalf("expected 200, got %d", v)
	}

	got, err := b.GetCounter("cost.daily.usd_cents")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}

	if _, err := b.IncrementCounter("cost.monthly.usd_cents", 75); err != nil {
		t.Fatalf("increment monthly: %v", err)
	}

	all, err := b.ListCounters("cost.daily")
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	if len(all) != 1 || all["cost.daily.usd_cents"] != 200 {
		t.Fatalf("expected only the daily counter, got %v", all)
	}
}
