package orchestrator

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// wireReply mirrors internal/inference's unexported wireResponse by JSON
// tag name only, the same approach internal/arbitrator's tests use for a
// fake NATS worker.
type wireReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// TestDispatchTask_RetriesAfterTransientFailure exercises a mandatory
// task's failing-then-retried path end to end: the fake worker fails every
// call of the task's first dispatch, forcing handleFailure to persist
// TaskRunning -> TaskQueued so the stage loop redispatches it, then
// succeeds on the second dispatch.
func TestDispatchTask_RetriesAfterTransientFailure(t *testing.T) {
	o := newTestOrchestrator(t, 15343)

	p, err := o.CreateProject(ProjectSpec{
		Name:          "Retry",
		Requirements:  []string{"ship a widget"},
		BudgetDaily:   50,
		BudgetMonthly: 500,
		Stages: []StageSpec{
			{
				Name:  "build",
				Roles: []string{"implementer"},
				Tasks: []TaskSpec{
					{ID: "implement", Role: "implementer"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	var calls int64
	sub, err := o.bus.QueueSubscribeRaw("inference.local.generate", "retry-test-workers", func(msg *nc.Msg) {
		n := atomic.AddInt64(&calls, 1)
		var reply wireReply
		if n <= 3 {
			reply = wireReply{Error: "worker unavailable"}
		} else {
			reply = wireReply{Text: "done"}
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("queue subscribe: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)

	if err := o.Execute(p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	t.Cleanup(func() { _ = o.Pause(p.ID) })

	deadline := time.Now().Add(10 * time.Second)
	var task *store.Task
	for time.Now().Before(deadline) {
		task, err = o.db.GetTask(p.ID + "/implement")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == store.TaskSucceeded || task.Status == store.TaskFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if task.Status != store.TaskSucceeded {
		t.Fatalf("expected task to eventually succeed after a retry, got status=%s reason=%q attempts=%d",
			task.Status, task.Reason, task.Attempts)
	}
	if task.Attempts < 1 {
		t.Fatalf("expected at least one recorded failed attempt before success, got %d", task.Attempts)
	}
	if atomic.LoadInt64(&calls) <= 3 {
		t.Fatalf("expected the worker to be called again after the first dispatch failed, got %d calls", calls)
	}
}
