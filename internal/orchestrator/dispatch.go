package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/inference"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

const stagePollInterval = 500 * time.Millisecond

// runProject walks the stage machine to completion: stage k+1 starts only
// once every non-optional task of stage k has succeeded.
func (o *Orchestrator) runProject(ctx context.Context, p *store.Project) {
	for _, stageName := range stageOrder(p) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !o.runStage(ctx, p, stageName) {
			if ctx.Err() == nil { // not a Pause/cancel; a genuine mandatory-task failure
				_ = o.failProject(p.ID)
			}
			return
		}
	}
	_ = o.completeProject(p.ID)
}

// runStage dispatches every ready task in a stage and blocks until the
// stage's non-optional tasks all reach a terminal state, or ctx is
// cancelled. Returns false if a mandatory task failed terminally.
func (o *Orchestrator) runStage(ctx context.Context, p *store.Project, stageName string) bool {
	notify := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		all, err := o.db.ListTasksByProject(p.ID)
		if err != nil {
			o.log.Printf("runStage %s/%s: list tasks: %v", p.ID, stageName, err)
			return false
		}
		byID := make(map[string]*store.Task, len(all))
		for _, t := range all {
			byID[t.ID] = t
		}

		allDone := true
		for _, t := range all {
			if t.Stage != stageName {
				continue
			}
			switch t.Status {
			case store.TaskSucceeded:
			case store.TaskFailed:
				if !t.Optional {
					return false
				}
			case store.TaskQueued:
				allDone = false
				if depsSatisfied(t, byID) {
					o.dispatchAsync(ctx, p, t, notify)
				}
			case store.TaskBlocked:
				allDone = false
			case store.TaskRunning:
				allDone = false
			}
		}
		if allDone {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-notify:
		case <-time.After(stagePollInterval):
		}
	}
}

// depsSatisfied reports whether every dependency of t has either succeeded
// or failed while optional (so the DAG can proceed around it).
func depsSatisfied(t *store.Task, byID map[string]*store.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		if d.Status == store.TaskSucceeded {
			continue
		}
		if d.Status == store.TaskFailed && d.Optional {
			continue
		}
		return false
	}
	return true
}

// dispatchAsync admits t under the project and global concurrency bounds
// and runs it in its own goroutine, notifying the stage loop on exit.
func (o *Orchestrator) dispatchAsync(ctx context.Context, p *store.Project, t *store.Task, notify chan<- struct{}) {
	sem := o.semaphoreFor(p.ID)
	if !sem.TryAcquire(1) {
		return
	}
	if !o.global.TryAcquire(1) {
		sem.Release(1)
		return
	}

	go func() {
		defer sem.Release(1)
		defer o.global.Release(1)
		o.dispatchTask(ctx, p, t, notify)
	}()
}

// dispatchTask runs the five-step dispatch algorithm for a single ready
// task: lock acquisition, backend selection and invocation, and recording
// the outcome. notify is pinged on exit so the stage loop re-examines the
// ready set promptly instead of waiting out its poll interval.
func (o *Orchestrator) dispatchTask(ctx context.Context, p *store.Project, t *store.Task, notify chan<- struct{}) {
	agent := t.Role // the Orchestrator invokes inference directly on the role's behalf
	sort.Strings(t.DeclaredFiles)

	acquired, blockedPath := o.acquireLocks(p.ID, t, agent)
	if blockedPath != "" {
		o.markBlocked(t)
		o.waitForLockOrBackoff(ctx, p.ID, t.ID, notify)
		return
	}
	defer func() {
		o.releaseLocks(p.ID, t, agent, acquired)
		select {
		case notify <- struct{}{}:
		default:
		}
	}()

	o.blockedMu.Lock()
	delete(o.blockedBackoff, t.ID)
	o.blockedMu.Unlock()

	if err := o.saveTaskStatus(t, store.TaskRunning, ""); err != nil {
		o.log.Printf("dispatch %s: transition running: %v", t.ID, err)
		return
	}
	o.publish(events.TopicTaskStarted, p.ID, map[string]any{"taskId": t.ID, "role": t.Role})
	_ = o.bus.SetAgentState(bus.AgentState{TaskID: t.ID, Agent: agent, Status: "running"})

	deadline := time.Now().Add(o.cfg.Task.Deadline)
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := o.invoke(taskCtx, p, t, deadline)
	if err != nil {
		o.handleFailure(p, t, err, taskCtx.Err())
		return
	}
	o.handleSuccess(p, t, result)
}

// invoke classifies the task's role into a router.TaskClass and calls the
// Inference Client along the Router's selected chain.
func (o *Orchestrator) invoke(ctx context.Context, p *store.Project, t *store.Task, deadline time.Time) (*inference.Result, error) {
	req := router.Request{
		ProjectID:  p.ID,
		Class:      classForRole(t.Role),
		Mode:       router.EconomicMode(o.cfg.Router.Mode),
		DailyCap:   p.BudgetDaily,
		MonthlyCap: p.BudgetMonthly,
	}
	requestID := fmt.Sprintf("task-%s-%s", t.ID, uuid.NewString())
	return o.client.Generate(ctx, requestID, req, t.Input, inference.Options{MaxTokens: 4096, Temperature: 0.2, Deadline: deadline})
}

// classForRole maps a task's agent role onto the Router's closed TaskClass
// set. Unrecognized roles fall back to general-purpose routing.
func classForRole(role string) router.TaskClass {
	switch role {
	case "researcher", "research":
		return router.ClassResearch
	case "coder", "implementer", "code-generation":
		return router.ClassCodeGeneration
	case "orchestrator":
		return router.ClassOrchestration
	case "arbitrator":
		return router.ClassArbitration
	default:
		return router.ClassGeneral
	}
}

// handleSuccess records output in ProjectContext, writes the task result,
// releases locks (via the caller's deferred releaseLocks), publishes
// task.completed, and checks condition (b): sibling artifact divergence.
func (o *Orchestrator) handleSuccess(p *store.Project, t *store.Task, result *inference.Result) {
	t.Output = result.Text
	t.Model = result.BackendID
	t.InTokens = result.InTokens
	t.OutTokens = result.OutTokens
	if desc, ok := o.catalog.Get(result.BackendID); ok {
		t.Cost = desc.PriceIn*float64(result.InTokens)/1e6 + desc.PriceOut*float64(result.OutTokens)/1e6
	}
	if err := o.saveTaskStatus(t, store.TaskSucceeded, ""); err != nil {
		o.log.Printf("handleSuccess %s: save: %v", t.ID, err)
		return
	}

	now := time.Now()
	_, _ = o.bus.MergeProjectContext(p.ID, bus.Patch{Slots: map[string]bus.Slot{
		t.ID: {Tag: "artifact", Value: result.Text, UpdatedAt: now},
	}})

	o.publish(events.TopicTaskCompleted, p.ID, map[string]any{"taskId": t.ID, "role": t.Role, "backend": result.BackendID})
	o.checkSiblingArtifactConflict(p.ID, t)
}

// handleFailure implements dispatch step 5: mark the task failed, and
// either retry once (transient, non-deadline failures) or record a
// conflict. Deadline-exceeded failures never retry. ctxErr is taskCtx.Err():
// a Pause cancels the project context, which a task's deadline-derived
// context reports as context.Canceled, not context.DeadlineExceeded — that
// distinction is what keeps a Pause from being recorded as a task failure.
func (o *Orchestrator) handleFailure(p *store.Project, t *store.Task, cause error, ctxErr error) {
	if errors.Is(ctxErr, context.Canceled) {
		// Paused mid-flight: restore the task for Resume's dispatch loop to
		// pick back up, rather than burning a retry or failing it outright.
		_ = o.saveTaskStatus(t, store.TaskQueued, "paused")
		return
	}

	t.Attempts++

	if errors.Is(ctxErr, context.DeadlineExceeded) {
		_ = o.saveTaskStatus(t, store.TaskFailed, "deadline-exceeded")
		o.publish(events.TopicTaskFailed, p.ID, map[string]any{"taskId": t.ID, "reason": "deadline-exceeded"})
		if !t.Optional {
			o.recordExecutionFailureConflict(p.ID, t, "deadline-exceeded")
		}
		return
	}

	reason := cause.Error()
	if corerr.Is(cause, corerr.KindBudgetExhausted) {
		// Budget halt isn't a per-task transient failure; pause the whole
		// project rather than burning the task's one retry on it.
		_ = o.saveTaskStatus(t, store.TaskQueued, reason)
		o.publish(events.TopicBudgetPhaseChanged, p.ID, map[string]any{"phase": "halt"})
		_ = o.Pause(p.ID)
		return
	}

	if t.Attempts <= 1 {
		_ = o.saveTaskStatus(t, store.TaskQueued, reason) // one corrective retry
		return
	}

	_ = o.saveTaskStatus(t, store.TaskFailed, reason)
	o.publish(events.TopicTaskFailed, p.ID, map[string]any{"taskId": t.ID, "reason": reason})
	if !t.Optional {
		o.checkTestFailureConflict(p.ID, t)
	}
}

// saveTaskStatus validates the transition against store.CanTransitionTask,
// then writes status, reason, and any other field already set on t in one
// save. TransitionTask alone can't express this: it only ever carries
// status forward, never an accompanying reason/attempts/output update.
func (o *Orchestrator) saveTaskStatus(t *store.Task, status store.TaskStatus, reason string) error {
	if t.Status != status && !store.CanTransitionTask(t.Status, status) {
		return corerr.New(corerr.KindConflict, "orchestrator: invalid task transition "+string(t.Status)+" -> "+string(status))
	}
	t.Status = status
	if reason != "" {
		t.Reason = reason
	}
	t.UpdatedAt = time.Now()
	return o.db.SaveTask(t)
}

// markBlocked moves a lock-denied task to `blocked`. waitForLockOrBackoff
// is responsible for moving it back to `queued` once its wait ends.
func (o *Orchestrator) markBlocked(t *store.Task) {
	if err := o.saveTaskStatus(t, store.TaskBlocked, ""); err != nil {
		o.log.Printf("markBlocked %s: %v", t.ID, err)
	}
}

// waitForLockOrBackoff re-queues a blocked task once woken by a bus
// lock-released event or a capped 250ms -> 1s -> 4s backoff, per
// spec.md §4.6 step 2 and §5's wait-set (not worker-blocking) requirement.
func (o *Orchestrator) waitForLockOrBackoff(ctx context.Context, projectID, taskID string, notify chan<- struct{}) {
	backoff := o.nextBackoff(taskID)

	var lockReleased <-chan []byte
	sub, err := o.bus.Subscribe("lock-released")
	if err == nil {
		lockReleased = sub.Ch
	}

	go func() {
		if sub != nil {
			defer sub.Unsubscribe()
		}
		select {
		case <-ctx.Done():
			return
		case <-lockReleased:
		case <-time.After(backoff):
		}

		t, err := o.db.GetTask(taskID)
		if err != nil {
			return
		}
		if t.Status == store.TaskBlocked {
			_ = o.saveTaskStatus(t, store.TaskQueued, t.Reason)
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	}()
}

// nextBackoff advances a task's lock-wait delay through the capped
// sequence 250ms, 1s, 4s, 4s, ...
func (o *Orchestrator) nextBackoff(taskID string) time.Duration {
	o.blockedMu.Lock()
	defer o.blockedMu.Unlock()

	cur, ok := o.blockedBackoff[taskID]
	var next time.Duration
	switch {
	case !ok:
		next = 250 * time.Millisecond
	case cur < time.Second:
		next = time.Second
	default:
		next = 4 * time.Second
	}
	o.blockedBackoff[taskID] = next
	return next
}
