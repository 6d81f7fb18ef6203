package orchestrator

import (
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// staleMultiple is the spec's "3 x heartbeat" dead-task threshold,
// generalizing the teacher's internal/server/heartbeat.go StaleThreshold
// (a fixed 45s = 3x its 15s HeartbeatCheckInterval) into a multiple of the
// configured interval instead of a hardcoded constant.
const staleMultiple = 3

// startHeartbeatSweep schedules the recurring stale-task check via the
// shared Scheduler instead of a dedicated ticker goroutine, re-arming
// itself after every sweep — the Scheduler only exposes one-shot
// deadlines, so a recurring check is just a callback that reschedules
// itself.
func (o *Orchestrator) startHeartbeatSweep() {
	var tick func()
	tick = func() {
		o.sweepStaleTasks()
		o.scheduler.After(o.cfg.Task.HeartbeatInterval, tick)
	}
	o.scheduler.After(o.cfg.Task.HeartbeatInterval, tick)
}

// sweepStaleTasks declares a task dead if its most recently reported agent
// state is older than 3x the heartbeat interval, releases its locks, and
// marks it failed (a terminal state dispatch does not retry), recording a
// conflict for a mandatory task so the Arbitrator sees it, mirroring
// checkStaleAgents/handleStaleAgent's respawn-on-staleness pattern.
func (o *Orchestrator) sweepStaleTasks() {
	staleAfter := staleMultiple * o.cfg.Task.HeartbeatInterval
	now := time.Now()

	projects, err := o.db.ListProjects()
	if err != nil {
		o.log.Printf("heartbeat sweep: list projects: %v", err)
		return
	}

	for _, p := range projects {
		if p.Status != store.ProjectActive {
			continue
		}
		running, err := o.db.ListTasksByStatus(p.ID, store.TaskRunning)
		if err != nil {
			continue
		}
		for _, t := range running {
			states, err := o.bus.ListAgentStates(t.ID)
			if err != nil || len(states) == 0 {
				continue // no heartbeat reported yet; dispatch's own deadline governs it
			}
			newest := states[0].LastHeartbeat
			for _, s := range states[1:] {
				if s.LastHeartbeat.After(newest) {
					newest = s.LastHeartbeat
				}
			}
			if now.Sub(newest) < staleAfter {
				continue
			}
			o.declareDead(p.ID, t)
		}
	}
}

// declareDead releases a stale task's locks, marks it failed with reason
// "agent-unresponsive", and records a conflict if it was mandatory — the
// same terminal-failure handling dispatchTask's deadline path uses.
func (o *Orchestrator) declareDead(projectID string, t *store.Task) {
	agent := t.Role
	locks, err := o.bus.ListLocks(t.ID)
	if err == nil {
		for _, lock := range locks {
			_, _ = o.bus.ReleaseFileLock(projectID, t.ID, agent, lock.Path)
		}
	}

	if err := o.saveTaskStatus(t, store.TaskFailed, "agent-unresponsive"); err != nil {
		o.log.Printf("declareDead %s: %v", t.ID, err)
		return
	}
	o.publish(events.TopicTaskFailed, projectID, map[string]any{"taskId": t.ID, "reason": "agent-unresponsive"})
	if !t.Optional {
		o.recordExecutionFailureConflict(projectID, t, "agent-unresponsive")
	}
}
