// Conflict detection: the three conditions spec.md §4.6 treats as
// conflicts. All three funnel into bus.RecordConflict, which enqueues them
// for the Arbitrator (C5).
package orchestrator

import (
	"sort"
	"strings"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

const lockFailureThreshold = 2 // distinct agents denied the same path before it's reported as a conflict

// recordLockFailure implements condition (a): repeated lock acquisition
// failure on the same path by different agents within a stage.
func (o *Orchestrator) recordLockFailure(projectID, stage, path, agent string) {
	key := projectID + "/" + stage + "/" + path

	o.lockFailMu.Lock()
	agents, ok := o.lockFails[key]
	if !ok {
		agents = make(map[string]bool)
		o.lockFails[key] = agents
	}
	agents[agent] = true
	distinct := len(agents)
	o.lockFailMu.Unlock()

	if distinct < lockFailureThreshold {
		return
	}

	parties := make([]string, 0, distinct)
	o.lockFailMu.Lock()
	for a := range o.lockFails[key] {
		parties = append(parties, a)
	}
	delete(o.lockFails, key) // one report per contention episode
	o.lockFailMu.Unlock()
	sort.Strings(parties)

	o.recordConflict(projectID, "lock-contention-"+key, bus.Conflict{
		Type:     bus.ConflictFileWriteCollision,
		Parties:  parties,
		Evidence: map[string]any{"stage": stage, "path": path},
	})
}

// checkSiblingArtifactConflict implements condition (b): two sibling
// tasks in the same stage producing divergent output for the same slot.
// This system uses one slot per task id, so "same slot" becomes "same
// stage, different task, non-identical output" — the generalization this
// single-tenant Orchestrator makes of the spec's named-slot model.
func (o *Orchestrator) checkSiblingArtifactConflict(projectID string, t *store.Task) {
	siblings, err := o.db.ListTasksByProject(projectID)
	if err != nil {
		return
	}
	for _, s := range siblings {
		if s.ID == t.ID || s.Stage != t.Stage || s.Status != store.TaskSucceeded {
			continue
		}
		if s.Output == t.Output {
			continue
		}
		parties := []string{t.Role, s.Role}
		sort.Strings(parties)
		pairKey := t.ID + "|" + s.ID
		if s.ID < t.ID {
			pairKey = s.ID + "|" + t.ID
		}
		o.recordConflict(projectID, "artifact-divergence-"+pairKey, bus.Conflict{
			Type:     bus.ConflictSemanticDisagreement,
			Parties:  parties,
			Evidence: map[string]any{"stage": t.Stage, "taskA": t.ID, "taskB": s.ID},
		})
	}
}

// checkTestFailureConflict implements condition (c): a test-stage task
// reporting failure on artifacts produced by a code-stage task it depends
// on. Stage naming is caller-chosen, so this matches by substring
// convention ("test"/"code" stage names); classForRole, by contrast,
// matches exact role names.
func (o *Orchestrator) checkTestFailureConflict(projectID string, t *store.Task) {
	if !strings.Contains(strings.ToLower(t.Stage), "test") {
		o.recordExecutionFailureConflict(projectID, t, t.Reason)
		return
	}

	all, err := o.db.ListTasksByProject(projectID)
	if err != nil {
		o.recordExecutionFailureConflict(projectID, t, t.Reason)
		return
	}
	byID := make(map[string]*store.Task, len(all))
	for _, task := range all {
		byID[task.ID] = task
	}

	var codeDeps []string
	for _, dep := range t.DependsOn {
		if d, ok := byID[dep]; ok && strings.Contains(strings.ToLower(d.Stage), "code") {
			codeDeps = append(codeDeps, d.ID)
		}
	}
	if len(codeDeps) == 0 {
		o.recordExecutionFailureConflict(projectID, t, t.Reason)
		return
	}

	o.recordConflict(projectID, "test-failure-"+t.ID, bus.Conflict{
		TaskID:   t.ID,
		Type:     bus.ConflictTestFailure,
		Parties:  []string{t.Role},
		Evidence: map[string]any{"reason": t.Reason, "codeArtifacts": codeDeps},
	})
}

// recordExecutionFailureConflict is dispatch step 5's fallback conflict
// for a mandatory task that exhausted its retry and isn't a recognized
// test-vs-code failure.
func (o *Orchestrator) recordExecutionFailureConflict(projectID string, t *store.Task, reason string) {
	o.recordConflict(projectID, "execution-failure-"+t.ID, bus.Conflict{
		TaskID:   t.ID,
		Type:     bus.ConflictExecutionFailure,
		Parties:  []string{t.Role},
		Evidence: map[string]any{"reason": reason},
	})
}

func (o *Orchestrator) recordConflict(projectID, requestID string, c bus.Conflict) {
	c.ProjectID = projectID
	id, err := o.bus.RecordConflict(requestID, c)
	if err != nil {
		o.log.Printf("recordConflict %s: %v", requestID, err)
		return
	}
	o.publish(events.TopicConflictRecorded, projectID, map[string]any{"conflictId": id, "type": string(c.Type)})
}
