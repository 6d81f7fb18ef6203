// Package arbitrator implements the Arbitrator (C5): drains the pending
// conflict queue, asks the inference client for a structured resolution at
// the arbitration tier, and writes the decision back. Grounded on the
// teacher's internal/captain/supervisor.go crash-loop counter (generalized
// here into "one corrective retry, then escalate" instead of "N respawns per
// window") and internal/captain/captain.go's buildSubagentPrompt
// strings.Builder prompt assembly, generalized from a mission brief to a
// conflict-resolution brief.
package arbitrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/inference"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

const popTimeout = 30 * time.Second

// decision is the structured output the spec requires the arbitration
// model produce, parsed from the inference reply's text.
type decision struct {
	Winner         string `json:"winner,omitempty"`
	Rationale      string `json:"rationale"`
	MergedArtifact string `json:"mergedArtifact,omitempty"`
	Escalate       bool   `json:"escalate,omitempty"`
}

// Arbitrator is the concrete Arbitrator (C5).
type Arbitrator struct {
	bus    *bus.Bus
	client *inference.Client
	store  *store.DB
	log    *logging.Logger
}

// New constructs an Arbitrator over the Context Bus, Inference Client, and
// task store.
func New(b *bus.Bus, client *inference.Client, db *store.DB, log *logging.Logger) *Arbitrator {
	return &Arbitrator{bus: b, client: client, store: db, log: log}
}

// Run drains PopPendingConflict in a loop until ctx is cancelled, handling
// one conflict at a time. Callers that want concurrent arbitration run
// multiple Arbitrators against the same bus — the work-queue stream load-
// balances across them.
func (a *Arbitrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c, ok, err := a.bus.PopPendingConflict(popTimeout)
		if err != nil {
			a.log.Printf("pop pending conflict: %v", err)
			continue
		}
		if !ok {
			continue // timed out with nothing pending; loop again
		}

		a.arbitrate(ctx, c)
	}
}

// arbitrate resolves the conflict's project (from ProjectID directly, or
// via its task row when one exists), assembles the arbitration prompt,
// calls the inference client at the arbitration tier, and writes the
// decision back. A non-parseable reply gets one corrective retry with a
// repaired prompt; a second failure escalates the conflict and leaves an
// alert event on the bus.
func (a *Arbitrator) arbitrate(ctx context.Context, c bus.Conflict) {
	projectID := c.ProjectID

	if c.TaskID != "" {
		t, err := a.store.GetTask(c.TaskID)
		switch {
		case err == nil:
			if projectID == "" {
				projectID = t.ProjectID
			}
		case corerr.Is(err, corerr.KindNotFound):
			// Project-wide conditions (e.g. lock contention) don't name a
			// real task row; ProjectID alone still resolves context.
		default:
			a.log.Printf("arbitrate %s: load task %s: %v", c.ID, c.TaskID, err)
			a.escalate(c, err)
			return
		}
	}

	if projectID == "" {
		err := fmt.Errorf("arbitrator: conflict %s has neither a resolvable task nor a project id", c.ID)
		a.log.Printf("arbitrate %s: %v", c.ID, err)
		a.escalate(c, err)
		return
	}

	project, err := a.store.GetProject(projectID)
	if err != nil {
		a.log.Printf("arbitrate %s: load project %s: %v", c.ID, projectID, err)
		a.escalate(c, err)
		return
	}

	projCtx, err := a.bus.GetProjectContext(projectID)
	if err != nil {
		a.log.Printf("arbitrate %s: load project context: %v", c.ID, err)
		projCtx = bus.ProjectContext{ProjectID: projectID}
	}

	req := router.Request{
		ProjectID:  projectID,
		Class:      router.ClassArbitration,
		Mode:       router.ModeBalanced, // component override forces premium regardless of mode
		DailyCap:   project.BudgetDaily,
		MonthlyCap: project.BudgetMonthly,
	}

	prompt := a.buildPrompt(c, projCtx)
	d, genErr := a.generateDecision(ctx, req, prompt)
	if genErr != nil {
		repaired := a.buildRepairedPrompt(c, projCtx, genErr)
		d, genErr = a.generateDecision(ctx, req, repaired)
		if genErr != nil {
			a.log.Printf("arbitrate %s: second parse failure, escalating: %v", c.ID, genErr)
			a.escalate(c, genErr)
			return
		}
	}

	resolution := &bus.Resolution{
		Winner:         d.Winner,
		Rationale:      d.Rationale,
		MergedArtifact: d.MergedArtifact,
		Escalate:       d.Escalate,
	}
	status := bus.ConflictResolved
	if d.Escalate {
		status = bus.ConflictEscalated
	}

	updated, err := a.bus.UpdateConflictStatus(c.ID, status, resolution)
	if err != nil {
		a.log.Printf("arbitrate %s: write decision: %v", c.ID, err)
		return
	}

	a.mirrorToStore(updated)
}

// generateDecision calls the inference client and parses its reply as a
// decision. Any unmarshal failure is reported as the "non-parseable
// output" condition the spec's one-retry rule exists for.
func (a *Arbitrator) generateDecision(ctx context.Context, req router.Request, prompt string) (decision, error) {
	requestID := fmt.Sprintf("arbitration-%s-%d", req.ProjectID, time.Now().UnixNano())
	result, err := a.client.Generate(ctx, requestID, req, prompt, inference.Options{MaxTokens: 2048, Temperature: 0.2})
	if err != nil {
		return decision{}, err
	}

	var d decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Text)), &d); err != nil {
		return decision{}, fmt.Errorf("arbitrator: non-parseable decision: %w", err)
	}
	if d.Rationale == "" {
		return decision{}, fmt.Errorf("arbitrator: decision missing rationale")
	}
	return d, nil
}

// escalate marks a conflict escalated and publishes an alert event, the
// fallback when arbitration cannot produce a usable decision after its
// corrective retry.
func (a *Arbitrator) escalate(c bus.Conflict, cause error) {
	resolution := &bus.Resolution{Rationale: "escalated: " + cause.Error(), Escalate: true}
	updated, err := a.bus.UpdateConflictStatus(c.ID, bus.ConflictEscalated, resolution)
	if err != nil {
		a.log.Printf("escalate %s: %v", c.ID, err)
		return
	}
	a.bus.Publish("alert.conflict-escalated", updated)
	a.mirrorToStore(updated)
}

// mirrorToStore writes the bus's authoritative in-flight conflict state
// into the durable store.ConflictRecord audit table, per the spec's
// independent 7-day retention requirement for conflict history.
func (a *Arbitrator) mirrorToStore(c bus.Conflict) {
	rec := &store.ConflictRecord{
		ID:        c.ID,
		TaskID:    c.TaskID,
		ProjectID: c.ProjectID,
		Type:      string(c.Type),
		Parties:   c.Parties,
		Evidence:  c.Evidence,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
	}
	if c.Resolution != nil {
		rec.Resolution = map[string]any{
			"winner":         c.Resolution.Winner,
			"rationale":      c.Resolution.Rationale,
			"mergedArtifact": c.Resolution.MergedArtifact,
			"escalate":       c.Resolution.Escalate,
		}
	}
	rec.ResolvedAt = c.ResolvedAt

	if err := a.store.SaveConflict(rec); err != nil {
		a.log.Printf("mirror conflict %s to store: %v", c.ID, err)
	}
}
