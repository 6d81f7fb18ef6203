package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

const stageOrderKey = "stageOrder"

// CreateProject persists a new project in `pending` status along with
// every stage's tasks, queued but not yet dispatched. Task ids are
// `<projectId>/<callerId>` so DependsOn edges can be resolved without a
// separate lookup table.
func (o *Orchestrator) CreateProject(spec ProjectSpec) (*store.Project, error) {
	projectID := uuid.NewString()
	now := time.Now()

	stageOrder := make([]string, 0, len(spec.Stages))
	for _, s := range spec.Stages {
		stageOrder = append(stageOrder, s.Name)
	}
	stageOrderJSON, _ := json.Marshal(stageOrder)

	p := &store.Project{
		ID:            projectID,
		Name:          spec.Name,
		Status:        store.ProjectPending,
		StoryPoints:   spec.StoryPoints,
		BudgetDaily:   spec.BudgetDaily,
		BudgetMonthly: spec.BudgetMonthly,
		Requirements:  spec.Requirements,
		Metadata:      map[string]string{stageOrderKey: string(stageOrderJSON)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.db.SaveProject(p); err != nil {
		return nil, err
	}

	for _, stage := range spec.Stages {
		for _, ts := range stage.Tasks {
			dependsOn := make([]string, 0, len(ts.DependsOn))
			for _, dep := range ts.DependsOn {
				dependsOn = append(dependsOn, projectID+"/"+dep)
			}
			t := &store.Task{
				ID:            projectID + "/" + ts.ID,
				ProjectID:     projectID,
				Stage:         stage.Name,
				Role:          ts.Role,
				Status:        store.TaskQueued,
				Optional:      ts.Optional,
				DependsOn:     dependsOn,
				DeclaredFiles: ts.DeclaredFiles,
				Input:         ts.Input,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := o.db.SaveTask(t); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

// GetProject returns a project by id.
func (o *Orchestrator) GetProject(projectID string) (*store.Project, error) {
	return o.db.GetProject(projectID)
}

// stageOrder recovers the stage name sequence CreateProject recorded.
func stageOrder(p *store.Project) []string {
	var order []string
	_ = json.Unmarshal([]byte(p.Metadata[stageOrderKey]), &order)
	return order
}

// Execute transitions a project to `active` and starts its dispatch loop.
// Safe to call again after Pause: it picks up wherever `queued`/`blocked`
// tasks were left off.
func (o *Orchestrator) Execute(projectID string) error {
	p, err := o.db.TransitionProject(projectID, store.ProjectActive)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancelers[projectID] = cancel
	o.mu.Unlock()

	go o.runProject(ctx, p)
	return nil
}

// Pause stops dispatching new tasks for a project and cancels its
// in-flight ones. A cancelled in-flight task's context reports
// context.Canceled, which handleFailure distinguishes from a genuine
// per-task deadline: the task is restored to `queued` rather than marked
// `failed`, so Resume's dispatch loop picks it back up untouched.
func (o *Orchestrator) Pause(projectID string) error {
	if _, err := o.db.TransitionProject(projectID, store.ProjectPaused); err != nil {
		return err
	}
	o.cancelRun(projectID)
	return nil
}

// Resume transitions a paused project back to active and restarts dispatch.
func (o *Orchestrator) Resume(projectID string) error {
	return o.Execute(projectID)
}

func (o *Orchestrator) cancelRun(projectID string) {
	o.mu.Lock()
	cancel, ok := o.cancelers[projectID]
	delete(o.cancelers, projectID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// failProject marks a project failed. runProject calls it as soon as a
// mandatory task reaches `failed` after its one retry; it does not wait for
// the Arbitrator to resolve the conflict recorded for that task.
func (o *Orchestrator) failProject(projectID string) error {
	o.cancelRun(projectID)
	_, err := o.db.TransitionProject(projectID, store.ProjectFailed)
	if err != nil {
		return corerr.Wrap(corerr.KindInternal, "orchestrator: mark project failed", err)
	}
	return nil
}

// completeProject marks a project completed once its final stage's
// non-optional tasks have all succeeded.
func (o *Orchestrator) completeProject(projectID string) error {
	o.cancelRun(projectID)
	_, err := o.db.TransitionProject(projectID, store.ProjectCompleted)
	return err
}
