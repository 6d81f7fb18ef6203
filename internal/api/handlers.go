package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
	"github.com/CLIAIMONITOR/coordcore/internal/orchestrator"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// handleCreateProject implements POST /projects.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req createProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, requestID, corerr.Wrap(corerr.KindInvalidInput, "api: decode request body", err))
		return
	}
	if req.Name == "" {
		respondError(w, requestID, corerr.New(corerr.KindInvalidInput, "api: name is required"))
		return
	}

	p, err := s.orc.CreateProject(orchestrator.ProjectSpec{
		Name:          req.Name,
		Requirements:  req.Requirements,
		StoryPoints:   req.StoryPoints,
		BudgetDaily:   req.BudgetDaily,
		BudgetMonthly: req.BudgetMonthly,
		Stages:        req.Stages,
	})
	if err != nil {
		respondError(w, requestID, err)
		return
	}
	respondJSON(w, s.toProjectView(p))
}

// handleGetProject implements GET /projects/{id}.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.orc.GetProject(id)
	if err != nil {
		respondError(w, uuid.NewString(), err)
		return
	}
	respondJSON(w, s.toProjectView(p))
}

// handleExecuteProject implements POST /projects/{id}/execute.
func (s *Server) handleExecuteProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orc.Execute(id); err != nil {
		respondError(w, uuid.NewString(), err)
		return
	}
	respondJSON(w, map[string]string{"id": id, "status": string(store.ProjectActive)})
}

// handlePauseProject implements POST /projects/{id}/pause.
func (s *Server) handlePauseProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orc.Pause(id); err != nil {
		respondError(w, uuid.NewString(), err)
		return
	}
	respondJSON(w, map[string]string{"id": id, "status": string(store.ProjectPaused)})
}

// handleResumeProject implements POST /projects/{id}/resume.
func (s *Server) handleResumeProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orc.Resume(id); err != nil {
		respondError(w, uuid.NewString(), err)
		return
	}
	respondJSON(w, map[string]string{"id": id, "status": string(store.ProjectActive)})
}

// handleListProjectTasks implements GET /projects/{id}/tasks.
func (s *Server) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tasks, err := s.db.ListTasksByProject(id)
	if err != nil {
		respondError(w, uuid.NewString(), corerr.Wrap(corerr.KindInternal, "api: list tasks", err))
		return
	}
	respondJSON(w, map[string]interface{}{"tasks": tasks})
}

// handleGetTask implements GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.db.GetTask(id)
	if err != nil {
		respondError(w, uuid.NewString(), corerr.Wrap(corerr.KindNotFound, "api: task not found", err))
		return
	}
	respondJSON(w, t)
}

// handleGetProjectCosts implements GET /projects/{id}/costs.
func (s *Server) handleGetProjectCosts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.orc.GetProject(id)
	if err != nil {
		respondError(w, uuid.NewString(), err)
		return
	}
	daily, err := s.ledger.DailySpent(id)
	if err != nil {
		respondError(w, uuid.NewString(), corerr.Wrap(corerr.KindInternal, "api: daily spend", err))
		return
	}
	monthly, err := s.ledger.MonthlySpent(id)
	if err != nil {
		respondError(w, uuid.NewString(), corerr.Wrap(corerr.KindInternal, "api: monthly spend", err))
		return
	}
	respondJSON(w, costView{
		ProjectID:     id,
		DailySpent:    daily,
		MonthlySpent:  monthly,
		BudgetDaily:   p.BudgetDaily,
		BudgetMonthly: p.BudgetMonthly,
	})
}

// handleHealth implements GET /health: liveness plus per-dependency
// readiness, per spec.md §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]bool{
		"bus":   s.bus.IsConnected(),
		"store": s.db.Ping() == nil,
	}
	status := "ok"
	for _, up := range deps {
		if !up {
			status = "degraded"
		}
	}
	respondJSON(w, healthView{Status: status, Dependencies: deps})
}

// toProjectView folds the project's aggregate cost and active task count
// into the wire shape; both are derived from the task store rather than
// stored redundantly on the project row.
func (s *Server) toProjectView(p *store.Project) projectView {
	v := projectView{
		ID:            p.ID,
		Name:          p.Name,
		Status:        string(p.Status),
		StoryPoints:   p.StoryPoints,
		BudgetDaily:   p.BudgetDaily,
		BudgetMonthly: p.BudgetMonthly,
		Requirements:  p.Requirements,
		CreatedAt:     p.CreatedAt.Format(timeFormat),
		UpdatedAt:     p.UpdatedAt.Format(timeFormat),
	}
	tasks, err := s.db.ListTasksByProject(p.ID)
	if err != nil {
		return v
	}
	for _, t := range tasks {
		v.AggregateCost += t.Cost
		if t.Status == store.TaskRunning {
			v.ActiveTasks++
		}
	}
	return v
}

const (
	maxRequestBody = 1 << 20 // 1 MiB, matching the bus's own serialization cap
	timeFormat     = "2006-01-02T15:04:05Z07:00"
)
