// Package api is the HTTP and WebSocket surface (spec.md §6): a thin
// gorilla/mux collaborator over the Orchestrator (C6), Cost Ledger (C2),
// and task store, plus a gorilla/websocket hub that republishes the
// internal event bus onto a WS-reachable subject set. Grounded on the
// teacher's internal/server package (route registration style, hub
// design, security header middleware), generalized from a dashboard
// serving a JSON-file-backed agent roster to a JSON API over the
// Coordination Core's durable task store.
package api

import "github.com/CLIAIMONITOR/coordcore/internal/orchestrator"

// createProjectRequest is the body of POST /projects.
type createProjectRequest struct {
	Name          string                   `json:"name"`
	Requirements  []string                 `json:"requirements"`
	StoryPoints   int                      `json:"storyPoints"`
	BudgetDaily   float64                  `json:"budgetDaily"`
	BudgetMonthly float64                  `json:"budgetMonthly"`
	Stages        []orchestrator.StageSpec `json:"stages"`
}

// projectView is the JSON shape returned for a project, folding in the
// aggregate cost and active task count spec.md §6 asks GET /projects/{id}
// to report alongside the bare store.Project fields.
type projectView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	StoryPoints   int      `json:"storyPoints"`
	BudgetDaily   float64  `json:"budgetDaily"`
	BudgetMonthly float64  `json:"budgetMonthly"`
	Requirements  []string `json:"requirements"`
	AggregateCost float64  `json:"aggregateCost"`
	ActiveTasks   int      `json:"activeTasks"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
}

// costView is the JSON shape returned by GET /projects/{id}/costs.
type costView struct {
	ProjectID     string  `json:"projectId"`
	DailySpent    float64 `json:"dailySpent"`
	MonthlySpent  float64 `json:"monthlySpent"`
	BudgetDaily   float64 `json:"budgetDaily"`
	BudgetMonthly float64 `json:"budgetMonthly"`
}

// healthView is the JSON shape returned by GET /health.
type healthView struct {
	Status       string          `json:"status"`
	Dependencies map[string]bool `json:"dependencies"`
}
