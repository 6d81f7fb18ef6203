// Package store is the durable task store (spec §6): a transactional
// relational store over projects, tasks, cost records, and conflicts,
// generalizing the teacher's internal/tasks sqlite store (database/sql,
// INSERT...ON CONFLICT upserts) from a single table to the full schema the
// Orchestrator and Cost Ledger need. It uses modernc.org/sqlite, the
// teacher's own indirect dependency, in place of the teacher's cgo
// mattn/go-sqlite3 driver so the resulting binary stays cgo-free.
package store

import "time"

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectPending   ProjectStatus = "pending"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectPaused    ProjectStatus = "paused"
)

// validProjectTransitions mirrors the teacher's tasks.validTransitions table.
var validProjectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectPending:   {ProjectActive, ProjectFailed},
	ProjectActive:    {ProjectCompleted, ProjectFailed, ProjectPaused},
	ProjectPaused:    {ProjectActive, ProjectFailed},
	ProjectCompleted: {},
	ProjectFailed:    {},
}

// CanTransitionProject reports whether moving a project from `from` to `to`
// is allowed.
func CanTransitionProject(from, to ProjectStatus) bool {
	for _, s := range validProjectTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Project is a unit of orchestrated work: a named set of requirements with
// budget caps, decomposed by the Orchestrator into stages and tasks.
type Project struct {
	ID             string
	Name           string
	Status         ProjectStatus
	StoryPoints    int
	BudgetDaily    float64
	BudgetMonthly  float64
	Requirements   []string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:    {TaskRunning, TaskBlocked},
	TaskBlocked:   {TaskQueued, TaskRunning},
	TaskRunning:   {TaskSucceeded, TaskFailed, TaskBlocked, TaskQueued},
	TaskSucceeded: {},
	TaskFailed:    {},
}

// CanTransitionTask reports whether moving a task from `from` to `to` is
// allowed. A task may only enter `running` once its dependency and lock
// preconditions hold; that invariant is enforced by the Orchestrator's
// dispatch loop, not by this transition table.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range validTaskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task belongs to exactly one project and is dispatched to exactly one
// agent role at a time.
type Task struct {
	ID            string
	ProjectID     string
	Stage         string
	Role          string
	Status        TaskStatus
	Optional      bool
	DependsOn     []string
	DeclaredFiles []string
	Input         string
	Output        string
	Model         string
	InTokens      int64
	OutTokens     int64
	Cost          float64
	Attempts      int
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CostRecord is one priced inference call, keyed for idempotency by the
// caller-supplied request id so a retried RecordCost never double-counts.
type CostRecord struct {
	ID        string
	RequestID string
	ProjectID string
	Day       string // YYYY-MM-DD, server-local calendar day
	Backend   string
	InTokens  int64
	OutTokens int64
	Cost      float64
	CreatedAt time.Time
}

// ConflictRecord is the durable audit trail of a Conflict handled by the
// bus's live KV-backed queue; the bus remains the source of truth for
// in-flight arbitration, this table is the retained history the spec
// requires conflicts be kept in for 7 days regardless of bus retention.
type ConflictRecord struct {
	ID         string
	TaskID     string
	ProjectID  string
	Type       string
	Parties    []string
	Evidence   map[string]any
	Status     string
	Resolution map[string]any
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
