package store

import (
	"testing"
	"time"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db, func() { db.Close() }
}

func TestProjectSaveLoadAndTransition(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	p := &Project{
		ID: "proj-1", Name: "Widget", Status: ProjectPending,
		StoryPoints: 5, BudgetDaily: 10, BudgetMonthly: 200,
		Requirements: []string{"must parse CSV"},
		Metadata:     map[string]string{"owner": "team-a"},
		CreatedAt:    now, UpdatedAt: now,
	}
	if err := db.SaveProject(p); err != nil {
		t.Fatalf("save project: %v", err)
	}

	loaded, err := db.GetProject("proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if loaded.Name != "Widget" || len(loaded.Requirements) != 1 {
		t.Fatalf("unexpected loaded project: %+v", loaded)
	}

	transitioned, err := db.TransitionProject("proj-1", ProjectActive)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if transitioned.Status != ProjectActive {
		t.Fatalf("expected active, got %s", transitioned.Status)
	}

	if _, err := db.TransitionProject("proj-1", ProjectPending); err == nil {
		t.Fatal("expected active -> pending to be rejected")
	}
}

func TestTaskSaveLoadAndTransition(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	if err := db.SaveProject(&Project{ID: "proj-1", Name: "Widget", Status: ProjectActive, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save project: %v", err)
	}

	task := &Task{
		ID: "task-1", ProjectID: "proj-1", Stage: "research", Role: "researcher",
		Status: TaskQueued, DependsOn: []string{}, DeclaredFiles: []string{"docs/notes.md"},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	loaded, err := db.GetTask("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if loaded.Stage != "research" || len(loaded.DeclaredFiles) != 1 {
		t.Fatalf("unexpected loaded task: %+v", loaded)
	}

	if _, err := db.TransitionTask("task-1", TaskRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}

	queued, err := db.ListTasksByStatus("proj-1", TaskQueued)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("expected no queued tasks, got %d", len(queued))
	}

	if _, err := db.TransitionTask("task-1", TaskSucceeded); err != nil {
		t.Fatalf("transition to succeeded: %v", err)
	}
	if _, err := db.TransitionTask("task-1", TaskRunning); err == nil {
		t.Fatal("expected terminal succeeded -> running to be rejected")
	}
}

func TestRecordCostIsIdempotentByRequestID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	if err := db.SaveProject(&Project{ID: "proj-1", Name: "Widget", Status: ProjectActive, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save project: %v", err)
	}

	rec1, err := db.RecordCost("req-1", "proj-1", "local-7b", 100, 50, 0.002)
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}

	rec2, err := db.RecordCost("req-1", "proj-1", "local-7b", 100, 50, 0.002)
	if err != nil {
		t.Fatalf("record cost (retry): %v", err)
	}
	if rec2.ID != rec1.ID {
		t.Fatalf("expected idempotent record id %q, got %q", rec1.ID, rec2.ID)
	}

	spent, err := db.DailySpent("proj-1", rec1.Day)
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 0.002 {
		t.Fatalf("expected daily spent 0.002 (not double-counted), got %v", spent)
	}

	if _, err := db.RecordCost("req-2", "proj-1", "local-7b", 10, 10, 0.001); err != nil {
		t.Fatalf("record cost 2: %v", err)
	}

	spent, err = db.DailySpent("proj-1", rec1.Day)
	if err != nil {
		t.Fatalf("daily spent after second record: %v", err)
	}
	if spent != 0.003 {
		t.Fatalf("expected daily spent 0.003, got %v", spent)
	}
}

func TestConflictSaveLoadAndUpdate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	c := &ConflictRecord{
		ID: "conflict-1", TaskID: "task-1", ProjectID: "proj-1", Type: "file-write-collision",
		Parties: []string{"agent-1", "agent-2"}, Status: "pending", CreatedAt: now,
	}
	if err := db.SaveConflict(c); err != nil {
		t.Fatalf("save conflict: %v", err)
	}

	resolvedAt := now.Add(time.Minute)
	c.Status = "resolved"
	c.Resolution = map[string]any{"winner": "agent-1"}
	c.ResolvedAt = &resolvedAt
	if err := db.SaveConflict(c); err != nil {
		t.Fatalf("update conflict: %v", err)
	}

	loaded, err := db.GetConflict("conflict-1")
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if loaded.Status != "resolved" || loaded.ResolvedAt == nil {
		t.Fatalf("unexpected loaded conflict: %+v", loaded)
	}

	byTask, err := db.ListConflictsByTask("task-1")
	if err != nil {
		t.Fatalf("list by task: %v", err)
	}
	if len(byTask) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(byTask))
	}
}
