package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// SaveTask creates or updates a task.
func (d *DB) SaveTask(t *Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	declaredFiles, _ := json.Marshal(t.DeclaredFiles)

	_, err := d.conn.Exec(`
		INSERT INTO tasks (id, project_id, stage, role, status, optional, depends_on, declared_files, input, output, model, in_tokens, out_tokens, cost, attempts, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage=excluded.stage,
			role=excluded.role,
			status=excluded.status,
			optional=excluded.optional,
			depends_on=excluded.depends_on,
			declared_files=excluded.declared_files,
			input=excluded.input,
			output=excluded.output,
			model=excluded.model,
			in_tokens=excluded.in_tokens,
			out_tokens=excluded.out_tokens,
			cost=excluded.cost,
			attempts=excluded.attempts,
			reason=excluded.reason,
			updated_at=excluded.updated_at
	`,
		t.ID, t.ProjectID, t.Stage, t.Role, t.Status, t.Optional, string(dependsOn), string(declaredFiles),
		t.Input, t.Output, t.Model, t.InTokens, t.OutTokens, t.Cost, t.Attempts, t.Reason, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return corerr.Wrap(corerr.KindInternal, "store: save task", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (d *DB) GetTask(id string) (*Task, error) {
	row := d.conn.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, corerr.Wrap(corerr.KindNotFound, "store: task not found", err)
	}
	return t, err
}

// ListTasksByProject returns every task in a project ordered by stage then
// creation time, the order the Orchestrator's stage machine walks them in.
func (d *DB) ListTasksByProject(projectID string) ([]*Task, error) {
	rows, err := d.conn.Query(taskSelect+` WHERE project_id = ? ORDER BY stage, created_at`, projectID)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "store: list tasks by project", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task in a project with a given status,
// the query the ready-set scan and heartbeat sweep both need.
func (d *DB) ListTasksByStatus(projectID string, status TaskStatus) ([]*Task, error) {
	rows, err := d.conn.Query(taskSelect+` WHERE project_id = ? AND status = ? ORDER BY created_at`, projectID, status)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "store: list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TransitionTask validates and applies a task status transition.
func (d *DB) TransitionTask(id string, to TaskStatus) (*Task, error) {
	t, err := d.GetTask(id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionTask(t.Status, to) {
		return nil, corerr.New(corerr.KindConflict, "store: invalid task transition "+string(t.Status)+" -> "+string(to))
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	if err := d.SaveTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

const taskSelect = `
	SELECT id, project_id, stage, role, status, optional, depends_on, declared_files, input, output, model, in_tokens, out_tokens, cost, attempts, reason, created_at, updated_at
	FROM tasks`

func scanTask(row scannable) (*Task, error) {
	var t Task
	var dependsOn, declaredFiles, input, output, model, reason sql.NullString

	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Stage, &t.Role, &t.Status, &t.Optional, &dependsOn, &declaredFiles,
		&input, &output, &model, &t.InTokens, &t.OutTokens, &t.Cost, &t.Attempts, &reason, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, corerr.Wrap(corerr.KindInternal, "store: scan task", err)
	}

	if dependsOn.Valid && dependsOn.String != "" {
		_ = json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if declaredFiles.Valid && declaredFiles.String != "" {
		_ = json.Unmarshal([]byte(declaredFiles.String), &t.DeclaredFiles)
	}
	t.Input = input.String
	t.Output = output.String
	t.Model = model.String
	t.Reason = reason.String
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
