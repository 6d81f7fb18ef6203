package store

import (
	"database/sql"
	"encoding/json"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// SaveConflict upserts the durable audit record for a conflict. The bus's
// KV-backed queue remains the source of truth while arbitration is
// in-flight; this table is the retained record the spec requires survive
// independent of the bus's conflict-bucket retention window.
func (d *DB) SaveConflict(c *ConflictRecord) error {
	parties, _ := json.Marshal(c.Parties)
	evidence, _ := json.Marshal(c.Evidence)
	resolution, _ := json.Marshal(c.Resolution)

	_, err := d.conn.Exec(`
		INSERT INTO conflicts (id, task_id, project_id, type, parties, evidence, status, resolution, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			resolution=excluded.resolution,
			resolved_at=excluded.resolved_at
	`, c.ID, c.TaskID, c.ProjectID, c.Type, string(parties), string(evidence), c.Status, string(resolution), c.CreatedAt, c.ResolvedAt)
	if err != nil {
		return corerr.Wrap(corerr.KindInternal, "store: save conflict", err)
	}
	return nil
}

// GetConflict retrieves a conflict's audit record by id.
func (d *DB) GetConflict(id string) (*ConflictRecord, error) {
	row := d.conn.QueryRow(`
		SELECT id, task_id, project_id, type, parties, evidence, status, resolution, created_at, resolved_at
		FROM conflicts WHERE id = ?
	`, id)
	return scanConflict(row)
}

// ListConflictsByTask returns every conflict recorded against a task.
func (d *DB) ListConflictsByTask(taskID string) ([]*ConflictRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, task_id, project_id, type, parties, evidence, status, resolution, created_at, resolved_at
		FROM conflicts WHERE task_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "store: list conflicts by task", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func scanConflict(row scannable) (*ConflictRecord, error) {
	var c ConflictRecord
	var parties, evidence, resolution sql.NullString
	var resolvedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.TaskID, &c.ProjectID, &c.Type, &parties, &evidence, &c.Status, &resolution, &c.CreatedAt, &resolvedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, corerr.Wrap(corerr.KindNotFound, "store: conflict not found", err)
		}
		return nil, corerr.Wrap(corerr.KindInternal, "store: scan conflict", err)
	}

	if parties.Valid && parties.String != "" {
		_ = json.Unmarshal([]byte(parties.String), &c.Parties)
	}
	if evidence.Valid && evidence.String != "" {
		_ = json.Unmarshal([]byte(evidence.String), &c.Evidence)
	}
	if resolution.Valid && resolution.String != "" {
		_ = json.Unmarshal([]byte(resolution.String), &c.Resolution)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}
