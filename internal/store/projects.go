package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// SaveProject creates or updates a project, mirroring the teacher's
// INSERT...ON CONFLICT upsert idiom.
func (d *DB) SaveProject(p *Project) error {
	requirements, _ := json.Marshal(p.Requirements)
	metadata, _ := json.Marshal(p.Metadata)

	_, err := d.conn.Exec(`
		INSERT INTO projects (id, name, status, story_points, budget_daily, budget_monthly, requirements, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			status=excluded.status,
			story_points=excluded.story_points,
			budget_daily=excluded.budget_daily,
			budget_monthly=excluded.budget_monthly,
			requirements=excluded.requirements,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at
	`,
		p.ID, p.Name, p.Status, p.StoryPoints, p.BudgetDaily, p.BudgetMonthly,
		string(requirements), string(metadata), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return corerr.Wrap(corerr.KindInternal, "store: save project", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (d *DB) GetProject(id string) (*Project, error) {
	row := d.conn.QueryRow(`
		SELECT id, name, status, story_points, budget_daily, budget_monthly, requirements, metadata, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// ListProjects returns every project, most recently created first.
func (d *DB) ListProjects() ([]*Project, error) {
	rows, err := d.conn.Query(`
		SELECT id, name, status, story_points, budget_daily, budget_monthly, requirements, metadata, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "store: list projects", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scannable) (*Project, error) {
	p, err := scanProjectCommon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corerr.Wrap(corerr.KindNotFound, "store: project not found", err)
	}
	return p, err
}

func scanProjectRows(row scannable) (*Project, error) {
	return scanProjectCommon(row)
}

func scanProjectCommon(row scannable) (*Project, error) {
	var p Project
	var requirements, metadata sql.NullString

	if err := row.Scan(
		&p.ID, &p.Name, &p.Status, &p.StoryPoints, &p.BudgetDaily, &p.BudgetMonthly,
		&requirements, &metadata, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, corerr.Wrap(corerr.KindInternal, "store: scan project", err)
	}

	if requirements.Valid && requirements.String != "" {
		_ = json.Unmarshal([]byte(requirements.String), &p.Requirements)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &p.Metadata)
	}
	return &p, nil
}

// TransitionProject validates and applies a project status transition.
func (d *DB) TransitionProject(id string, to ProjectStatus) (*Project, error) {
	p, err := d.GetProject(id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionProject(p.Status, to) {
		return nil, corerr.New(corerr.KindConflict, "store: invalid project transition "+string(p.Status)+" -> "+string(to))
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	if err := d.SaveProject(p); err != nil {
		return nil, err
	}
	return p, nil
}
