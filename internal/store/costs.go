package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// RecordCost persists one priced inference call. It is idempotent by
// requestID: a retried call with the same id is a no-op that returns the
// original record rather than double-counting spend, mirroring the
// teacher's merge-don't-overwrite aggregation idiom in
// internal/metrics.Collector applied to a durable ledger instead of an
// in-memory map.
func (d *DB) RecordCost(requestID, projectID, backend string, inTokens, outTokens int64, cost float64) (*CostRecord, error) {
	if existing, err := d.costRecordByRequestID(requestID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	rec := &CostRecord{
		ID:        uuid.NewString(),
		RequestID: requestID,
		ProjectID: projectID,
		Day:       now.Format("2006-01-02"),
		Backend:   backend,
		InTokens:  inTokens,
		OutTokens: outTokens,
		Cost:      cost,
		CreatedAt: now,
	}

	_, err := d.conn.Exec(`
		INSERT INTO cost_records (id, request_id, project_id, day, backend, in_tokens, out_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RequestID, rec.ProjectID, rec.Day, rec.Backend, rec.InTokens, rec.OutTokens, rec.Cost, rec.CreatedAt)
	if err != nil {
		// A unique-constraint violation here means a concurrent caller won the
		// race with the same request id; return their record instead of erroring.
		if existing, gerr := d.costRecordByRequestID(requestID); gerr == nil {
			return existing, nil
		}
		return nil, corerr.Wrap(corerr.KindInternal, "store: record cost", err)
	}
	return rec, nil
}

func (d *DB) costRecordByRequestID(requestID string) (*CostRecord, error) {
	var rec CostRecord
	err := d.conn.QueryRow(`
		SELECT id, request_id, project_id, day, backend, in_tokens, out_tokens, cost, created_at
		FROM cost_records WHERE request_id = ?
	`, requestID).Scan(&rec.ID, &rec.RequestID, &rec.ProjectID, &rec.Day, &rec.Backend, &rec.InTokens, &rec.OutTokens, &rec.Cost, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DailySpent sums cost for a project on the given calendar day (the
// server's local "today" when day is empty).
func (d *DB) DailySpent(projectID, day string) (float64, error) {
	if day == "" {
		day = time.Now().Format("2006-01-02")
	}
	var sum sql.NullFloat64
	err := d.conn.QueryRow(`
		SELECT SUM(cost) FROM cost_records WHERE project_id = ? AND day = ?
	`, projectID, day).Scan(&sum)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindInternal, "store: daily spent", err)
	}
	return sum.Float64, nil
}

// MonthlySpent sums cost for a project across the given calendar month
// ("YYYY-MM"), defaulting to the current month.
func (d *DB) MonthlySpent(projectID, month string) (float64, error) {
	if month == "" {
		month = time.Now().Format("2006-01")
	}
	var sum sql.NullFloat64
	err := d.conn.QueryRow(`
		SELECT SUM(cost) FROM cost_records WHERE project_id = ? AND substr(day, 1, 7) = ?
	`, projectID, month).Scan(&sum)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindInternal, "store: monthly spent", err)
	}
	return sum.Float64, nil
}
