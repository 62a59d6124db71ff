package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/thannaske/s3dedup/pkg/models"
)

// ErrRunNotFound is returned when no run matches a lookup
var ErrRunNotFound = errs.Class("run not found")

// CreateRun records the start of a run
func (db *DB) CreateRun(ctx context.Context, run models.Run) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, org_id, state, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.OrgID, run.State, run.StartedAt.UTC())
	return ErrLedgerQuery.Wrap(err)
}

// UpdateRunState records a state transition
func (db *DB) UpdateRunState(ctx context.Context, runID, state string) error {
	_, err := db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, state, runID)
	return ErrLedgerQuery.Wrap(err)
}

// FinishRun records the terminal state of a run with its report or error message
func (db *DB) FinishRun(ctx context.Context, runID, state string, finishedAt time.Time, report *models.Report, errMsg string) error {
	var encoded sql.NullString
	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return ErrLedgerQuery.Wrap(err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ?, report = ?, error = ?
		WHERE id = ?
	`, state, finishedAt.UTC(), encoded, errMsg, runID)
	return ErrLedgerQuery.Wrap(err)
}

const runColumns = `id, org_id, state, started_at, finished_at, error, report`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.Run, error) {
	var (
		run      models.Run
		finished sql.NullTime
		report   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.OrgID, &run.State, &run.StartedAt, &finished, &run.Error, &report); err != nil {
		return run, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	if report.Valid {
		run.Report = &models.Report{}
		if err := json.Unmarshal([]byte(report.String), run.Report); err != nil {
			return run, err
		}
	}
	return run, nil
}

// GetRun returns a single run by id
func (db *DB) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound.New("%s", runID)
	}
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	return &run, nil
}

// LatestCompletedRun returns the most recent completed run of an organization
func (db *DB) LatestCompletedRun(ctx context.Context, orgID string) (*models.Run, error) {
	run, err := scanRun(db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE org_id = ? AND state = 'COMPLETED'
		ORDER BY started_at DESC
		LIMIT 1
	`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound.New("no completed run for organization %s", orgID)
	}
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	return &run, nil
}

// ListRuns returns the runs of an organization, newest first
func (db *DB) ListRuns(ctx context.Context, orgID string) (_ []models.Run, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE org_id = ?
		ORDER BY started_at DESC
	`, orgID)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		runs = append(runs, run)
	}
	return runs, ErrLedgerQuery.Wrap(rows.Err())
}

// PruneRuns removes every run of an organization except the keep most recent
// ones, together with their ledger rows. It returns the number of runs removed.
func (db *DB) PruneRuns(ctx context.Context, orgID string, keep int) (_ int64, err error) {
	if keep < 0 {
		keep = 0
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ErrLedgerQuery.New("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ErrLedgerQuery.Wrap(tx.Rollback()))
		}
	}()

	const stale = `
		SELECT id FROM runs
		WHERE org_id = ?
		ORDER BY started_at DESC
		LIMIT -1 OFFSET ?
	`

	_, err = tx.ExecContext(ctx, `DELETE FROM duplicate_objects WHERE run_id IN (`+stale+`)`, orgID, keep)
	if err != nil {
		return 0, ErrLedgerQuery.New("failed to delete ledger rows: %v", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, orgID, keep)
	if err != nil {
		return 0, ErrLedgerQuery.New("failed to delete runs: %v", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, ErrLedgerQuery.New("failed to get rows affected: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, ErrLedgerQuery.New("failed to commit transaction: %v", err)
	}
	return deleted, nil
}
