package db

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/thannaske/s3dedup/pkg/models"
)

var (
	// ErrLedgerQuery is returned when a ledger read or write fails
	ErrLedgerQuery = errs.Class("ledger")
	mon            = monkit.Package()
)

// DB represents the historical ledger database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection
func NewDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}

	if err := db.Ping(); err != nil {
		return nil, ErrLedgerQuery.Wrap(errs.Combine(err, db.Close()))
	}

	return &DB{db}, nil
}

// InitDB initializes the database tables
func (db *DB) InitDB() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			error TEXT NOT NULL DEFAULT '',
			report TEXT
		)
	`)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS duplicate_objects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			size INTEGER NOT NULL
		)
	`)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS bucket_daily_costs (
			bucket TEXT NOT NULL,
			account_id TEXT NOT NULL,
			day TEXT NOT NULL,
			cost REAL NOT NULL,
			UNIQUE(bucket, account_id, day)
		)
	`)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}

	// Indexes for the per-bucket and per-tag aggregates
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_duplicate_objects_bucket_tag
		ON duplicate_objects(org_id, run_id, bucket, tag);
		CREATE INDEX IF NOT EXISTS idx_duplicate_objects_tag
		ON duplicate_objects(org_id, run_id, tag);
		CREATE INDEX IF NOT EXISTS idx_runs_org_started
		ON runs(org_id, started_at)
	`)
	return ErrLedgerQuery.Wrap(err)
}

// AppendObjects stores records under scope in one transaction
func (db *DB) AppendObjects(ctx context.Context, scope models.Scope, records []models.ObjectRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ErrLedgerQuery.Wrap(tx.Rollback()))
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO duplicate_objects (org_id, run_id, tag, bucket, key, size)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, scope.OrgID, scope.RunID, r.Tag, r.Bucket, r.Key, r.Size); err != nil {
			return ErrLedgerQuery.Wrap(err)
		}
	}

	return ErrLedgerQuery.Wrap(tx.Commit())
}

// SelfGroups returns the tags occurring more than once inside bucket
func (db *DB) SelfGroups(ctx context.Context, scope models.Scope, bucket string) (_ []models.TagGroup, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.QueryContext(ctx, `
		SELECT tag, COUNT(*), SUM(size)
		FROM duplicate_objects
		WHERE org_id = ? AND run_id = ? AND bucket = ?
		GROUP BY tag
		HAVING COUNT(*) > 1
		ORDER BY tag
	`, scope.OrgID, scope.RunID, bucket)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	var groups []models.TagGroup
	for rows.Next() {
		var g models.TagGroup
		if err := rows.Scan(&g.Tag, &g.Count, &g.Size); err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		groups = append(groups, g)
	}

	return groups, ErrLedgerQuery.Wrap(rows.Err())
}

// SharedTags returns the tags present in both a and b with raw per-side counts and sizes
func (db *DB) SharedTags(ctx context.Context, scope models.Scope, a, b string) (_ []models.SharedTag, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.QueryContext(ctx, `
		WITH side_a AS (
			SELECT tag, COUNT(*) AS cnt, SUM(size) AS total
			FROM duplicate_objects
			WHERE org_id = ? AND run_id = ? AND bucket = ?
			GROUP BY tag
		), side_b AS (
			SELECT tag, COUNT(*) AS cnt, SUM(size) AS total
			FROM duplicate_objects
			WHERE org_id = ? AND run_id = ? AND bucket = ?
			GROUP BY tag
		)
		SELECT side_a.tag, side_a.cnt, side_a.total, side_b.cnt, side_b.total
		FROM side_a
		JOIN side_b ON side_a.tag = side_b.tag
		ORDER BY side_a.tag
	`, scope.OrgID, scope.RunID, a, scope.OrgID, scope.RunID, b)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	var shared []models.SharedTag
	for rows.Next() {
		var s models.SharedTag
		if err := rows.Scan(&s.Tag, &s.CountA, &s.SizeA, &s.CountB, &s.SizeB); err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		shared = append(shared, s)
	}

	return shared, ErrLedgerQuery.Wrap(rows.Err())
}

// TagBuckets returns, for every tag occurring more than once in scope, the
// buckets it occurs in with their occurrence counts. Rows are ordered by tag.
func (db *DB) TagBuckets(ctx context.Context, scope models.Scope) (_ []models.TagBucket, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.QueryContext(ctx, `
		SELECT tag, bucket, COUNT(*), MAX(size)
		FROM duplicate_objects
		WHERE org_id = ? AND run_id = ? AND tag IN (
			SELECT tag FROM duplicate_objects
			WHERE org_id = ? AND run_id = ?
			GROUP BY tag
			HAVING COUNT(*) > 1
		)
		GROUP BY tag, bucket
		ORDER BY tag, bucket
	`, scope.OrgID, scope.RunID, scope.OrgID, scope.RunID)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	var out []models.TagBucket
	for rows.Next() {
		var tb models.TagBucket
		if err := rows.Scan(&tb.Tag, &tb.Bucket, &tb.Count, &tb.ItemSize); err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		out = append(out, tb)
	}

	return out, ErrLedgerQuery.Wrap(rows.Err())
}

// Buckets returns the distinct buckets with ledger rows in scope
func (db *DB) Buckets(ctx context.Context, scope models.Scope) (_ []string, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT bucket
		FROM duplicate_objects
		WHERE org_id = ? AND run_id = ?
		ORDER BY bucket
	`, scope.OrgID, scope.RunID)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	var buckets []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		buckets = append(buckets, b)
	}
	return buckets, ErrLedgerQuery.Wrap(rows.Err())
}
