// Package runcache implements the ephemeral, content addressed store used by a
// single analysis run. Objects live in a temporary sqlite file indexed on tag so
// duplicate groups can be streamed in tag order without loading the cache into
// memory.
package runcache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/models"
)

var (
	// ErrCacheIO is returned for any storage failure of the cache. It is fatal to the run.
	ErrCacheIO = errs.Class("run cache")
	mon        = monkit.Package()
)

// Cache is the per-run object store
type Cache struct {
	log  *zap.Logger
	dir  string
	db   *sql.DB
	once sync.Once
	err  error
}

// New creates a cache in a fresh temporary directory under parent. An empty
// parent uses the system temp dir.
func New(log *zap.Logger, parent, runID string) (*Cache, error) {
	dir, err := os.MkdirTemp(parent, "s3dedup-"+runID+"-")
	if err != nil {
		return nil, ErrCacheIO.Wrap(err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "cache.db")+"?_journal_mode=OFF&_synchronous=OFF")
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, ErrCacheIO.Wrap(err)
	}
	// a single connection keeps the file consistent across statements
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE objects (
			tag TEXT NOT NULL,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			size INTEGER NOT NULL
		);
		CREATE INDEX idx_objects_tag ON objects(tag);
	`)
	if err != nil {
		_ = db.Close()
		_ = os.RemoveAll(dir)
		return nil, ErrCacheIO.Wrap(err)
	}

	log.Debug("run cache created", zap.String("dir", dir))
	return &Cache{log: log, dir: dir, db: db}, nil
}

// Dir returns the directory holding the cache files
func (c *Cache) Dir() string { return c.dir }

// Add bulk inserts records. It is not idempotent: adding the same records twice
// makes them look duplicated.
func (c *Cache) Add(ctx context.Context, records []models.ObjectRecord) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrCacheIO.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ErrCacheIO.Wrap(tx.Rollback()))
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO objects (tag, bucket, key, size) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return ErrCacheIO.Wrap(err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Tag, r.Bucket, r.Key, r.Size); err != nil {
			return ErrCacheIO.Wrap(err)
		}
	}

	return ErrCacheIO.Wrap(tx.Commit())
}

// DuplicateGroups calls fn for every record whose tag occurs more than once,
// in ascending tag order. Rows are streamed from the tag index.
func (c *Cache) DuplicateGroups(ctx context.Context, fn func(models.ObjectRecord) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := c.db.QueryContext(ctx, `
		SELECT o.tag, o.bucket, o.key, o.size
		FROM objects o
		WHERE o.tag IN (
			SELECT tag FROM objects GROUP BY tag HAVING COUNT(*) > 1
		)
		ORDER BY o.tag
	`)
	if err != nil {
		return ErrCacheIO.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrCacheIO.Wrap(rows.Close())) }()

	for rows.Next() {
		var r models.ObjectRecord
		if err := rows.Scan(&r.Tag, &r.Bucket, &r.Key, &r.Size); err != nil {
			return ErrCacheIO.Wrap(err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	return ErrCacheIO.Wrap(rows.Err())
}

// Count returns the number of records in the cache
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n)
	return n, ErrCacheIO.Wrap(err)
}

// Dispose closes the cache and removes its files. Calls after the first are
// no-ops returning the first result.
func (c *Cache) Dispose() error {
	c.once.Do(func() {
		c.err = ErrCacheIO.Wrap(errs.Combine(c.db.Close(), os.RemoveAll(c.dir)))
		c.log.Debug("run cache disposed", zap.String("dir", c.dir), zap.Error(c.err))
	})
	return c.err
}
