package db

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/thannaske/s3dedup/pkg/models"
)

const dayLayout = "2006-01-02"

// StoreDailyCosts inserts or updates daily bucket costs
func (db *DB) StoreDailyCosts(ctx context.Context, costs []models.DailyCost) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ErrLedgerQuery.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ErrLedgerQuery.Wrap(tx.Rollback()))
		}
	}()

	for _, c := range costs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bucket_daily_costs (bucket, account_id, day, cost)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(bucket, account_id, day)
			DO UPDATE SET cost = excluded.cost
		`, c.Bucket, c.AccountID, c.Day.UTC().Format(dayLayout), c.Cost)
		if err != nil {
			return ErrLedgerQuery.Wrap(err)
		}
	}

	return ErrLedgerQuery.Wrap(tx.Commit())
}

// DailyCost returns the average daily cost of each bucket between from and to
// (inclusive days). An empty accountIDs matches every account. Buckets without
// cost rows are absent from the result.
func (db *DB) DailyCost(ctx context.Context, buckets, accountIDs []string, from, to time.Time) (_ map[string]float64, err error) {
	defer mon.Task()(&ctx)(&err)

	costs := make(map[string]float64)
	if len(buckets) == 0 {
		return costs, nil
	}

	query := `
		SELECT bucket, SUM(cost) / COUNT(DISTINCT day)
		FROM bucket_daily_costs
		WHERE day BETWEEN ? AND ? AND bucket IN (` + placeholders(len(buckets)) + `)`
	args := []any{from.UTC().Format(dayLayout), to.UTC().Format(dayLayout)}
	for _, b := range buckets {
		args = append(args, b)
	}
	if len(accountIDs) > 0 {
		query += ` AND account_id IN (` + placeholders(len(accountIDs)) + `)`
		for _, a := range accountIDs {
			args = append(args, a)
		}
	}
	query += ` GROUP BY bucket`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrLedgerQuery.Wrap(err)
	}
	defer func() { err = errs.Combine(err, ErrLedgerQuery.Wrap(rows.Close())) }()

	for rows.Next() {
		var (
			bucket string
			avg    float64
		)
		if err := rows.Scan(&bucket, &avg); err != nil {
			return nil, ErrLedgerQuery.Wrap(err)
		}
		costs[bucket] = avg
	}

	return costs, ErrLedgerQuery.Wrap(rows.Err())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
