// Package matrix computes self and cross bucket duplication from the
// historical ledger.
//
// Self cells use an excess approximation, size*(1-1/count), for each tag
// group inside a bucket. Cross cells report raw sizes: every occurrence on a
// side counts. The two policies differ on purpose and are kept apart.
package matrix

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thannaske/s3dedup/pkg/models"
)

var (
	// Error is the error class for this package
	Error = errs.Class("matrix")
	mon   = monkit.Package()
)

// Ledger is the aggregate query surface of the historical ledger.
type Ledger interface {
	SelfGroups(ctx context.Context, scope models.Scope, bucket string) ([]models.TagGroup, error)
	SharedTags(ctx context.Context, scope models.Scope, a, b string) ([]models.SharedTag, error)
	TagBuckets(ctx context.Context, scope models.Scope) ([]models.TagBucket, error)
}

// DuplicateTotals is the objects-with-duplicates aggregate of one bucket
type DuplicateTotals struct {
	Objects int64
	Size    int64
}

// Calculator computes duplication matrices
type Calculator struct {
	log         *zap.Logger
	ledger      Ledger
	parallelism int
}

// NewCalculator creates a calculator. parallelism bounds concurrent pair
// queries for the cross matrix; values below 1 mean sequential.
func NewCalculator(log *zap.Logger, ledger Ledger, parallelism int) *Calculator {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Calculator{log: log, ledger: ledger, parallelism: parallelism}
}

// SelfMatrix fills the diagonal cell of every bucket.
func (c *Calculator) SelfMatrix(ctx context.Context, scope models.Scope, buckets []string) (_ models.Matrix, err error) {
	defer mon.Task()(&ctx)(&err)

	m := make(models.Matrix, len(buckets))
	for _, bucket := range buckets {
		groups, err := c.ledger.SelfGroups(ctx, scope, bucket)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		m.Set(bucket, bucket, SelfCell(groups))
	}
	return m, nil
}

// SelfCell aggregates the tag groups of one bucket.
func SelfCell(groups []models.TagGroup) *models.MatrixCell {
	cell := &models.MatrixCell{}
	for _, g := range groups {
		if g.Count < 2 {
			continue
		}
		cell.DuplicatedObjects += g.Count
		cell.DuplicatesSize += float64(g.Size) * (1 - 1/float64(g.Count))
	}
	return cell
}

// CrossMatrix fills [A][B] and [B][A] for every unordered pair of buckets.
// It returns an empty matrix for fewer than two buckets.
func (c *Calculator) CrossMatrix(ctx context.Context, scope models.Scope, buckets []string) (_ models.Matrix, err error) {
	defer mon.Task()(&ctx)(&err)

	m := make(models.Matrix)
	if len(buckets) < 2 {
		return m, nil
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.parallelism)

	for i := 0; i < len(buckets); i++ {
		for j := i + 1; j < len(buckets); j++ {
			a, b := buckets[i], buckets[j]
			group.Go(func() error {
				shared, err := c.ledger.SharedTags(gctx, scope, a, b)
				if err != nil {
					return Error.Wrap(err)
				}
				ab, ba := CrossCells(shared)

				mu.Lock()
				defer mu.Unlock()
				m.Set(a, b, ab)
				m.Set(b, a, ba)
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	c.log.Debug("cross matrix computed", zap.Int("buckets", len(buckets)), zap.Int("pairs", len(buckets)*(len(buckets)-1)/2))
	return m, nil
}

// CrossCells aggregates the shared tags of a pair (A, B). Both cells carry
// the combined object count; each carries its own side's raw size.
func CrossCells(shared []models.SharedTag) (ab, ba *models.MatrixCell) {
	ab, ba = &models.MatrixCell{}, &models.MatrixCell{}
	for _, s := range shared {
		n := s.CountA + s.CountB
		ab.DuplicatedObjects += n
		ba.DuplicatedObjects += n
		ab.DuplicatesSize += float64(s.SizeA)
		ba.DuplicatesSize += float64(s.SizeB)
	}
	return ab, ba
}

// ObjectsWithDuplicates attributes every duplicate group to the buckets it
// touches. Groups confined to one bucket count their excess size; groups
// spanning buckets count every occurrence at full size.
func (c *Calculator) ObjectsWithDuplicates(ctx context.Context, scope models.Scope) (_ map[string]DuplicateTotals, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := c.ledger.TagBuckets(ctx, scope)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return AggregateDuplicates(rows), nil
}

// AggregateDuplicates computes the objects-with-duplicates totals from a
// tag's bucket multiset rows. Rows need not be sorted.
func AggregateDuplicates(rows []models.TagBucket) map[string]DuplicateTotals {
	byTag := make(map[string][]models.TagBucket)
	for _, r := range rows {
		byTag[r.Tag] = append(byTag[r.Tag], r)
	}

	totals := make(map[string]DuplicateTotals)
	for _, members := range byTag {
		if len(members) == 1 {
			m := members[0]
			t := totals[m.Bucket]
			t.Objects += m.Count
			t.Size += (m.Count - 1) * m.ItemSize
			totals[m.Bucket] = t
			continue
		}
		for _, m := range members {
			t := totals[m.Bucket]
			t.Objects += m.Count
			t.Size += m.Count * m.ItemSize
			totals[m.Bucket] = t
		}
	}
	return totals
}

// Merge combines a self and a cross matrix into one matrix keyed by bucket.
func Merge(self, cross models.Matrix) models.Matrix {
	m := make(models.Matrix, len(self))
	m.Merge(self)
	m.Merge(cross)
	return m
}
