package orchestrator_test

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/thannaske/s3dedup/pkg/db"
	"github.com/thannaske/s3dedup/pkg/enumerator"
	"github.com/thannaske/s3dedup/pkg/models"
	"github.com/thannaske/s3dedup/pkg/orchestrator"
	"github.com/thannaske/s3dedup/pkg/runcache"
)

// trackedCache counts Dispose calls on a real run cache.
type trackedCache struct {
	*runcache.Cache
	disposed int
}

func (c *trackedCache) Dispose() error {
	c.disposed++
	return c.Cache.Dispose()
}

type fixture struct {
	db     *db.DB
	orch   *orchestrator.Orchestrator
	caches []*trackedCache
}

func newFixture(t *testing.T, costs map[string]float64) *fixture {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitDB())

	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	if len(costs) > 0 {
		var rows []models.DailyCost
		for bucket, cost := range costs {
			rows = append(rows, models.DailyCost{Bucket: bucket, AccountID: "acct", Day: now.AddDate(0, 0, -5), Cost: cost})
		}
		require.NoError(t, database.StoreDailyCosts(context.Background(), rows))
	}

	f := &fixture{db: database}
	f.orch = orchestrator.New(zaptest.NewLogger(t), orchestrator.Config{
		OrgID:       "org",
		MinSize:     1,
		Parallelism: 2,
	}, database, database, database)
	f.orch.SetNow(func() time.Time { return now })

	cacheDir := t.TempDir()
	f.orch.SetCacheFactory(func(log *zap.Logger, runID string) (orchestrator.Cache, error) {
		c, err := runcache.New(log, cacheDir, runID)
		if err != nil {
			return nil, err
		}
		tc := &trackedCache{Cache: c}
		f.caches = append(f.caches, tc)
		return tc, nil
	})
	return f
}

func scenario() []enumerator.ObjectEnumerator {
	return []enumerator.ObjectEnumerator{
		&enumerator.Static{
			Order: []string{"bucket1"},
			Buckets: map[string][]models.ObjectInfo{
				"bucket1": {
					{Tag: "A", Key: "a1", Size: 10},
					{Tag: "A", Key: "a2", Size: 10},
					{Tag: "B", Key: "b1", Size: 5},
				},
			},
		},
		&enumerator.Static{
			Order: []string{"bucket2"},
			Buckets: map[string][]models.ObjectInfo{
				"bucket2": {
					{Tag: "A", Key: "a3", Size: 10},
					{Tag: "C", Key: "c1", Size: 7},
				},
			},
		},
	}
}

func TestRunScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]float64{"bucket1": 1})

	run, err := f.orch.Run(ctx, scenario())
	require.NoError(t, err)
	require.Equal(t, string(orchestrator.Completed), run.State)
	report := run.Report
	require.NotNil(t, report)

	assert.EqualValues(t, 5, report.TotalObjects)
	assert.EqualValues(t, 5, report.FilteredObjects)
	assert.EqualValues(t, 42, report.TotalSize)
	assert.EqualValues(t, 3, report.DuplicatedObjects)
	assert.EqualValues(t, 20, report.DuplicatesSize)

	self := report.Matrix.Get("bucket1", "bucket1")
	require.NotNil(t, self)
	assert.EqualValues(t, 2, self.DuplicatedObjects)
	assert.InDelta(t, 10.0, self.DuplicatesSize, 1e-9)

	ab, ba := report.Matrix.Get("bucket1", "bucket2"), report.Matrix.Get("bucket2", "bucket1")
	require.NotNil(t, ab)
	require.NotNil(t, ba)
	assert.EqualValues(t, 3, ab.DuplicatedObjects)
	assert.EqualValues(t, 3, ba.DuplicatedObjects)
	assert.InDelta(t, 20.0, ab.DuplicatesSize, 1e-9)
	assert.InDelta(t, 10.0, ba.DuplicatesSize, 1e-9)

	b1 := report.PerBucket["bucket1"]
	assert.EqualValues(t, 2, b1.ObjectsWithDuplicates)
	assert.EqualValues(t, 20, b1.ObjectsWithDuplicatesSize)
	b2 := report.PerBucket["bucket2"]
	assert.EqualValues(t, 1, b2.ObjectsWithDuplicates)
	assert.EqualValues(t, 10, b2.ObjectsWithDuplicatesSize)

	// bucket1 costs 1/day: 30/month, self excess 10 of 25 bytes
	require.NotNil(t, b1.MonthlyCost)
	assert.InDelta(t, 30.0, *b1.MonthlyCost, 1e-9)
	require.NotNil(t, b1.MonthlySavings)
	assert.InDelta(t, 12.0, *b1.MonthlySavings, 1e-9)
	require.NotNil(t, self.MonthlySavings)
	require.NotNil(t, ab.MonthlySavings)
	assert.InDelta(t, 24.0, *ab.MonthlySavings, 1e-9)

	// no cost rows for bucket2: zero cost, zero savings
	require.NotNil(t, b2.MonthlyCost)
	assert.Zero(t, *b2.MonthlyCost)

	require.Len(t, f.caches, 1)
	assert.Equal(t, 1, f.caches[0].disposed)
	assert.NoDirExists(t, f.caches[0].Dir())

	stored, err := f.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.Completed), stored.State)
	require.NotNil(t, stored.Report)
	assert.EqualValues(t, 20, stored.Report.DuplicatesSize)
}

func TestRunSkipsMissingBucket(t *testing.T) {
	f := newFixture(t, nil)

	enumerators := scenario()
	enumerators = append(enumerators, &enumerator.Static{Missing: []string{"gone"}})

	run, err := f.orch.Run(context.Background(), enumerators)
	require.NoError(t, err)
	require.Equal(t, string(orchestrator.Completed), run.State)
	assert.EqualValues(t, 5, run.Report.TotalObjects)
	assert.EqualValues(t, 3, run.Report.DuplicatedObjects)
	assert.NotContains(t, run.Report.PerBucket, "gone")
}

func TestRunFailsOnEnumerationError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	enumerators := append(scenario(), &enumerator.Static{Err: errors.New("invalid credentials")})

	run, err := f.orch.Run(ctx, enumerators)
	require.Error(t, err)
	assert.True(t, orchestrator.Error.Has(err))
	assert.True(t, enumerator.ErrEnumeration.Has(err))
	assert.Equal(t, string(orchestrator.Failed), run.State)
	assert.Nil(t, run.Report)
	assert.Contains(t, run.Error, "invalid credentials")

	require.Len(t, f.caches, 1)
	assert.Equal(t, 1, f.caches[0].disposed)

	stored, err := f.db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.Failed), stored.State)
	assert.Contains(t, stored.Error, "invalid credentials")
	assert.Nil(t, stored.Report)
}

// cancelling cancels the run context before delegating to inner.
type cancelling struct {
	cancel context.CancelFunc
	inner  enumerator.ObjectEnumerator
}

func (c cancelling) Enumerate(ctx context.Context) iter.Seq[enumerator.Result] {
	c.cancel()
	return c.inner.Enumerate(ctx)
}

func TestRunCancelledStillDisposes(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := f.orch.Run(ctx, []enumerator.ObjectEnumerator{cancelling{cancel: cancel, inner: scenario()[0]}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, string(orchestrator.Failed), run.State)

	require.Len(t, f.caches, 1)
	assert.Equal(t, 1, f.caches[0].disposed)
	assert.NoDirExists(t, f.caches[0].Dir())

	stored, err := f.db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.Failed), stored.State)
}

func TestRunSingleBucketHasNoCrossCells(t *testing.T) {
	f := newFixture(t, nil)

	run, err := f.orch.Run(context.Background(), scenario()[:1])
	require.NoError(t, err)
	require.Len(t, run.Report.Matrix, 1)
	require.Len(t, run.Report.Matrix["bucket1"], 1)
	assert.EqualValues(t, 2, run.Report.PerBucket["bucket1"].ObjectsWithDuplicates)
	assert.EqualValues(t, 10, run.Report.PerBucket["bucket1"].ObjectsWithDuplicatesSize)
}

func TestRunsAreScopedSeparately(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.orch.Run(context.Background(), scenario())
	require.NoError(t, err)
	second, err := f.orch.Run(context.Background(), scenario())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 3, second.Report.Matrix.Get("bucket1", "bucket2").DuplicatedObjects)
}

func newLedger(t *testing.T) *db.DB {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitDB())
	return database
}

func TestRunWithoutRunRecorder(t *testing.T) {
	database := newLedger(t)

	orch := orchestrator.New(zaptest.NewLogger(t), orchestrator.Config{
		OrgID:    "org",
		MinSize:  1,
		CacheDir: t.TempDir(),
	}, database, nil, nil)

	run, err := orch.Run(context.Background(), scenario())
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.Completed), run.State)
	assert.EqualValues(t, 3, run.Report.DuplicatedObjects)
	assert.EqualValues(t, 3, run.Report.Matrix.Get("bucket1", "bucket2").DuplicatedObjects)
	assert.Nil(t, run.Report.PerBucket["bucket1"].MonthlyCost)

	_, err = database.GetRun(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, db.ErrRunNotFound.Has(err))
}

type failingCosts struct{}

func (failingCosts) DailyCost(context.Context, []string, []string, time.Time, time.Time) (map[string]float64, error) {
	return nil, errors.New("billing export unavailable")
}

func TestRunCompletesWhenCostLookupFails(t *testing.T) {
	database := newLedger(t)

	orch := orchestrator.New(zaptest.NewLogger(t), orchestrator.Config{
		OrgID:    "org",
		MinSize:  1,
		CacheDir: t.TempDir(),
	}, database, database, failingCosts{})

	run, err := orch.Run(context.Background(), scenario())
	require.NoError(t, err)
	require.Equal(t, string(orchestrator.Completed), run.State)

	for bucket, stats := range run.Report.PerBucket {
		assert.Nil(t, stats.MonthlyCost, bucket)
		assert.Nil(t, stats.MonthlySavings, bucket)
	}
	for row, cols := range run.Report.Matrix {
		for col, cell := range cols {
			assert.Nil(t, cell.MonthlySavings, row+"/"+col)
		}
	}
	assert.EqualValues(t, 20, run.Report.DuplicatesSize)
}

func TestRunReportsPersistingTime(t *testing.T) {
	f := newFixture(t, nil)

	tick := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	f.orch.SetNow(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	run, err := f.orch.Run(context.Background(), scenario())
	require.NoError(t, err)
	assert.Equal(t, time.Second, run.Report.TimePersisting)
	assert.GreaterOrEqual(t, run.Report.TimeEnumerating, time.Duration(0))

	stored, err := f.db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Report)
	assert.Equal(t, time.Second, stored.Report.TimePersisting)
}
