// Package orchestrator drives one deduplication run end to end: ingestion into
// the run cache, duplicate extraction, persistence to the ledger, matrix
// computation and savings estimation. The run cache is always disposed,
// whether the run completes or fails.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/dedup"
	"github.com/thannaske/s3dedup/pkg/enumerator"
	"github.com/thannaske/s3dedup/pkg/matrix"
	"github.com/thannaske/s3dedup/pkg/models"
	"github.com/thannaske/s3dedup/pkg/runcache"
	"github.com/thannaske/s3dedup/pkg/savings"
)

var (
	// Error is the error class for failed runs
	Error = errs.Class("run")
	mon   = monkit.Package()
)

// State is a step of the run state machine
type State string

// Run states in pipeline order. Failed is reachable from any non-terminal state.
const (
	Created             State = "CREATED"
	Caching             State = "CACHING"
	DuplicateExtraction State = "DUPLICATE_EXTRACTION"
	Persisted           State = "PERSISTED"
	MatrixComputation   State = "MATRIX_COMPUTATION"
	SavingsComputation  State = "SAVINGS_COMPUTATION"
	Completed           State = "COMPLETED"
	Failed              State = "FAILED"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Ledger persists duplicate records and answers the matrix aggregates
type Ledger interface {
	matrix.Ledger
	AppendObjects(ctx context.Context, scope models.Scope, records []models.ObjectRecord) error
}

// RunRecorder keeps the durable record of runs
type RunRecorder interface {
	CreateRun(ctx context.Context, run models.Run) error
	UpdateRunState(ctx context.Context, runID, state string) error
	FinishRun(ctx context.Context, runID, state string, finishedAt time.Time, report *models.Report, errMsg string) error
}

// Cache is a run cache the orchestrator owns for one run
type Cache interface {
	dedup.Cache
	Dispose() error
}

// CacheFactory allocates a fresh cache for runID
type CacheFactory func(log *zap.Logger, runID string) (Cache, error)

// Config holds the per-organization run settings
type Config struct {
	OrgID          string
	MinSize        int64
	CacheDir       string
	AccountIDs     []string
	CostWindowDays int
	Parallelism    int
}

// Orchestrator runs the pipeline
type Orchestrator struct {
	log      *zap.Logger
	config   Config
	ledger   Ledger
	runs     RunRecorder
	costs    savings.CostLookup
	newCache CacheFactory
	nowFn    func() time.Time
	newID    func() string
}

// New creates an orchestrator. runs and costs may be nil: without runs no run
// records are kept, without costs no savings are computed.
func New(log *zap.Logger, config Config, ledger Ledger, runs RunRecorder, costs savings.CostLookup) *Orchestrator {
	return &Orchestrator{
		log:    log,
		config: config,
		ledger: ledger,
		runs:   runs,
		costs:  costs,
		newCache: func(log *zap.Logger, runID string) (Cache, error) {
			return runcache.New(log, config.CacheDir, runID)
		},
		nowFn: time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// SetCacheFactory replaces the run cache allocator
func (o *Orchestrator) SetCacheFactory(factory CacheFactory) {
	o.newCache = factory
}

// SetNow overrides the clock
func (o *Orchestrator) SetNow(now func() time.Time) {
	o.nowFn = now
}

// run carries the mutable state of one execution
type run struct {
	record models.Run
	log    *zap.Logger
	scope  models.Scope
	stats  *models.RunStats
}

// Run executes the pipeline over enumerators. The returned run is never nil;
// on failure its state is Failed and Error holds the message.
func (o *Orchestrator) Run(ctx context.Context, enumerators []enumerator.ObjectEnumerator) (_ *models.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	id := o.newID()
	r := &run{
		record: models.Run{ID: id, OrgID: o.config.OrgID, State: string(Created), StartedAt: o.nowFn()},
		log:    o.log.With(zap.String("run", id), zap.String("org", o.config.OrgID)),
		scope:  models.Scope{OrgID: o.config.OrgID, RunID: id},
		stats:  models.NewRunStats(),
	}

	if o.runs != nil {
		if err := o.runs.CreateRun(ctx, r.record); err != nil {
			r.record.State = string(Failed)
			r.record.Error = err.Error()
			return &r.record, Error.Wrap(err)
		}
	}

	defer func() {
		if err != nil {
			o.fail(ctx, r, err)
		}
	}()

	cache, err := o.newCache(r.log.Named("cache"), id)
	if err != nil {
		return &r.record, Error.Wrap(err)
	}
	defer func() {
		if derr := cache.Dispose(); derr != nil {
			r.log.Warn("failed to dispose run cache", zap.Error(derr))
		}
	}()

	report, err := o.execute(ctx, r, cache, enumerators)
	if err != nil {
		return &r.record, Error.Wrap(err)
	}

	r.record.Report = report
	if err := o.transition(ctx, r, Completed); err != nil {
		return &r.record, Error.Wrap(err)
	}
	r.record.FinishedAt = o.nowFn()
	if o.runs != nil {
		if err := o.runs.FinishRun(ctx, id, string(Completed), r.record.FinishedAt, report, ""); err != nil {
			return &r.record, Error.Wrap(err)
		}
	}

	r.log.Info("run completed",
		zap.Int64("total_objects", report.TotalObjects),
		zap.Int64("duplicated_objects", report.DuplicatedObjects),
		zap.Int64("duplicates_size", report.DuplicatesSize),
		zap.Duration("time_enumerating", report.TimeEnumerating),
		zap.Duration("time_persisting", report.TimePersisting))
	return &r.record, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, cache Cache, enumerators []enumerator.ObjectEnumerator) (*models.Report, error) {
	engine := dedup.NewEngine(r.log.Named("dedup"), cache, r.stats)

	if err := o.transition(ctx, r, Caching); err != nil {
		return nil, err
	}
	if err := engine.Ingest(ctx, enumerators, o.config.MinSize); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, r, DuplicateExtraction); err != nil {
		return nil, err
	}
	records, err := engine.ExtractDuplicates(ctx)
	if err != nil {
		return nil, err
	}

	start := o.nowFn()
	if err := o.ledger.AppendObjects(ctx, r.scope, records); err != nil {
		return nil, err
	}
	r.stats.TimeSpentPersisting += o.nowFn().Sub(start)
	if err := o.transition(ctx, r, Persisted); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, r, MatrixComputation); err != nil {
		return nil, err
	}
	buckets := sortedBuckets(r.stats)
	sizes := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		sizes[b] = r.stats.PerBucket[b].Size
	}
	estimator := savings.NewEstimator(r.log.Named("savings"), o.costs, o.config.CostWindowDays)
	estimator.SetNow(o.nowFn)
	costs := estimator.BucketCosts(ctx, sizes, o.config.AccountIDs)

	calc := matrix.NewCalculator(r.log.Named("matrix"), o.ledger, o.config.Parallelism)
	self, err := calc.SelfMatrix(ctx, r.scope, buckets)
	if err != nil {
		return nil, err
	}
	cross := make(models.Matrix)
	if len(buckets) > 1 {
		cross, err = calc.CrossMatrix(ctx, r.scope, buckets)
		if err != nil {
			return nil, err
		}
	}
	m := matrix.Merge(self, cross)

	totals, err := calc.ObjectsWithDuplicates(ctx, r.scope)
	if err != nil {
		return nil, err
	}
	for bucket, t := range totals {
		if b, ok := r.stats.PerBucket[bucket]; ok {
			b.ObjectsWithDuplicates = t.Objects
			b.ObjectsWithDuplicatesSize = t.Size
		}
	}

	if err := o.transition(ctx, r, SavingsComputation); err != nil {
		return nil, err
	}
	savings.Apply(m, costs)
	for _, bucket := range buckets {
		ci := costs[bucket]
		if ci.MonthlyCost == nil {
			continue
		}
		b := r.stats.PerBucket[bucket]
		cost := *ci.MonthlyCost
		b.MonthlyCost = &cost
		if cell := m.Get(bucket, bucket); cell != nil && cell.MonthlySavings != nil {
			s := *cell.MonthlySavings
			b.MonthlySavings = &s
		}
	}

	return &models.Report{
		RunID:             r.record.ID,
		TotalObjects:      r.stats.TotalObjects,
		FilteredObjects:   r.stats.FilteredObjects,
		TotalSize:         r.stats.TotalSize,
		DuplicatesSize:    r.stats.DuplicatesSize,
		DuplicatedObjects: r.stats.DuplicatedObjects,
		TimeEnumerating:   r.stats.TimeSpentEnumerating,
		TimePersisting:    r.stats.TimeSpentPersisting,
		PerBucket:         r.stats.PerBucket,
		Matrix:            m,
	}, nil
}

// fail records err as the terminal state of r. The record is written even
// when ctx is already cancelled.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) {
	failedIn := r.record.State
	r.record.State = string(Failed)
	r.record.Error = err.Error()
	r.record.Report = nil
	r.record.FinishedAt = o.nowFn()

	r.log.Error("run failed", zap.String("state", failedIn), zap.Error(err))
	if o.runs == nil {
		return
	}
	if rerr := o.runs.FinishRun(context.WithoutCancel(ctx), r.record.ID, string(Failed), r.record.FinishedAt, nil, r.record.Error); rerr != nil {
		r.log.Error("failed to record run failure", zap.Error(rerr))
	}
}

func (o *Orchestrator) transition(ctx context.Context, r *run, next State) error {
	r.log.Debug("run state", zap.String("from", r.record.State), zap.String("to", string(next)))
	r.record.State = string(next)
	if o.runs == nil || next == Completed {
		return nil
	}
	return o.runs.UpdateRunState(ctx, r.record.ID, string(next))
}

func sortedBuckets(stats *models.RunStats) []string {
	buckets := make([]string, 0, len(stats.PerBucket))
	for b := range stats.PerBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	return buckets
}
