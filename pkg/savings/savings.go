// Package savings converts duplicate byte counts into monthly cost figures.
package savings

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/models"
)

// ErrCostLookup marks a failed cost lookup. It is never fatal to a run.
var ErrCostLookup = errs.Class("cost lookup")

const (
	// DaysPerMonth converts an average daily cost into a monthly one.
	DaysPerMonth = 30
	// BillingLag is how far the cost window ends before now, to let billing data settle.
	BillingLag = 3 * 24 * time.Hour
	// DefaultWindowDays is the cost window length when none is configured.
	DefaultWindowDays = 30
)

// CostLookup returns the average daily cost per bucket over a date range.
// Buckets without data may be omitted.
type CostLookup interface {
	DailyCost(ctx context.Context, buckets, accountIDs []string, from, to time.Time) (map[string]float64, error)
}

// MonthlySavings returns duplicatesSize / bucketTotalSize * monthlyCost, or 0
// when the bucket is empty or the cost is absent or zero.
func MonthlySavings(duplicatesSize float64, bucketTotalSize int64, monthlyCost *float64) float64 {
	if bucketTotalSize <= 0 || monthlyCost == nil || *monthlyCost == 0 {
		return 0
	}
	return duplicatesSize / float64(bucketTotalSize) * *monthlyCost
}

// Window returns the cost window of days length ending BillingLag before now.
func Window(now time.Time, days int) (from, to time.Time) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	to = now.Add(-BillingLag)
	from = to.AddDate(0, 0, -days+1)
	return from, to
}

// Estimator looks up bucket costs and applies them to a matrix
type Estimator struct {
	log        *zap.Logger
	lookup     CostLookup
	windowDays int
	nowFn      func() time.Time
}

// NewEstimator creates an Estimator. A nil lookup means no cost data.
func NewEstimator(log *zap.Logger, lookup CostLookup, windowDays int) *Estimator {
	return &Estimator{log: log, lookup: lookup, windowDays: windowDays, nowFn: time.Now}
}

// SetNow overrides the clock used for the cost window.
func (e *Estimator) SetNow(now func() time.Time) {
	e.nowFn = now
}

// BucketCosts returns the cost info of every bucket. Lookup failures are
// logged and leave MonthlyCost nil for every bucket. Buckets missing from the
// lookup result get a zero cost.
func (e *Estimator) BucketCosts(ctx context.Context, sizes map[string]int64, accountIDs []string) map[string]models.BucketCostInfo {
	info := make(map[string]models.BucketCostInfo, len(sizes))
	buckets := make([]string, 0, len(sizes))
	for bucket, size := range sizes {
		info[bucket] = models.BucketCostInfo{Size: size}
		buckets = append(buckets, bucket)
	}
	if e.lookup == nil || len(buckets) == 0 {
		return info
	}

	from, to := Window(e.nowFn(), e.windowDays)
	daily, err := e.lookup.DailyCost(ctx, buckets, accountIDs, from, to)
	if err != nil {
		e.log.Warn("cost lookup failed, savings will not be computed", zap.Error(ErrCostLookup.Wrap(err)))
		return info
	}

	for bucket, ci := range info {
		monthly := daily[bucket] * DaysPerMonth
		ci.MonthlyCost = &monthly
		info[bucket] = ci
	}
	return info
}

// Apply sets MonthlySavings on every matrix cell whose row bucket has cost
// data. The row bucket's total size and monthly cost are used.
func Apply(m models.Matrix, costs map[string]models.BucketCostInfo) {
	for row, cols := range m {
		ci, ok := costs[row]
		if !ok || ci.MonthlyCost == nil {
			continue
		}
		for _, cell := range cols {
			s := MonthlySavings(cell.DuplicatesSize, ci.Size, ci.MonthlyCost)
			cell.MonthlySavings = &s
		}
	}
}
