// Package dedup ingests enumerated objects into the run cache and extracts
// duplicate groups from it.
package dedup

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/enumerator"
	"github.com/thannaske/s3dedup/pkg/models"
)

var mon = monkit.Package()

// Cache is the part of the run cache used by the engine.
type Cache interface {
	Add(ctx context.Context, records []models.ObjectRecord) error
	DuplicateGroups(ctx context.Context, fn func(models.ObjectRecord) error) error
}

// Engine accumulates run statistics while moving objects through the cache.
type Engine struct {
	log   *zap.Logger
	cache Cache
	stats *models.RunStats
	nowFn func() time.Time
}

// NewEngine creates an engine writing into cache and accumulating into stats.
func NewEngine(log *zap.Logger, cache Cache, stats *models.RunStats) *Engine {
	return &Engine{
		log:   log,
		cache: cache,
		stats: stats,
		nowFn: time.Now,
	}
}

// EffectiveMinSize returns the minimum object size admitted into the cache.
// Zero or negative values become 1 so empty placeholder objects are dropped.
func EffectiveMinSize(minSize int64) int64 {
	if minSize > 0 {
		return minSize
	}
	return 1
}

// Ingest drains every enumerator into the cache. Skipped buckets are logged
// and ignored; a fatal result aborts ingestion and is returned.
func (e *Engine) Ingest(ctx context.Context, enumerators []enumerator.ObjectEnumerator, minSize int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := e.nowFn()
	defer func() { e.stats.TimeSpentEnumerating += e.nowFn().Sub(start) }()

	threshold := EffectiveMinSize(minSize)
	for _, en := range enumerators {
		for res := range en.Enumerate(ctx) {
			switch res.Outcome {
			case enumerator.Skip:
				e.log.Warn("skipping bucket", zap.String("bucket", res.Bucket), zap.Error(res.Err))
			case enumerator.Fatal:
				return res.Err
			default:
				if err := e.ingestBatch(ctx, res.Bucket, res.Objects, threshold); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (e *Engine) ingestBatch(ctx context.Context, bucket string, objects []models.ObjectInfo, threshold int64) error {
	filtered := make([]models.ObjectRecord, 0, len(objects))
	var size int64
	for _, obj := range objects {
		if obj.Size < threshold {
			continue
		}
		filtered = append(filtered, models.ObjectRecord{
			Tag:    obj.Tag,
			Bucket: bucket,
			Key:    obj.Key,
			Size:   obj.Size,
		})
		size += obj.Size
	}

	e.stats.TotalObjects += int64(len(objects))
	e.stats.FilteredObjects += int64(len(filtered))
	e.stats.TotalSize += size

	b := e.stats.Bucket(bucket)
	b.TotalObjects += int64(len(objects))
	b.FilteredObjects += int64(len(filtered))
	b.Size += size

	return e.cache.Add(ctx, filtered)
}

// ExtractDuplicates reads the tag-ordered duplicate records from the cache.
// Every member of a group counts toward DuplicatedObjects; all but the first
// member of each group count toward DuplicatesSize.
func (e *Engine) ExtractDuplicates(ctx context.Context) (records []models.ObjectRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		current string
		excess  int64
		members int64
	)
	flush := func() {
		if members > 1 {
			e.stats.DuplicatedObjects += members
			e.stats.DuplicatesSize += excess
		}
		members, excess = 0, 0
	}

	err = e.cache.DuplicateGroups(ctx, func(r models.ObjectRecord) error {
		if members == 0 || r.Tag != current {
			flush()
			current = r.Tag
		} else {
			excess += r.Size
		}
		members++
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	flush()

	e.log.Debug("duplicates extracted",
		zap.Int("records", len(records)),
		zap.Int64("duplicated_objects", e.stats.DuplicatedObjects),
		zap.Int64("duplicates_size", e.stats.DuplicatesSize))
	return records, nil
}
