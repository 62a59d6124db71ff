package enumerator

import (
	"context"
	"iter"

	"github.com/thannaske/s3dedup/pkg/models"
)

// Static enumerates a fixed, in-memory set of buckets. Buckets listed in
// Missing are reported as not found; Err, when set, is yielded as a fatal
// result after all buckets.
type Static struct {
	Buckets   map[string][]models.ObjectInfo
	Order     []string
	Missing   []string
	Err       error
	BatchSize int
}

// Enumerate implements ObjectEnumerator.
func (s *Static) Enumerate(ctx context.Context) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		for _, name := range s.Missing {
			if !yield(Skipped(name, ErrBucketNotFound.New("%s", name))) {
				return
			}
		}

		for _, name := range s.order() {
			if err := ctx.Err(); err != nil {
				yield(Failed(name, ErrEnumeration.Wrap(err)))
				return
			}
			objects := s.Buckets[name]
			size := s.BatchSize
			if size <= 0 {
				size = len(objects)
			}
			if len(objects) == 0 {
				if !yield(Batch(name, nil)) {
					return
				}
				continue
			}
			for start := 0; start < len(objects); start += size {
				end := min(start+size, len(objects))
				if !yield(Batch(name, objects[start:end])) {
					return
				}
			}
		}

		if s.Err != nil {
			yield(Classify("", s.Err))
		}
	}
}

func (s *Static) order() []string {
	if len(s.Order) > 0 {
		return s.Order
	}
	names := make([]string, 0, len(s.Buckets))
	for name := range s.Buckets {
		names = append(names, name)
	}
	return names
}
