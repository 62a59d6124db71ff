package enumerator

import (
	"context"
	"iter"

	"github.com/zeebo/errs"

	"github.com/thannaske/s3dedup/pkg/models"
)

var (
	// ErrEnumeration is returned when a provider is unreachable or misconfigured.
	ErrEnumeration = errs.Class("enumeration")
	// ErrBucketNotFound marks a bucket the provider reports as missing.
	ErrBucketNotFound = errs.Class("bucket not found")
)

// Outcome discriminates an enumeration Result.
type Outcome int

const (
	// OK carries a batch of objects for one bucket.
	OK Outcome = iota
	// Skip means the bucket should be skipped and enumeration continues.
	Skip
	// Fatal aborts the whole ingestion.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Skip:
		return "skip"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is one item of an enumeration: a batch scoped to one bucket, a
// skipped bucket, or a fatal error.
type Result struct {
	Outcome Outcome
	Bucket  string
	Objects []models.ObjectInfo
	Err     error
}

// Batch returns an OK result.
func Batch(bucket string, objects []models.ObjectInfo) Result {
	return Result{Outcome: OK, Bucket: bucket, Objects: objects}
}

// Skipped returns a Skip result for bucket.
func Skipped(bucket string, reason error) Result {
	return Result{Outcome: Skip, Bucket: bucket, Err: reason}
}

// Failed returns a Fatal result.
func Failed(bucket string, err error) Result {
	return Result{Outcome: Fatal, Bucket: bucket, Err: err}
}

// ObjectEnumerator lists the objects of one cloud account. The sequence is
// lazy, finite and cannot be restarted. Implementations stop yielding after a
// Fatal result.
type ObjectEnumerator interface {
	Enumerate(ctx context.Context) iter.Seq[Result]
}

// Classify turns an error raised while listing bucket into a Skip or Fatal result.
func Classify(bucket string, err error) Result {
	if ErrBucketNotFound.Has(err) {
		return Skipped(bucket, err)
	}
	if !ErrEnumeration.Has(err) {
		err = ErrEnumeration.Wrap(err)
	}
	return Failed(bucket, err)
}
