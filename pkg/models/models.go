package models

import (
	"time"
)

// ObjectRecord is one object discovered in a bucket. Tag is the content
// fingerprint (an ETag without surrounding quotes) and is the dedup key.
type ObjectRecord struct {
	Tag    string `json:"tag"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// ObjectInfo is an object as yielded by an enumerator, before it is bound to a bucket.
type ObjectInfo struct {
	Tag  string `json:"tag"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// BucketStats holds the per-bucket counters of a run
type BucketStats struct {
	TotalObjects              int64    `json:"total_objects"`
	FilteredObjects           int64    `json:"filtered_objects"`
	Size                      int64    `json:"size"`
	ObjectsWithDuplicates     int64    `json:"objects_with_duplicates"`
	ObjectsWithDuplicatesSize int64    `json:"objects_with_duplicates_size"`
	MonthlyCost               *float64 `json:"monthly_cost,omitempty"`
	MonthlySavings            *float64 `json:"monthly_savings,omitempty"`
}

// RunStats aggregates the counters of a single run.
//
// DuplicatedObjects counts every member of every duplicate group, while
// DuplicatesSize sums only the excess bytes (all but one member per group).
type RunStats struct {
	TotalObjects         int64                   `json:"total_objects"`
	FilteredObjects      int64                   `json:"filtered_objects"`
	TotalSize            int64                   `json:"total_size"`
	DuplicatesSize       int64                   `json:"duplicates_size"`
	DuplicatedObjects    int64                   `json:"duplicated_objects"`
	TimeSpentEnumerating time.Duration           `json:"time_spent_enumerating"`
	TimeSpentPersisting  time.Duration           `json:"time_spent_persisting"`
	PerBucket            map[string]*BucketStats `json:"per_bucket"`
}

// NewRunStats returns empty stats ready for accumulation
func NewRunStats() *RunStats {
	return &RunStats{PerBucket: make(map[string]*BucketStats)}
}

// Bucket returns the stats for a bucket, creating them on first use
func (s *RunStats) Bucket(name string) *BucketStats {
	b, ok := s.PerBucket[name]
	if !ok {
		b = &BucketStats{}
		s.PerBucket[name] = b
	}
	return b
}

// MatrixCell describes duplication between a bucket and itself or another bucket.
// MonthlySavings is nil when no cost data was available for the row bucket.
type MatrixCell struct {
	DuplicatedObjects int64    `json:"duplicated_objects"`
	DuplicatesSize    float64  `json:"duplicates_size"`
	MonthlySavings    *float64 `json:"monthly_savings,omitempty"`
}

// Matrix maps bucket -> other bucket -> cell. The diagonal holds self-duplication.
type Matrix map[string]map[string]*MatrixCell

// Set stores a cell at [row][col]
func (m Matrix) Set(row, col string, cell *MatrixCell) {
	r, ok := m[row]
	if !ok {
		r = make(map[string]*MatrixCell)
		m[row] = r
	}
	r[col] = cell
}

// Get returns the cell at [row][col] or nil
func (m Matrix) Get(row, col string) *MatrixCell {
	return m[row][col]
}

// Merge copies every cell of other into m, overwriting existing cells.
func (m Matrix) Merge(other Matrix) {
	for row, cols := range other {
		for col, cell := range cols {
			m.Set(row, col, cell)
		}
	}
}

// BucketCostInfo is the externally sourced size and cost of a bucket
type BucketCostInfo struct {
	Size        int64
	MonthlyCost *float64
}

// Report is the final output of a completed run
type Report struct {
	RunID             string                  `json:"run_id"`
	TotalObjects      int64                   `json:"total_objects"`
	FilteredObjects   int64                   `json:"filtered_objects"`
	TotalSize         int64                   `json:"total_size"`
	DuplicatesSize    int64                   `json:"duplicates_size"`
	DuplicatedObjects int64                   `json:"duplicated_objects"`
	TimeEnumerating   time.Duration           `json:"time_enumerating"`
	TimePersisting    time.Duration           `json:"time_persisting"`
	PerBucket         map[string]*BucketStats `json:"per_bucket"`
	Matrix            Matrix                  `json:"matrix"`
}

// Run is the ledger record of one pipeline execution
type Run struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Report     *Report   `json:"report,omitempty"`
}

// Account represents one cloud account to enumerate
type Account struct {
	ID        string   `json:"id" yaml:"id"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	AccessKey string   `json:"access_key" yaml:"access_key"`
	SecretKey string   `json:"secret_key" yaml:"secret_key"`
	Region    string   `json:"region" yaml:"region"`
	Buckets   []string `json:"buckets" yaml:"buckets"`
	AdminAPI  bool     `json:"admin_api" yaml:"admin_api"`
}

// Config represents the application configuration
type Config struct {
	DBPath         string    `json:"db_path" yaml:"db_path"`
	CacheDir       string    `json:"cache_dir" yaml:"cache_dir"`
	OrgID          string    `json:"org_id" yaml:"org_id"`
	MinSize        int64     `json:"min_size" yaml:"min_size"`
	CostWindowDays int       `json:"cost_window_days" yaml:"cost_window_days"`
	Accounts       []Account `json:"accounts" yaml:"accounts"`
}
