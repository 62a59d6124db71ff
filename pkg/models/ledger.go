package models

import "time"

// Scope identifies the ledger rows of one organization's run
type Scope struct {
	OrgID string `json:"org_id"`
	RunID string `json:"run_id"`
}

// TagGroup is a tag occurring more than once inside a single bucket
type TagGroup struct {
	Tag   string
	Count int64
	Size  int64
}

// SharedTag is a tag present in both buckets of a pair, with the raw count and
// size on each side.
type SharedTag struct {
	Tag    string
	CountA int64
	SizeA  int64
	CountB int64
	SizeB  int64
}

// TagBucket is one entry of a duplicate tag's bucket multiset
type TagBucket struct {
	Tag      string
	Bucket   string
	Count    int64
	ItemSize int64
}

// DailyCost is one day of billing data for a bucket
type DailyCost struct {
	Bucket    string    `json:"bucket"`
	AccountID string    `json:"account_id"`
	Day       time.Time `json:"day"`
	Cost      float64   `json:"cost"`
}
