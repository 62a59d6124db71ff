package main

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thannaske/s3dedup/pkg/models"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s3dedup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/s3dedup.db
org_id: acme
min_size: 4096
cost_window_days: 14
accounts:
  - endpoint: https://rgw.example.com
    access_key: AK
    secret_key: SK
    region: eu
    admin_api: true
  - id: aws-prod
    endpoint: https://s3.amazonaws.com
    access_key: AK2
    secret_key: SK2
    buckets: [logs, backups]
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/s3dedup.db", cfg.DBPath)
	assert.Equal(t, "acme", cfg.OrgID)
	assert.EqualValues(t, 4096, cfg.MinSize)
	assert.Equal(t, 14, cfg.CostWindowDays)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "https://rgw.example.com", cfg.Accounts[0].ID)
	assert.True(t, cfg.Accounts[0].AdminAPI)
	assert.Equal(t, "aws-prod", cfg.Accounts[1].ID)
	assert.Equal(t, []string{"logs", "backups"}, cfg.Accounts[1].Buckets)

	empty, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, empty.Accounts)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"S3_ENDPOINT":      "http://localhost:7480",
		"S3_ACCESS_KEY":    "key",
		"S3_SECRET_KEY":    "secret",
		"S3_DB_PATH":       "/tmp/ledger.db",
		"S3DEDUP_ORG":      "env-org",
		"S3DEDUP_MIN_SIZE": "512",
	}
	cfg := models.Config{OrgID: "file-org"}
	require.NoError(t, applyEnv(&cfg, func(k string) string { return env[k] }))

	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "http://localhost:7480", cfg.Accounts[0].Endpoint)
	assert.Equal(t, "http://localhost:7480", cfg.Accounts[0].ID)
	assert.Equal(t, "key", cfg.Accounts[0].AccessKey)
	assert.Equal(t, "secret", cfg.Accounts[0].SecretKey)
	assert.Equal(t, "default", cfg.Accounts[0].Region)
	assert.Equal(t, "/tmp/ledger.db", cfg.DBPath)
	assert.Equal(t, "env-org", cfg.OrgID)
	assert.EqualValues(t, 512, cfg.MinSize)

	untouched := models.Config{OrgID: "file-org"}
	require.NoError(t, applyEnv(&untouched, func(string) string { return "" }))
	assert.Empty(t, untouched.Accounts)
	assert.Equal(t, "file-org", untouched.OrgID)

	bad := models.Config{MinSize: 7}
	err := applyEnv(&bad, func(k string) string {
		if k == "S3DEDUP_MIN_SIZE" {
			return "4k"
		}
		return ""
	})
	require.ErrorContains(t, err, "S3DEDUP_MIN_SIZE")
	assert.EqualValues(t, 7, bad.MinSize)
}

func TestInitConfigMergesAccountFlagsWithEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("S3_ENDPOINT", "http://rgw:7480")
	t.Setenv("S3_ACCESS_KEY", "")
	t.Setenv("S3_SECRET_KEY", "")
	t.Setenv("S3_REGION", "")
	t.Setenv("S3DEDUP_MIN_SIZE", "")
	t.Setenv("S3_DB_PATH", "")
	t.Setenv("S3DEDUP_ORG", "")

	require.NoError(t, runCmd.ParseFlags([]string{"--access-key", "K", "--secret-key", "S", "--bucket", "photos"}))
	require.NoError(t, initConfig(runCmd))

	require.Len(t, config.Accounts, 1)
	a := config.Accounts[0]
	assert.Equal(t, "http://rgw:7480", a.Endpoint)
	assert.Equal(t, "K", a.AccessKey)
	assert.Equal(t, "S", a.SecretKey)
	assert.Equal(t, []string{"photos"}, a.Buckets)
}

func TestApplyAccountFlags(t *testing.T) {
	changed := func(names ...string) func(string) bool {
		return func(name string) bool { return slices.Contains(names, name) }
	}

	cfg := models.Config{Accounts: []models.Account{{ID: "prod", Endpoint: "https://s3.example.com", AccessKey: "file-key", Region: "eu"}}}
	applyAccountFlags(&cfg, changed("bucket", "admin-api"), models.Account{Buckets: []string{"logs"}, AdminAPI: true, AccessKey: "ignored"})
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "prod", cfg.Accounts[0].ID)
	assert.Equal(t, "file-key", cfg.Accounts[0].AccessKey)
	assert.Equal(t, []string{"logs"}, cfg.Accounts[0].Buckets)
	assert.True(t, cfg.Accounts[0].AdminAPI)

	empty := models.Config{}
	applyAccountFlags(&empty, changed(), models.Account{Endpoint: "http://x"})
	assert.Empty(t, empty.Accounts)

	applyAccountFlags(&empty, changed("endpoint"), models.Account{Endpoint: "http://x"})
	require.Len(t, empty.Accounts, 1)
	assert.Equal(t, "http://x", empty.Accounts[0].ID)
	assert.Equal(t, "default", empty.Accounts[0].Region)
}

func TestParseCosts(t *testing.T) {
	costs, err := parseCosts(strings.NewReader("bucket,account_id,date,cost\nphotos,acct,2026-10-01,1.5\nlogs, acct, 2026-10-02, 0.25\n"))
	require.NoError(t, err)
	require.Equal(t, []models.DailyCost{
		{Bucket: "photos", AccountID: "acct", Day: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), Cost: 1.5},
		{Bucket: "logs", AccountID: "acct", Day: time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC), Cost: 0.25},
	}, costs)

	_, err = parseCosts(strings.NewReader("photos,acct,yesterday,1\n"))
	require.ErrorContains(t, err, "invalid date")

	_, err = parseCosts(strings.NewReader("photos,acct,2026-10-01\n"))
	require.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	savings := 12.0
	cost := 30.0
	m := models.Matrix{}
	m.Set("bucket1", "bucket1", &models.MatrixCell{DuplicatedObjects: 2, DuplicatesSize: 10, MonthlySavings: &savings})
	m.Set("bucket1", "bucket2", &models.MatrixCell{DuplicatedObjects: 3, DuplicatesSize: 20})
	m.Set("bucket2", "bucket2", &models.MatrixCell{})

	var buf bytes.Buffer
	printReport(&buf, &models.Run{
		ID:    "r1",
		State: "COMPLETED",
		Report: &models.Report{
			TotalObjects:      5,
			FilteredObjects:   5,
			TotalSize:         42,
			DuplicatedObjects: 3,
			DuplicatesSize:    20,
			TimeEnumerating:   2 * time.Second,
			TimePersisting:    500 * time.Millisecond,
			PerBucket: map[string]*models.BucketStats{
				"bucket1": {FilteredObjects: 3, Size: 25, MonthlyCost: &cost, MonthlySavings: &savings},
				"bucket2": {FilteredObjects: 2, Size: 17},
			},
			Matrix: m,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Run r1 (COMPLETED)")
	assert.Contains(t, out, "Duplicated objects: 3")
	assert.Contains(t, out, "2s enumerating, 500ms persisting")
	assert.Contains(t, out, "30.00")
	assert.Contains(t, out, "12.00")
	assert.Contains(t, out, "bucket2")
	assert.NotContains(t, out, "bucket2   bucket2")

	buf.Reset()
	printReport(&buf, &models.Run{ID: "r2", State: "FAILED", Error: "enumeration: boom"})
	assert.Contains(t, buf.String(), "Error: enumeration: boom")
}
