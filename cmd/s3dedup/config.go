package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/thannaske/s3dedup/pkg/models"
)

// loadConfig reads a YAML config file. An empty path returns an empty config.
func loadConfig(path string) (models.Config, error) {
	var cfg models.Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == "" {
			cfg.Accounts[i].ID = cfg.Accounts[i].Endpoint
		}
	}
	return cfg, nil
}

// firstAccount returns the first configured account, creating it when none is
// configured.
func firstAccount(cfg *models.Config) *models.Account {
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = append(cfg.Accounts, models.Account{Region: "default"})
	}
	return &cfg.Accounts[0]
}

// applyEnv lets environment variables override the config. Account variables
// apply to the first account, creating it when none is configured.
func applyEnv(cfg *models.Config, getenv func(string) string) error {
	if v := getenv("S3_ENDPOINT"); v != "" {
		a := firstAccount(cfg)
		a.Endpoint = v
		if a.ID == "" {
			a.ID = v
		}
	}
	if v := getenv("S3_ACCESS_KEY"); v != "" {
		firstAccount(cfg).AccessKey = v
	}
	if v := getenv("S3_SECRET_KEY"); v != "" {
		firstAccount(cfg).SecretKey = v
	}
	if v := getenv("S3_REGION"); v != "" {
		firstAccount(cfg).Region = v
	}
	if v := getenv("S3_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("S3DEDUP_ORG"); v != "" {
		cfg.OrgID = v
	}
	if v := getenv("S3DEDUP_MIN_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid S3DEDUP_MIN_SIZE %q: %w", v, err)
		}
		cfg.MinSize = n
	}
	return nil
}
