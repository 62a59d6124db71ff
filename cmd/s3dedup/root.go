package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/models"
)

var (
	cfgFile   string
	verbose   bool
	config    models.Config
	flags     flagValues
	logger    = zap.NewNop()
	defaultDB = filepath.Join(os.Getenv("HOME"), ".s3dedup.db")
)

// flagValues holds the global flags before they are merged into config
type flagValues struct {
	account models.Account
	dbPath  string
	orgID   string
	minSize int64
	cache   string
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "s3dedup",
	Short: "Duplicate object analysis for S3 buckets",
	Long: `A CLI tool that finds duplicate objects across S3 compatible buckets,
attributes the wasted storage within and across buckets, and estimates the
monthly cost of the duplication from imported billing data.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}
		return initLogger()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.s3dedup.yaml if present)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&flags.account.Endpoint, "endpoint", "", "S3 endpoint URL")
	pf.StringVar(&flags.account.AccessKey, "access-key", "", "S3 access key")
	pf.StringVar(&flags.account.SecretKey, "secret-key", "", "S3 secret key")
	pf.StringVar(&flags.account.Region, "region", "default", "S3 region")
	pf.StringSliceVar(&flags.account.Buckets, "bucket", nil, "bucket to analyse (repeatable, default: all buckets)")
	pf.BoolVar(&flags.account.AdminAPI, "admin-api", false, "discover buckets through the Ceph RGW admin API")
	pf.StringVar(&flags.dbPath, "db", defaultDB, "SQLite ledger path")
	pf.StringVar(&flags.orgID, "org", "default", "organization the runs belong to")
	pf.Int64Var(&flags.minSize, "min-size", 1, "ignore objects smaller than this many bytes")
	pf.StringVar(&flags.cache, "cache-dir", "", "directory for run caches (default: system temp dir)")
}

// initConfig merges the config file, changed flags and environment, in that order.
func initConfig(cmd *cobra.Command) error {
	path := cfgFile
	if path == "" {
		home := filepath.Join(os.Getenv("HOME"), ".s3dedup.yaml")
		if _, err := os.Stat(home); err == nil {
			path = home
		}
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	pf := cmd.Flags()
	if pf.Changed("db") || cfg.DBPath == "" {
		cfg.DBPath = flags.dbPath
	}
	if pf.Changed("org") || cfg.OrgID == "" {
		cfg.OrgID = flags.orgID
	}
	if pf.Changed("min-size") {
		cfg.MinSize = flags.minSize
	}
	if pf.Changed("cache-dir") {
		cfg.CacheDir = flags.cache
	}
	applyAccountFlags(&cfg, pf.Changed, flags.account)

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return err
	}
	config = cfg
	return nil
}

// applyAccountFlags copies every changed account flag onto the first account,
// creating it when none is configured.
func applyAccountFlags(cfg *models.Config, changed func(string) bool, fa models.Account) {
	names := []string{"endpoint", "access-key", "secret-key", "region", "bucket", "admin-api"}
	if !slices.ContainsFunc(names, changed) {
		return
	}

	a := firstAccount(cfg)
	if changed("endpoint") {
		a.Endpoint = fa.Endpoint
		a.ID = fa.Endpoint
	}
	if changed("access-key") {
		a.AccessKey = fa.AccessKey
	}
	if changed("secret-key") {
		a.SecretKey = fa.SecretKey
	}
	if changed("region") {
		a.Region = fa.Region
	}
	if changed("bucket") {
		a.Buckets = fa.Buckets
	}
	if changed("admin-api") {
		a.AdminAPI = fa.AdminAPI
	}
}

func initLogger() error {
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}
