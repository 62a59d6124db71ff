package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/ceph"
	"github.com/thannaske/s3dedup/pkg/db"
	"github.com/thannaske/s3dedup/pkg/enumerator"
	"github.com/thannaske/s3dedup/pkg/orchestrator"
)

var (
	parallelism    int
	costWindowDays int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a duplicate analysis",
	Long: `Enumerate every configured account, find duplicate objects, store them in
the ledger and compute the self and cross bucket duplication matrix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(config.Accounts) == 0 {
			return fmt.Errorf("no accounts configured: provide --endpoint, --access-key and --secret-key or a config file")
		}
		for _, a := range config.Accounts {
			if a.Endpoint == "" || a.AccessKey == "" || a.SecretKey == "" {
				return fmt.Errorf("account %q is missing endpoint or credentials", a.ID)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		database, err := db.NewDB(config.DBPath)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() { _ = database.Close() }()

		if err := database.InitDB(); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}

		enumerators := make([]enumerator.ObjectEnumerator, 0, len(config.Accounts))
		accountIDs := make([]string, 0, len(config.Accounts))
		for _, account := range config.Accounts {
			client, err := ceph.NewS3Client(ctx, logger.Named("s3"), account)
			if err != nil {
				return fmt.Errorf("error initializing S3 client for %s: %w", account.ID, err)
			}
			enumerators = append(enumerators, client)
			accountIDs = append(accountIDs, account.ID)
		}

		windowDays := config.CostWindowDays
		if cmd.Flags().Changed("cost-window") || windowDays == 0 {
			windowDays = costWindowDays
		}

		orch := orchestrator.New(logger.Named("run"), orchestrator.Config{
			OrgID:          config.OrgID,
			MinSize:        config.MinSize,
			CacheDir:       config.CacheDir,
			AccountIDs:     accountIDs,
			CostWindowDays: windowDays,
			Parallelism:    parallelism,
		}, database, database, database)

		fmt.Printf("Analysing %d account(s) for organization %s...\n", len(enumerators), config.OrgID)
		run, err := orch.Run(ctx, enumerators)
		if err != nil {
			logger.Error("run failed", zap.String("run", run.ID), zap.Error(err))
			return fmt.Errorf("run %s failed: %w", run.ID, err)
		}

		printReport(os.Stdout, run)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&parallelism, "parallelism", 4, "concurrent bucket pair queries for the cross matrix")
	runCmd.Flags().IntVar(&costWindowDays, "cost-window", 30, "days of billing data averaged into the daily cost")
}
