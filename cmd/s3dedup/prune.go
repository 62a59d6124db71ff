package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thannaske/s3dedup/pkg/db"
)

var (
	// Flag to confirm pruning without prompting
	confirm bool
	keep    int
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old runs from the ledger",
	Long: `Remove old runs of the organization together with the duplicate records
they stored in the ledger. The most recent runs are kept so their reports and
matrices remain available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.NewDB(config.DBPath)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() { _ = database.Close() }()

		// If not confirmed, prompt the user
		if !confirm {
			fmt.Printf("This will permanently delete all but the %d most recent run(s) of organization %s.\n"+
				"Are you sure you want to continue? (y/N): ", keep, config.OrgID)

			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Pruning cancelled.")
				return nil
			}
		}

		fmt.Println("Pruning old runs...")
		deleted, err := database.PruneRuns(context.Background(), config.OrgID, keep)
		if err != nil {
			return fmt.Errorf("error pruning old runs: %w", err)
		}

		if deleted == 0 {
			fmt.Println("No runs to prune.")
		} else {
			fmt.Printf("Successfully pruned %d run(s).\n", deleted)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm pruning without prompting")
	pruneCmd.Flags().IntVar(&keep, "keep", 5, "Number of most recent runs to keep")
}
