package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/thannaske/s3dedup/pkg/db"
	"github.com/thannaske/s3dedup/pkg/models"
)

// formatCost renders an optional monetary amount
func formatCost(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

// printReport writes a run's summary, per-bucket stats and matrix
func printReport(out io.Writer, run *models.Run) {
	report := run.Report
	fmt.Fprintf(out, "Run %s (%s)\n\n", run.ID, run.State)
	if report == nil {
		if run.Error != "" {
			fmt.Fprintf(out, "Error: %s\n", run.Error)
		}
		return
	}

	fmt.Fprintf(out, "Objects:            %d (%d after size filter)\n", report.TotalObjects, report.FilteredObjects)
	fmt.Fprintf(out, "Total size:         %s\n", humanize.IBytes(uint64(report.TotalSize)))
	fmt.Fprintf(out, "Duplicated objects: %d\n", report.DuplicatedObjects)
	fmt.Fprintf(out, "Duplicates size:    %s\n", humanize.IBytes(uint64(report.DuplicatesSize)))
	fmt.Fprintf(out, "Time spent:         %s enumerating, %s persisting\n\n", report.TimeEnumerating, report.TimePersisting)

	buckets := make([]string, 0, len(report.PerBucket))
	for b := range report.PerBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.TabIndent)
	fmt.Fprintln(w, "Bucket\tObjects\tSize\tWith duplicates\tDuplicate size\tMonthly cost\tMonthly savings")
	fmt.Fprintln(w, "------\t-------\t----\t---------------\t--------------\t------------\t---------------")
	for _, name := range buckets {
		b := report.PerBucket[name]
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			name,
			b.FilteredObjects,
			humanize.IBytes(uint64(b.Size)),
			b.ObjectsWithDuplicates,
			humanize.IBytes(uint64(b.ObjectsWithDuplicatesSize)),
			formatCost(b.MonthlyCost),
			formatCost(b.MonthlySavings),
		)
	}
	_ = w.Flush()

	fmt.Fprintln(out, "\nDuplication matrix")
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.TabIndent)
	fmt.Fprintln(w, "Bucket\tOther bucket\tObjects\tSize\tMonthly savings")
	fmt.Fprintln(w, "------\t------------\t-------\t----\t---------------")
	for _, row := range buckets {
		cols := make([]string, 0, len(report.Matrix[row]))
		for col := range report.Matrix[row] {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			cell := report.Matrix[row][col]
			if cell.DuplicatedObjects == 0 {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				row, col,
				cell.DuplicatedObjects,
				humanize.IBytes(uint64(cell.DuplicatesSize)),
				formatCost(cell.MonthlySavings),
			)
		}
	}
	_ = w.Flush()
}

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show the report of a run",
	Long:  `Display the report of a run, or of the latest completed run of the organization.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.NewDB(config.DBPath)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() { _ = database.Close() }()

		ctx := context.Background()
		var run *models.Run
		if len(args) == 1 {
			run, err = database.GetRun(ctx, args[0])
		} else {
			run, err = database.LatestCompletedRun(ctx, config.OrgID)
		}
		if err != nil {
			return fmt.Errorf("error retrieving run: %w", err)
		}

		printReport(os.Stdout, run)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Long:  `List the runs of the organization, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.NewDB(config.DBPath)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() { _ = database.Close() }()

		runs, err := database.ListRuns(context.Background(), config.OrgID)
		if err != nil {
			return fmt.Errorf("error retrieving runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Printf("No runs recorded for organization %s\n", config.OrgID)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
		fmt.Fprintln(w, "Run\tState\tStarted\tDuplicates size\tError")
		fmt.Fprintln(w, "---\t-----\t-------\t---------------\t-----")
		for _, r := range runs {
			size := "-"
			if r.Report != nil {
				size = humanize.IBytes(uint64(r.Report.DuplicatesSize))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.State,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				size,
				r.Error,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(runsCmd)
}
