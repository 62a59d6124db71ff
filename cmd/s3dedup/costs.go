package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thannaske/s3dedup/pkg/db"
	"github.com/thannaske/s3dedup/pkg/models"
)

// parseCosts reads bucket,account_id,date,cost rows. A header row is skipped.
func parseCosts(r io.Reader) ([]models.DailyCost, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 4
	reader.TrimLeadingSpace = true

	var costs []models.DailyCost
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(record[0], "bucket") {
			continue
		}

		day, err := time.Parse("2006-01-02", record[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q: %w", line, record[2], err)
		}
		cost, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid cost %q: %w", line, record[3], err)
		}

		costs = append(costs, models.DailyCost{
			Bucket:    record[0],
			AccountID: record[1],
			Day:       day,
			Cost:      cost,
		})
	}
	return costs, nil
}

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Manage bucket billing data",
}

var costsImportCmd = &cobra.Command{
	Use:   "import [csv-file]",
	Short: "Import daily bucket costs",
	Long: `Import daily bucket costs from a CSV file with the columns
bucket,account_id,date,cost (date as YYYY-MM-DD). Existing values for the
same bucket, account and day are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("error opening cost file: %w", err)
		}
		defer func() { _ = f.Close() }()

		costs, err := parseCosts(f)
		if err != nil {
			return fmt.Errorf("error parsing cost file: %w", err)
		}

		database, err := db.NewDB(config.DBPath)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() { _ = database.Close() }()

		if err := database.InitDB(); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}

		if err := database.StoreDailyCosts(context.Background(), costs); err != nil {
			return fmt.Errorf("error storing costs: %w", err)
		}
		fmt.Printf("Imported %d daily cost row(s).\n", len(costs))
		return nil
	},
}

func init() {
	costsCmd.AddCommand(costsImportCmd)
	rootCmd.AddCommand(costsCmd)
}
