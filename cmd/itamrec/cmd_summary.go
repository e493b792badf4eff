package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/storage"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show record counts by region and department",
	RunE:  runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := store.Summary(cmd.Context())
	if err != nil {
		return err
	}

	table := tableData{Headers: []string{"Region", "Department", "Total", "Integrated", "Pending"}}
	for _, r := range rows {
		table.Rows = append(table.Rows, []string{
			r.Region,
			r.Department,
			strconv.Itoa(r.Total),
			strconv.Itoa(r.Integrated),
			strconv.Itoa(r.Pending),
		})
	}

	return render(cmd.OutOrStdout(), format, rows, table)
}
