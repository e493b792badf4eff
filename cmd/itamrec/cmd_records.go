package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/types"
)

var (
	recordsRegion     string
	recordsDepartment string
	recordsStatus     string
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List reconciled records",
	Long: `List records of the current snapshot ordered by environment and hostname.

Examples:
  # Pending records of one department
  itamrec records --region emea --department FINANCE --status Pending`,
	RunE: runRecords,
}

func init() {
	rootCmd.AddCommand(recordsCmd)

	recordsCmd.Flags().StringVar(&recordsRegion, "region", "", "Only records in this region")
	recordsCmd.Flags().StringVar(&recordsDepartment, "department", "", "Only records of this department")
	recordsCmd.Flags().StringVar(&recordsStatus, "status", "", "Only records with this status: Integrated or Pending")
}

func runRecords(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}

	filter := types.Filter{
		Region:     recordsRegion,
		Department: recordsDepartment,
		Status:     types.Status(recordsStatus),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q (want %s or %s)", recordsStatus, types.StatusIntegrated, types.StatusPending)
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}

	table := tableData{Headers: []string{"ITAM ID", "Hostname", "IP Address", "Department", "Region", "Environment", "Status"}}
	for _, r := range records {
		table.Rows = append(table.Rows, []string{
			r.ITAMID, r.Hostname, r.IPAddress, r.Department, r.Region, r.Environment, string(r.Status),
		})
	}

	return render(cmd.OutOrStdout(), format, records, table)
}
