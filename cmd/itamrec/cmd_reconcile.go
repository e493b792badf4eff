package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/reconciler"
)

var (
	itamID   string
	activeID string
)

var errNothingToReconcile = errors.New("no datasets available on one or both sides")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation",
	Long: `Classify every inventory record as Integrated or Pending and replace the
stored snapshot with the result.

Without flags the most recently modified dataset of each side is used.
A failed run leaves the previous snapshot in place.

Examples:
  # Reconcile the latest pair
  itamrec reconcile

  # Reconcile a chosen pair
  itamrec reconcile --itam itam_2026-10.csv --active services_2026-10-17.csv`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&itamID, "itam", "", "Inventory dataset identifier")
	reconcileCmd.Flags().StringVar(&activeID, "active", "", "Active services dataset identifier")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}
	if (itamID == "") != (activeID == "") {
		return fmt.Errorf("--itam and --active must be given together")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var result *reconciler.RunResult
	if itamID == "" {
		result, err = a.engine.ReconcileLatest(ctx)
		if err == nil && result == nil {
			err = errNothingToReconcile
		}
	} else {
		result, err = a.engine.Reconcile(ctx, itamID, activeID)
	}
	if err != nil {
		return fmt.Errorf("reconcile did not take effect: %w", err)
	}

	meta := result.Meta
	return render(cmd.OutOrStdout(), format, result, tableData{
		Headers: []string{"Revision", "Run ID", "Inventory", "Active", "Reconciled At", "Records", "Integrated", "Pending"},
		Rows: [][]string{{
			strconv.FormatInt(meta.Revision, 10),
			meta.RunID,
			meta.ITAMSource,
			meta.ActiveSource,
			meta.ReconciledAt,
			strconv.Itoa(meta.RecordCount),
			strconv.Itoa(meta.Integrated),
			strconv.Itoa(meta.Pending),
		}},
	})
}
