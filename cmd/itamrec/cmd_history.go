package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored snapshot revisions, newest first",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	history, err := store.History(cmd.Context())
	if err != nil {
		return err
	}

	table := tableData{Headers: []string{"Revision", "Run ID", "Inventory", "Active", "Reconciled At", "Records", "Integrated", "Pending"}}
	for _, m := range history {
		table.Rows = append(table.Rows, []string{
			strconv.FormatInt(m.Revision, 10),
			m.RunID,
			m.ITAMSource,
			m.ActiveSource,
			m.ReconciledAt,
			strconv.Itoa(m.RecordCount),
			strconv.Itoa(m.Integrated),
			strconv.Itoa(m.Pending),
		})
	}

	return render(cmd.OutOrStdout(), format, history, table)
}
