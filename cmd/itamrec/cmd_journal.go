package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/wal"
)

var journalSince time.Duration

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the run journal",
	Long: `Show run_started, run_committed and run_failed entries of the journal.

Examples:
  # Runs of the last day
  itamrec journal --since 24h`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().DurationVar(&journalSince, "since", 0, "Only entries newer than this (0 shows everything)")
}

func runJournal(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}

	var since time.Time
	if journalSince > 0 {
		since = time.Now().Add(-journalSince)
	}

	entries := []*wal.Entry{}
	err = wal.Replay(cfg.WAL.Dir, since, func(e *wal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return err
	}

	table := tableData{Headers: []string{"Time", "Seq", "Type", "Run ID", "Error"}}
	for _, e := range entries {
		table.Rows = append(table.Rows, []string{
			e.Timestamp.Local().Format(time.DateTime),
			strconv.FormatInt(e.Sequence, 10),
			string(e.Type),
			e.RunID,
			e.Error,
		})
	}

	return render(cmd.OutOrStdout(), format, entries, table)
}
