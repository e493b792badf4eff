package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available datasets, most recent first",
	RunE:  runSources,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

// sourceListing is the structured output of the sources command
type sourceListing struct {
	ITAM   []source.Info `json:"itam" yaml:"itam"`
	Active []source.Info `json:"active" yaml:"active"`
}

func runSources(cmd *cobra.Command, _ []string) error {
	format, err := detectFormat(outputFlag)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	itam, err := buildSource(ctx, "itam", cfg.Sources.ITAM)
	if err != nil {
		return err
	}
	active, err := buildSource(ctx, "active", cfg.Sources.Active)
	if err != nil {
		return err
	}

	listing := sourceListing{}
	if listing.ITAM, err = itam.List(ctx); err != nil {
		return err
	}
	if listing.Active, err = active.List(ctx); err != nil {
		return err
	}

	table := tableData{Headers: []string{"Side", "ID", "Modified", "Size", "Latest"}}
	for _, side := range []struct {
		name  string
		infos []source.Info
	}{{"itam", listing.ITAM}, {"active", listing.Active}} {
		for i, info := range side.infos {
			latest := ""
			if i == 0 {
				latest = "*"
			}
			table.Rows = append(table.Rows, []string{
				side.name,
				info.ID,
				info.ModTime.Format(time.RFC3339),
				strconv.FormatInt(info.Size, 10),
				latest,
			})
		}
	}

	return render(cmd.OutOrStdout(), format, listing, table)
}
