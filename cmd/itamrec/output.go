package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format types for output
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// tableData is rendered by the table format; value by the others
type tableData struct {
	Headers []string
	Rows    [][]string
}

// detectFormat picks the explicit format, or table on a terminal and JSON
// for pipes
func detectFormat(explicit string) (Format, error) {
	if explicit != "" {
		format := Format(strings.ToLower(explicit))
		switch format {
		case FormatTable, FormatJSON, FormatYAML:
			return format, nil
		default:
			return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", explicit)
		}
	}

	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return FormatTable, nil
	}
	return FormatJSON, nil
}

// render writes value in format. table describes value for the table format.
func render(w io.Writer, format Format, value any, table tableData) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return renderTable(w, table)
	}
}

func renderTable(w io.Writer, data tableData) error {
	table := tablewriter.NewTable(w)

	headers := make([]any, len(data.Headers))
	for i, h := range data.Headers {
		headers[i] = h
	}
	table.Header(headers...)

	for _, row := range data.Rows {
		cells := make([]any, len(row))
		for i, cell := range row {
			cells[i] = cell
		}
		if err := table.Append(cells...); err != nil {
			return err
		}
	}

	return table.Render()
}
