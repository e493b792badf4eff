// Package schema canonicalizes column names and resolves the identity
// column of inventory datasets. Both transforms are pure: they return new
// tables and never modify their input.
package schema

import (
	"strings"

	"github.com/yairfalse/itamrec/source"
)

// Canonical column names
const (
	ColumnITAMID      = "itam_id"
	ColumnHostname    = "hostname"
	ColumnIPAddress   = "ip_address"
	ColumnDepartment  = "department"
	ColumnRegion      = "region"
	ColumnEnvironment = "environment"
)

// IdentityAliases are accepted spellings of the identity column after
// NormalizeColumns, in priority order. The first one present wins.
var IdentityAliases = []string{"itamid", "asset_id", "assetid", "itam_id"}

// RequiredInventoryColumns must all be present after identity resolution
var RequiredInventoryColumns = []string{
	ColumnITAMID,
	ColumnHostname,
	ColumnIPAddress,
	ColumnDepartment,
	ColumnRegion,
	ColumnEnvironment,
}

// RequiredActiveColumns must be present in an active-services dataset
var RequiredActiveColumns = []string{ColumnIPAddress}

// NormalizeColumn trims, lowercases and replaces spaces with underscores
func NormalizeColumn(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	return strings.ReplaceAll(name, " ", "_")
}

// NormalizeColumns returns t with every column name normalized
func NormalizeColumns(t *source.Table) *source.Table {
	columns := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		columns[i] = NormalizeColumn(col)
	}
	return t.WithColumns(columns)
}

// TrimColumn returns t with surrounding whitespace removed from every value
// of column name
func TrimColumn(t *source.Table, name string) (*source.Table, error) {
	values, ok := t.Column(name)
	if !ok {
		return nil, &SchemaValidationError{Missing: []string{name}}
	}

	for i, v := range values {
		values[i] = strings.TrimSpace(v)
	}
	return t.WithColumn(name, values), nil
}
