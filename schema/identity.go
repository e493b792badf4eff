package schema

import (
	"strings"

	"github.com/yairfalse/itamrec/source"
)

// ResolveIdentityColumn copies the first alias present in IdentityAliases
// into the canonical itam_id column, trimmed. Expects normalized columns.
func ResolveIdentityColumn(t *source.Table) (*source.Table, error) {
	for _, alias := range IdentityAliases {
		values, ok := t.Column(alias)
		if !ok {
			continue
		}

		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		return t.WithColumn(ColumnITAMID, values), nil
	}

	return nil, &MissingIdentityColumnError{
		Aliases: append([]string(nil), IdentityAliases...),
		Columns: append([]string(nil), t.Columns...),
	}
}

// ValidateColumns checks that every required column is present. side names
// the dataset in the returned error.
func ValidateColumns(t *source.Table, side string, required []string) error {
	var missing []string
	for _, col := range required {
		if !t.Has(col) {
			missing = append(missing, col)
		}
	}

	if len(missing) > 0 {
		return &SchemaValidationError{Side: side, Missing: missing}
	}
	return nil
}
