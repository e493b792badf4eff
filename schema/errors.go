package schema

import (
	"fmt"
	"strings"
)

// MissingIdentityColumnError means none of the identity aliases were found
type MissingIdentityColumnError struct {
	Aliases []string
	Columns []string
}

func (e *MissingIdentityColumnError) Error() string {
	return fmt.Sprintf("inventory source has no identity column (want one of %s, have %s)",
		strings.Join(e.Aliases, ", "), strings.Join(e.Columns, ", "))
}

// SchemaValidationError lists required columns absent from a dataset
type SchemaValidationError struct {
	Side    string
	Missing []string
}

func (e *SchemaValidationError) Error() string {
	side := e.Side
	if side == "" {
		side = "dataset"
	}
	return fmt.Sprintf("%s source missing required columns: %s", side, strings.Join(e.Missing, ", "))
}
