package source

// Table is an in-memory delimited dataset: one header-derived column per
// field, in original order and spelling.
type Table struct {
	Columns []string
	Rows    [][]string

	// Checksum is the xxhash64 of the raw bytes the table was parsed from
	Checksum string
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of the first column named name, or -1
func (t *Table) Index(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// Has reports whether a column named name exists
func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// Column returns the values of the first column named name
func (t *Table) Column(name string) ([]string, bool) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, false
	}

	values := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[idx]
	}
	return values, true
}

// WithColumns returns a copy of t with a new header. Rows are shared.
func (t *Table) WithColumns(columns []string) *Table {
	return &Table{
		Columns:  columns,
		Rows:     t.Rows,
		Checksum: t.Checksum,
	}
}

// WithColumn returns a copy of t where column name holds values. The column
// is replaced in place when it exists and appended otherwise. len(values)
// must equal t.Len().
func (t *Table) WithColumn(name string, values []string) *Table {
	columns := append([]string(nil), t.Columns...)
	idx := t.Index(name)
	if idx < 0 {
		columns = append(columns, name)
		idx = len(columns) - 1
	}

	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		next := make([]string, len(columns))
		copy(next, row)
		next[idx] = values[i]
		rows[i] = next
	}

	return &Table{
		Columns:  columns,
		Rows:     rows,
		Checksum: t.Checksum,
	}
}
