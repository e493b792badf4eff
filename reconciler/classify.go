package reconciler

import (
	"github.com/yairfalse/itamrec/schema"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/types"
)

// Dataset sides, as named in schema errors
const (
	SideInventory = "inventory"
	SideActive    = "active"
)

// PrepareInventory normalizes an ITAM table and extracts its records.
// Fails with *schema.MissingIdentityColumnError or *schema.SchemaValidationError.
func PrepareInventory(t *source.Table) ([]types.InventoryRecord, error) {
	t = schema.NormalizeColumns(t)

	t, err := schema.ResolveIdentityColumn(t)
	if err != nil {
		return nil, err
	}

	if err := schema.ValidateColumns(t, SideInventory, schema.RequiredInventoryColumns); err != nil {
		return nil, err
	}

	t, err = schema.TrimColumn(t, schema.ColumnIPAddress)
	if err != nil {
		return nil, err
	}

	var (
		id   = t.Index(schema.ColumnITAMID)
		host = t.Index(schema.ColumnHostname)
		ip   = t.Index(schema.ColumnIPAddress)
		dept = t.Index(schema.ColumnDepartment)
		reg  = t.Index(schema.ColumnRegion)
		env  = t.Index(schema.ColumnEnvironment)
	)

	records := make([]types.InventoryRecord, t.Len())
	for i, row := range t.Rows {
		records[i] = types.InventoryRecord{
			ITAMID:      row[id],
			Hostname:    row[host],
			IPAddress:   row[ip],
			Department:  row[dept],
			Region:      row[reg],
			Environment: row[env],
		}
	}
	return records, nil
}

// ActiveSet normalizes an active-services table and returns its trimmed IP
// addresses. Other columns are ignored.
func ActiveSet(t *source.Table) (map[string]struct{}, error) {
	t = schema.NormalizeColumns(t)

	if err := schema.ValidateColumns(t, SideActive, schema.RequiredActiveColumns); err != nil {
		return nil, err
	}

	t, err := schema.TrimColumn(t, schema.ColumnIPAddress)
	if err != nil {
		return nil, err
	}

	ips, _ := t.Column(schema.ColumnIPAddress)
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return set, nil
}

// Classify marks each record Integrated when its IP address is in activeIPs
// and Pending otherwise. Matching is exact string equality.
func Classify(inventory []types.InventoryRecord, activeIPs map[string]struct{}) []types.ReconciledRecord {
	out := make([]types.ReconciledRecord, len(inventory))
	for i, rec := range inventory {
		status := types.StatusPending
		if _, ok := activeIPs[rec.IPAddress]; ok {
			status = types.StatusIntegrated
		}
		out[i] = types.ReconciledRecord{
			InventoryRecord: rec,
			Status:          status,
		}
	}
	return out
}

// Stamp sets provenance on every record. All records share reconciledAt.
func Stamp(records []types.ReconciledRecord, itamID, activeID, reconciledAt string) {
	for i := range records {
		records[i].SourceITAMFile = itamID
		records[i].SourceActiveFile = activeID
		records[i].ReconciledAt = reconciledAt
	}
}

// count returns integrated and pending totals
func count(records []types.ReconciledRecord) (integrated, pending int) {
	for _, r := range records {
		switch r.Status {
		case types.StatusIntegrated:
			integrated++
		case types.StatusPending:
			pending++
		}
	}
	return integrated, pending
}
