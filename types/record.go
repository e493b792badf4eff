package types

// Status is the reconciliation outcome of one inventory record
type Status string

const (
	StatusIntegrated Status = "Integrated"
	StatusPending    Status = "Pending"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	return s == StatusIntegrated || s == StatusPending
}

// TimestampLayout is the layout of ReconciledAt values (second resolution)
const TimestampLayout = "2006-01-02 15:04:05"

// InventoryRecord is one normalized row of an ITAM source
type InventoryRecord struct {
	ITAMID      string `json:"itam_id"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address"`
	Department  string `json:"department"`
	Region      string `json:"region"`
	Environment string `json:"environment"`
}

// ReconciledRecord is an inventory record stamped with the outcome of a run
type ReconciledRecord struct {
	InventoryRecord
	Status           Status `json:"status"`
	SourceITAMFile   string `json:"itam_file"`
	SourceActiveFile string `json:"active_file"`
	ReconciledAt     string `json:"reconciled_at"`
}

// Filter selects records by equality. Empty fields match everything.
type Filter struct {
	Region     string `json:"region"`
	Department string `json:"department"`
	Status     Status `json:"status"`
}

// Matches checks if record matches filter criteria
func (f Filter) Matches(r ReconciledRecord) bool {
	if f.Region != "" && r.Region != f.Region {
		return false
	}
	if f.Department != "" && r.Department != f.Department {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// SummaryRow aggregates record counts for one region and department
type SummaryRow struct {
	Region     string `json:"region"`
	Department string `json:"department"`
	Total      int    `json:"total"`
	Integrated int    `json:"integrated"`
	Pending    int    `json:"pending"`
}

// Add counts one record with the given status
func (s *SummaryRow) Add(status Status) {
	s.Total++
	switch status {
	case StatusIntegrated:
		s.Integrated++
	case StatusPending:
		s.Pending++
	}
}
