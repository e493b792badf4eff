package types

// SnapshotMeta describes one persisted reconciliation result
type SnapshotMeta struct {
	Revision       int64  `json:"revision"`
	RunID          string `json:"run_id"`
	ITAMSource     string `json:"itam_source"`
	ActiveSource   string `json:"active_source"`
	ITAMChecksum   string `json:"itam_checksum,omitempty"`
	ActiveChecksum string `json:"active_checksum,omitempty"`
	ReconciledAt   string `json:"reconciled_at"`
	RecordCount    int    `json:"record_count"`
	Integrated     int    `json:"integrated"`
	Pending        int    `json:"pending"`
}

// Snapshot is the complete classified record set of one run.
// Revision in Meta is assigned by the store on write.
type Snapshot struct {
	Meta    SnapshotMeta       `json:"meta"`
	Records []ReconciledRecord `json:"records"`
}

// RunState is the provenance of the last successful reconciliation
type RunState struct {
	CurrentITAMSource   string `json:"current_itam_source"`
	CurrentActiveSource string `json:"current_active_source"`
	LastReconciledAt    string `json:"last_reconciled_at"`
	RunID               string `json:"run_id,omitempty"`
	Revision            int64  `json:"revision,omitempty"`
}

// IsZero reports whether no reconciliation has completed yet
func (s RunState) IsZero() bool {
	return s.LastReconciledAt == "" && s.CurrentITAMSource == "" && s.CurrentActiveSource == ""
}
