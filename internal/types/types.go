package types

// Pass kinds reported over SSE
const (
	KindScan = "scan"
	KindLink = "link"
)

// Terminal and running statuses of a pass
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ScanProgress represents pass progress for SSE updates
type ScanProgress struct {
	Kind    string `json:"kind"`
	Phase   string `json:"phase,omitempty"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Status  string `json:"status"`

	// Totals, set on the final update of a pass
	FilesScanned int64  `json:"files_scanned,omitempty"`
	GroupsFound  int64  `json:"groups_found,omitempty"`
	WastedBytes  int64  `json:"wasted_bytes,omitempty"`
	ActionID     int64  `json:"action_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Done reports whether this update ends the stream
func (p *ScanProgress) Done() bool {
	return p.Status != StatusRunning
}
