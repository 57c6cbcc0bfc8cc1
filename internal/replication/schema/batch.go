package schema

// ChangesResponse is the body of GET /sync/changes.
type ChangesResponse struct {
	Changes   []*ChangeRecord `json:"changes"`
	Count     int             `json:"count"`
	Timestamp int64           `json:"timestamp"`
}

// ReceiveRequest is the body of POST /sync/receive-changes.
type ReceiveRequest struct {
	Changes     []*ChangeRecord `json:"changes"`
	ServerID    string          `json:"server_id"`
	CatchupMode bool            `json:"catchup_mode"`
}

// ApplyError reports one record that could not be applied. The rest of
// the batch is unaffected.
type ApplyError struct {
	ChangeID string `json:"change_id"`
	Table    string `json:"table_name"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// ApplyResult summarizes a batch apply. Stale (older-timestamp) records
// count toward AppliedCount: discarding them is the expected outcome of
// concurrent editing, not a failure.
type ApplyResult struct {
	AppliedCount int          `json:"applied_count"`
	Errors       []ApplyError `json:"errors,omitempty"`

	// MaxApplied is the largest timestamp among records that were
	// examined without error; catch-up uses it to advance the per-peer
	// high-water mark.
	MaxApplied int64 `json:"timestamp"`
}
