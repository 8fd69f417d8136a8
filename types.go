package pwkeeper

// ForwardResult is what callers get back from Forward: the reference id
// and metadata only, never the full payload.
type ForwardResult struct {
	RefID     string           `json:"ref_id"`
	SessionID string           `json:"session_id"`
	Status    string           `json:"status"` // success | error
	Metadata  ResponseMetadata `json:"metadata"`
	Error     string           `json:"error,omitempty"` // truncated for transport
}

// ResponseMetadata summarises a stored response without its payload.
type ResponseMetadata struct {
	Tool              string `json:"tool"`
	IsError           bool   `json:"is_error"`
	HasSnapshot       bool   `json:"has_snapshot"`
	HasConsoleLogs    bool   `json:"has_console_logs"`
	ConsoleErrorCount int    `json:"console_error_count"`
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID               string `json:"session_id"`
	State            string `json:"state"`
	CreatedAt        int64  `json:"created_at"`
	LastActivity     int64  `json:"last_activity"`
	CurrentURL       string `json:"current_url,omitempty"`
	LastSnapshotTime int64  `json:"last_snapshot_time,omitempty"`
}

// ResumeResult reports a resume attempt.
type ResumeResult struct {
	Status      string `json:"status"` // restored | failed
	RestoredURL string `json:"restored_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HealthStatus reports subprocess health for the health surface.
type HealthStatus struct {
	Status     string `json:"status"`     // healthy | degraded | fatal
	Subprocess string `json:"subprocess"` // supervisor state
}

// ContentOptions modify ReadContent.
type ContentOptions struct {
	// Search filters to lines containing the substring, with optional
	// context lines around each match.
	Search      string
	BeforeLines int
	AfterLines  int
	// ResetCursor forces a full-content return and rewrites the cursor.
	ResetCursor bool
}
