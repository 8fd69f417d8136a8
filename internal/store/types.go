package store

import (
	"encoding/json"
	"fmt"
)

// Session lifecycle states.
const (
	StateActive      = "active"
	StateClosed      = "closed"
	StateRecoverable = "recoverable"
	StateStale       = "stale"
	StateFailed      = "failed"
	StateError       = "error"
)

// Session is one browser session row. Recovery fields are a cached view of
// the latest snapshot; a zero LastSnapshotTime means never snapshotted.
type Session struct {
	ID               string
	State            string
	CreatedAt        int64 // unix millis
	LastActivity     int64
	CurrentURL       string
	Cookies          string // JSON array of Cookie
	LocalStorage     string // JSON object string→string
	SessionStorage   string // JSON object string→string
	Viewport         string // JSON Viewport
	LastSnapshotTime int64
}

// Snapshot is an immutable copy of a session's recovery fields.
type Snapshot struct {
	ID             int64
	SessionID      string
	CurrentURL     string
	Cookies        string
	LocalStorage   string
	SessionStorage string
	Viewport       string
	SnapshotTime   int64
}

// Request is one forwarded tool call.
type Request struct {
	RefID     string
	SessionID string
	ToolName  string
	Params    string // JSON
	CreatedAt int64
}

// Response is the single terminal outcome of a Request. Write-once.
type Response struct {
	RefID          string
	Status         string // success | error
	ResultMetadata string // small JSON, cheap to return
	PageSnapshot   string
	HasSnapshot    bool
	ConsoleLogs    string
	HasConsole     bool
	ErrorText      string // full text; truncation happens at the edge
	CreatedAt      int64
}

// ConsoleEntry is one normalized console log line.
type ConsoleEntry struct {
	ID       int64
	RefID    string
	Level    string
	Message  string
	Location string
	LoggedAt int64
}

// DiffCursor records the hash of the content last served for a ref id.
type DiffCursor struct {
	RefID      string
	LastHash   string
	LastReadAt int64
}

// Cookie is the tagged cookie record stored in session JSON. Fields beyond
// name/value are optional; document.cookie capture leaves them empty.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
	Expiry int64  `json:"expiry,omitempty"`
}

// Viewport is the captured window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ParseCookies validates and decodes a stored cookie JSON array. An empty
// string is a valid empty set.
func ParseCookies(s string) ([]Cookie, error) {
	if s == "" {
		return nil, nil
	}
	var cookies []Cookie
	if err := json.Unmarshal([]byte(s), &cookies); err != nil {
		return nil, fmt.Errorf("store: malformed cookie content: %w", err)
	}
	return cookies, nil
}

// ParseStorage validates and decodes a stored localStorage/sessionStorage
// JSON object. An empty string is a valid empty mapping.
func ParseStorage(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var kv map[string]string
	if err := json.Unmarshal([]byte(s), &kv); err != nil {
		return nil, fmt.Errorf("store: malformed storage content: %w", err)
	}
	return kv, nil
}

// ParseViewport decodes a stored viewport JSON object.
func ParseViewport(s string) (Viewport, error) {
	var v Viewport
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, fmt.Errorf("store: malformed viewport content: %w", err)
	}
	return v, nil
}
