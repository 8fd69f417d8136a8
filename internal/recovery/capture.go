// Package recovery implements the session-recovery machinery: periodic
// state capture, the startup classifier, and best-effort rehydration.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// Caller issues tool calls through the supervised transport. Satisfied by
// *supervisor.Supervisor.
type Caller interface {
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
}

// Capture pulls a session's recoverable state out of the live browser.
type Capture struct {
	caller Caller
}

// NewCapture creates a Capture over the given caller.
func NewCapture(caller Caller) *Capture {
	return &Capture{caller: caller}
}

// State captures URL, cookies, localStorage, sessionStorage, and viewport
// for the session. Any failed call aborts the capture; the caller decides
// whether a missed capture matters (the scheduler tolerates it).
func (c *Capture) State(ctx context.Context, sessionID string) (*store.Snapshot, error) {
	url, err := c.evaluate(ctx, "() => window.location.href")
	if err != nil {
		return nil, fmt.Errorf("recovery: capture url: %w", err)
	}
	cookieStr, err := c.evaluate(ctx, "() => document.cookie")
	if err != nil {
		return nil, fmt.Errorf("recovery: capture cookies: %w", err)
	}
	localStorage, err := c.evaluate(ctx, "() => JSON.stringify(localStorage)")
	if err != nil {
		return nil, fmt.Errorf("recovery: capture localStorage: %w", err)
	}
	sessionStorage, err := c.evaluate(ctx, "() => JSON.stringify(sessionStorage)")
	if err != nil {
		return nil, fmt.Errorf("recovery: capture sessionStorage: %w", err)
	}
	viewport, err := c.evaluate(ctx,
		"() => JSON.stringify({width: window.innerWidth, height: window.innerHeight})")
	if err != nil {
		return nil, fmt.Errorf("recovery: capture viewport: %w", err)
	}

	cookies, err := json.Marshal(parseCookieHeader(cookieStr))
	if err != nil {
		return nil, fmt.Errorf("recovery: encode cookies: %w", err)
	}

	return &store.Snapshot{
		SessionID:      sessionID,
		CurrentURL:     url,
		Cookies:        string(cookies),
		LocalStorage:   localStorage,
		SessionStorage: sessionStorage,
		Viewport:       viewport,
		SnapshotTime:   time.Now().UnixMilli(),
	}, nil
}

// evaluate runs a JS function in the page and returns the textual result.
func (c *Capture) evaluate(ctx context.Context, fn string) (string, error) {
	raw, err := c.caller.CallTool(ctx, "browser_evaluate", map[string]any{"function": fn})
	if err != nil {
		return "", err
	}
	return extractText(raw), nil
}

// extractText pulls the result string out of an MCP tool result:
// {"content":[{"type":"text","text":"..."}]}.
func extractText(raw json.RawMessage) string {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ""
	}
	if len(result.Content) == 0 {
		return ""
	}
	return result.Content[0].Text
}

// parseCookieHeader turns a document.cookie string ("a=1; b=2") into
// tagged cookie records. Domain/path/expiry are not visible through
// document.cookie and stay empty.
func parseCookieHeader(s string) []store.Cookie {
	if s == "" {
		return []store.Cookie{}
	}
	var cookies []store.Cookie
	for _, part := range strings.Split(s, "; ") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		cookies = append(cookies, store.Cookie{Name: name, Value: value})
	}
	if cookies == nil {
		cookies = []store.Cookie{}
	}
	return cookies
}
