package pwkeeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// ReadContent returns the stored page content for a reference id, after
// optional search filtering and the per-ref diff cursor.
//
// Cursor semantics: the first read of a ref returns the full (filtered)
// content and records its hash. A later read whose content hashes the
// same returns an empty string; changed content returns in full and the
// cursor moves. ResetCursor forces a full return and moves the cursor
// regardless. The hash covers the content as served, so changing the
// search filter counts as a change.
func (k *Keeper) ReadContent(ctx context.Context, refID string, opts ContentOptions) (string, error) {
	resp, err := k.getResponse(ctx, refID)
	if err != nil {
		return "", err
	}
	if !resp.HasSnapshot {
		return "", ErrNoContent
	}

	content := resp.PageSnapshot
	if opts.Search != "" {
		content = filterLines(content, opts.Search, opts.BeforeLines, opts.AfterLines)
	}

	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	cursor, err := k.store.GetDiffCursor(ctx, refID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cursor = nil
	case err != nil:
		return "", err
	}

	unchanged := cursor != nil && cursor.LastHash == hash && !opts.ResetCursor

	// The cursor row moves on every read, unchanged ones included:
	// last_read_at tracks the last serve, not the last change.
	if err := k.store.UpsertDiffCursor(ctx, &store.DiffCursor{
		RefID:      refID,
		LastHash:   hash,
		LastReadAt: time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	if unchanged {
		return "", nil
	}
	return content, nil
}

// ReadConsole returns the console log for a reference id, optionally
// filtered by level. Console output is never diffed; repeated reads
// return the same payload.
func (k *Keeper) ReadConsole(ctx context.Context, refID, level string) ([]store.ConsoleEntry, error) {
	resp, err := k.getResponse(ctx, refID)
	if err != nil {
		return nil, err
	}
	if !resp.HasConsole {
		return nil, ErrNoContent
	}

	entries, err := k.store.ConsoleEntries(ctx, refID, level)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	// Normalized rows can be missing when the original insert failed;
	// fall back to parsing the stored blob.
	entries = parseConsoleBlob(refID, resp.ConsoleLogs)
	if level == "" {
		return entries, nil
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.Level == level {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (k *Keeper) getResponse(ctx context.Context, refID string) (*store.Response, error) {
	resp, err := k.store.GetResponse(ctx, refID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRefNotFound
	}
	return resp, err
}

// filterLines keeps lines containing needle plus before/after context
// lines around each match. Non-adjacent regions are separated by "--".
func filterLines(content, needle string, before, after int) string {
	lines := strings.Split(content, "\n")
	keep := make([]bool, len(lines))
	matched := false
	for i, line := range lines {
		if !strings.Contains(line, needle) {
			continue
		}
		matched = true
		lo := max(0, i-before)
		hi := min(len(lines)-1, i+after)
		for j := lo; j <= hi; j++ {
			keep[j] = true
		}
	}
	if !matched {
		return ""
	}

	var b strings.Builder
	prev := -2
	for i, line := range lines {
		if !keep[i] {
			continue
		}
		if prev >= 0 && i > prev+1 {
			b.WriteString("--\n")
		}
		b.WriteString(line)
		b.WriteByte('\n')
		prev = i
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// normalizeLevel maps a console message type onto the stored level
// vocabulary (debug, info, warn, error). Playwright emits "log" for plain
// console.log and "warning" for console.warn; anything unrecognized lands
// on info so a single odd entry never sinks the whole batch insert.
func normalizeLevel(t string) string {
	switch strings.ToLower(t) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

// parseConsoleBlob normalizes the console payload the subprocess returns.
// The blob is either a JSON array of {type,text,location} objects or, on
// older subprocess versions, plain "[LEVEL] message" lines. Unparseable
// input degrades to a single info-level entry rather than dropping data.
func parseConsoleBlob(refID, blob string) []store.ConsoleEntry {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}

	now := time.Now().UnixMilli()
	if strings.HasPrefix(blob, "[{") || blob == "[]" {
		var raw []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Location string `json:"location"`
		}
		if err := json.Unmarshal([]byte(blob), &raw); err == nil {
			entries := make([]store.ConsoleEntry, 0, len(raw))
			for _, m := range raw {
				entries = append(entries, store.ConsoleEntry{
					RefID:    refID,
					Level:    normalizeLevel(m.Type),
					Message:  m.Text,
					Location: m.Location,
					LoggedAt: now,
				})
			}
			return entries
		}
	}

	var entries []store.ConsoleEntry
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		level, msg := "", line
		if strings.HasPrefix(line, "[") {
			if end := strings.Index(line, "]"); end > 1 {
				level = line[1:end]
				msg = strings.TrimSpace(line[end+1:])
			}
		}
		entries = append(entries, store.ConsoleEntry{
			RefID:    refID,
			Level:    normalizeLevel(level),
			Message:  msg,
			LoggedAt: now,
		})
	}
	return entries
}
