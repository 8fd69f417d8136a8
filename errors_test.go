package pwkeeper

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateErrorShortPassthrough(t *testing.T) {
	msg := "connection refused"
	if got := truncateError(msg); got != msg {
		t.Fatalf("short message changed: %q", got)
	}
}

// TestTruncateErrorRuneBoundary places a multi-byte rune straddling the
// truncation point and expects the cut to back up instead of splitting
// it.
func TestTruncateErrorRuneBoundary(t *testing.T) {
	msg := strings.Repeat("a", maxErrorLen-1) + "é" + strings.Repeat("b", 50)
	got := truncateError(msg)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got[:20])
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("missing truncation marker: %q", got)
	}
	if strings.ContainsRune(got, 'é') {
		t.Error("the straddling rune should have been dropped whole")
	}
	if len(got) > maxErrorLen+40 {
		t.Errorf("truncated length %d exceeds the bound", len(got))
	}
}
