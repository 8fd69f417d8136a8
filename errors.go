package pwkeeper

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("pwkeeper: session not found")

// ErrSessionNotActive is returned when an operation needs an active
// session.
var ErrSessionNotActive = errors.New("pwkeeper: session not active")

// ErrRefNotFound is returned when a reference id has no recorded
// response.
var ErrRefNotFound = errors.New("pwkeeper: reference not found")

// ErrNoContent is returned when a response exists but carries no page
// content. Distinct from an unchanged diff, which is an empty string.
var ErrNoContent = errors.New("pwkeeper: no content for reference")

// maxErrorLen bounds error text returned to callers. The full text is
// always retained in the store.
const maxErrorLen = 500

// truncateError shortens long diagnostic text for transport. The cut
// backs up to a rune boundary so the result stays valid UTF-8.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... (truncated, %d total chars)", msg[:cut], len(msg))
}
