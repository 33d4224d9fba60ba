package outbox

import (
	"regexp"
	"strings"
)

// Stored failure messages are bounded so repeated retries cannot grow the
// last_error column without limit, and connection-string credentials never
// land in the event log.
const (
	maxStoredErrorLength = 500
	truncatedSuffix      = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

var credentialPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`)

// SanitizeErrorMessage redacts embedded credentials and bounds the message
// to maxStoredErrorLength runes before storage.
func SanitizeErrorMessage(msg string) string {
	redacted := credentialPattern.ReplaceAllString(strings.TrimSpace(msg), `$1:`+redactedValue+`@`)

	runes := []rune(redacted)
	if len(runes) <= maxStoredErrorLength {
		return redacted
	}

	suffixRunes := []rune(truncatedSuffix)
	if maxStoredErrorLength <= len(suffixRunes) {
		return string(runes[:maxStoredErrorLength])
	}

	return string(runes[:maxStoredErrorLength-len(suffixRunes)]) + truncatedSuffix
}

// SanitizeError is the error-typed convenience wrapper.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}
