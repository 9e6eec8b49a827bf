package logging

import "unicode/utf8"

// MaxLogFieldLength bounds string fields such as CLI output attached to log entries
const MaxLogFieldLength = 512

// Truncate shortens s to MaxLogFieldLength bytes
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to at most n bytes, appending "..." when something
// was cut. The cut never splits a UTF-8 sequence.
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
