package logging

import "strings"

// Sanitize strips newlines and other control characters from user-provided
// strings before they reach the log stream, so a crafted JWT subject or
// header value cannot forge log entries.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
