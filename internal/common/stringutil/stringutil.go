// Package stringutil provides small string helpers shared by chat formatting code.
package stringutil

// Truncate cuts s to at most maxLen bytes.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis cuts s to maxLen bytes, replacing the tail with "..." when
// anything was removed.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// ShortID returns the 8 character prefix used to refer to sessions in chat.
func ShortID(id string) string {
	return Truncate(id, 8)
}
