package pipeline

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxSanitizedTitleBytes = 255

var reservedWindowsNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
}

func init() {
	for i := 1; i <= 9; i++ {
		reservedWindowsNames["COM"+strconv.Itoa(i)] = true
		reservedWindowsNames["LPT"+strconv.Itoa(i)] = true
	}
}

// SanitizeTitle derives a filesystem-safe working-directory name from a
// media title (§4.5 step 1): forbidden filename characters become `_`,
// trailing dots/spaces are trimmed, the result is collapsed to at most 255
// bytes, and reserved device names are suffixed to avoid collision.
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "untitled"
	}

	var b strings.Builder
	for _, r := range title {
		switch {
		case r < 0x20:
			b.WriteRune('_')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()

	out = strings.TrimRight(out, " .")
	if out == "" {
		out = "untitled"
	}

	if len(out) > maxSanitizedTitleBytes {
		out = truncateToByteLimit(out, maxSanitizedTitleBytes)
		out = strings.TrimRight(out, " .")
	}

	if reservedWindowsNames[strings.ToUpper(out)] {
		out = out + "_"
	}
	return out
}

// truncateToByteLimit cuts s to at most limit bytes without splitting a
// multi-byte rune in half.
func truncateToByteLimit(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	b := s[:limit]
	for len(b) > 0 && !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}
