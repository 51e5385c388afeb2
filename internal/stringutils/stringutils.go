package stringutils

// Shorten truncates str to at most maxLen bytes.
// When str is truncated, marker is appended; the result including the marker
// is at most maxLen bytes long.
func Shorten(str string, maxLen int, marker string) string {
	if len(str) <= maxLen {
		return str
	}

	if maxLen <= len(marker) {
		return marker[:maxLen]
	}

	return str[:maxLen-len(marker)] + marker
}
