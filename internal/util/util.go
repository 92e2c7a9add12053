package util

import "strings"

// Ellipsis is appended by Clip and TruncateString when text is cut.
const Ellipsis = "..."

// Clip returns at most n runes of s followed by an ellipsis when s was longer.
// The ellipsis does not count toward n.
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + Ellipsis
}

// TruncateString shortens s so that the result, ellipsis included, fits in maxLen runes.
// With preserveWords it backs off to the last whitespace before the cut when one exists.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= len(Ellipsis) {
		return Ellipsis[:maxLen]
	}
	cut := maxLen - len(Ellipsis)
	if preserveWords {
		for i := cut - 1; i > 0; i-- {
			if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
				cut = i
				break
			}
		}
	}
	return string(runes[:cut]) + Ellipsis
}

// ContainsFold reports whether slice contains item, ignoring case.
func ContainsFold(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
