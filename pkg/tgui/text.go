package tgui

// TruncRunes cuts s to n runes and marks the cut with "…". Captions are
// shortened before escaping so entities are never split.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
