package transcript

// TruncateTail keeps the last limit runes of s. A non-positive limit
// disables the cap.
func TruncateTail(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[len(r)-limit:])
}
