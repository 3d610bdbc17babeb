package strx

// Coalesce returns s if non-empty, otherwise d.
func Coalesce(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// PadRight extends s with spaces to at least n bytes.
func PadRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}
