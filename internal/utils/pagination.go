// Package utils holds small parsing helpers shared by the HTTP layer and the
// CLI.
package utils

import "strconv"

// AtoiDefault parses s, returning def when s is empty or not an integer.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// PageSize parses a requested page size, defaulting to def and clamping to
// [1, max].
func PageSize(raw string, def, max int) int {
	return Clamp(AtoiDefault(raw, def), 1, max)
}
