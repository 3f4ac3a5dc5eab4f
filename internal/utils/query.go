// Package utils holds small parsing helpers for HTTP query values. They
// carry no domain knowledge.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as an int, ignoring surrounding whitespace. Empty or
// invalid input (including overflow) yields def.
//
//	utils.AtoiDefault("42", 0)  // 42
//	utils.AtoiDefault(" 7", 1)  // 7
//	utils.AtoiDefault("x", 5)   // 5
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BoundedInt parses s with AtoiDefault and clamps the result, the usual
// shape of page, per_page and limit parameters.
func BoundedInt(s string, def, lo, hi int) int {
	return ClampInt(AtoiDefault(s, def), lo, hi)
}
