package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDList parses a comma-separated list of positive integer ids,
// skipping blanks and duplicates while keeping first-seen order.
//
// Example:
//
//	ids, _ := utils.ParseIDList("3, 1,3,,7") // [3 1 7]
func ParseIDList(s string) ([]uint64, error) {
	var out []uint64
	seen := map[uint64]struct{}{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
