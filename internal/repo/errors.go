package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrDuplicate is returned when an insert hits a unique constraint, usually
// because a concurrent caller created the same row first.
var ErrDuplicate = errors.New("duplicate record")

// asDuplicate maps unique-constraint violations to ErrDuplicate and returns
// every other error unchanged.
func asDuplicate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	// glebarez/sqlite and the mysql driver report violations as plain text.
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate entry") ||
		strings.Contains(low, "duplicate key value") {
		return ErrDuplicate
	}
	return err
}
