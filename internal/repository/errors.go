package repository

import (
	"errors"
	"strings"
)

// Sentinel errors shared by every repository in this package. Callers
// match them with errors.Is.
var (
	// ErrNotFound means no live row matched the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEntry means an insert or update hit a uniqueness rule.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrInvalidInput means the caller passed an unusable argument.
	ErrInvalidInput = errors.New("invalid input")
)

// Unique-violation markers across the supported drivers: Postgres
// reports SQLSTATE 23505, SQLite a UNIQUE constraint message.
var duplicateMarkers = []string{
	"duplicate key",
	"UNIQUE constraint",
	"23505",
}

// isDuplicateKeyError reports whether err is a unique constraint
// violation from any supported driver.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range duplicateMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
