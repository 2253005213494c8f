package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a rejected write. The prior value is untouched.
type ValidationError struct {
	Key      string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.Key, strings.Join(e.Problems, "; "))
}

// StatusCode lets the HTTP layer map the error to 400.
func (e *ValidationError) StatusCode() int { return 400 }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SnapshotNotFoundError is returned by Rollback when the target is unknown.
type SnapshotNotFoundError struct{ ID string }

func (e *SnapshotNotFoundError) Error() string { return "config snapshot not found: " + e.ID }

func (e *SnapshotNotFoundError) StatusCode() int { return 404 }

// IsSnapshotNotFound reports whether err is (or wraps) a SnapshotNotFoundError.
func IsSnapshotNotFound(err error) bool {
	var nf *SnapshotNotFoundError
	return errors.As(err, &nf)
}

// KeyNotFoundError is returned when reading a key that is not in the schema.
type KeyNotFoundError struct{ Key string }

func (e *KeyNotFoundError) Error() string { return "config key not found: " + e.Key }

func (e *KeyNotFoundError) StatusCode() int { return 404 }

func IsKeyNotFound(err error) bool {
	var nf *KeyNotFoundError
	return errors.As(err, &nf)
}
