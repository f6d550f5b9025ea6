package repository

import (
	"errors"

	"github.com/noah-isme/lesson-sync-api/pkg/database"
)

// ErrStaleDocument is returned when a conditional write finds a newer version than the one read.
var ErrStaleDocument = errors.New("stale document version")

// IsTransient reports storage failures that may succeed when retried.
func IsTransient(err error) bool {
	return database.IsTransient(err)
}
