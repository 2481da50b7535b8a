package repositories

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: invalid id %q", ErrValidation, s)
	}
	return id, nil
}

// isUniqueViolation recognizes the unique-constraint error text both the
// sqlite and postgres drivers surface; GORM does not normalize this into a
// typed error, so callers that need ErrConflict check for it here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
