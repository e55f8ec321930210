package store

import (
	"errors"
	"fmt"
)

// MaxUserIDLength is the maximum allowed length for user identifiers.
// Matches the VARCHAR(255) key of the users table.
const MaxUserIDLength = 255

// ValidateUserID rejects empty and oversized user identifiers.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user identifier is empty")
	}
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("user identifier too long: %d chars (max %d)", len(id), MaxUserIDLength)
	}
	return nil
}
