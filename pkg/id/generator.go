package id

import (
	"github.com/google/uuid"
)

// Generate generates a new unique ID.
func Generate() string {
	return uuid.New().String()
}

// GenerateShort generates a shorter unique ID (first 8 chars of UUID).
// Used for attempt tokens, which only need to be unique per subtask.
func GenerateShort() string {
	return uuid.New().String()[:8]
}

// Short returns the first 8 characters of an existing ID, or the whole
// ID when it is shorter.
func Short(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
