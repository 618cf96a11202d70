package utils

import "github.com/google/uuid"

// GenerateID returns a random identifier, prefixed when prefix is non-empty.
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
