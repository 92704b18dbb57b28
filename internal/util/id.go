package util

import "github.com/google/uuid"

// NewID returns a collision-resistant identifier for conversion records.
func NewID() string {
	return uuid.NewString()
}
