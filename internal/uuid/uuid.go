// Package uuid provides identifier generation for patients, queue items and logs.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Canonical 8-4-4-4-12 hex form, any version.
var canonicalRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// New generates a random (v4) identifier. Used for patient unique_id.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered (v7) identifier so that ids created in
// the same millisecond still sort in creation order. Used for queue and log rows.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a canonical UUID.
func IsValid(s string) bool {
	return canonicalRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}

// DeviceID returns s trimmed, or a fresh identifier when s is blank.
func DeviceID(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return New()
}
