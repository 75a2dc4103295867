// Package uuid generates and checks the identifiers used for nodes, entities
// and bearer tokens.
package uuid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new lowercase UUID v4.
func New() string {
	return uuid.New().String()
}

// Validate returns an error unless s is a UUID v4 in canonical form
// (36 characters, dashed, lowercase).
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID %q: want 36 characters, got %d", s, len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("invalid UUID %q: expected RFC 4122 v4, got v%d", s, id.Version())
	}
	if s != strings.ToLower(s) {
		return fmt.Errorf("invalid UUID %q: must be lowercase", s)
	}
	return nil
}

// IsValid reports whether s passes Validate.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// NewToken returns a random bearer token with 256 bits of entropy.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
