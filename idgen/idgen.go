// Package idgen generates identifiers for stored records. UUIDv7 is the
// default: time-sortable, so rows inserted in order also sort by id.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen (e.g. "run_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator used by New.
var Default Generator = UUIDv7()

// New produces an id with Default.
func New() string {
	return Default()
}

// Parse validates the UUID part of s, after an optional prefix ending in
// '_', and returns s unchanged.
func Parse(s string) (string, error) {
	raw := s
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			raw = s[i+1:]
			break
		}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
