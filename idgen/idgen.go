// Package idgen provides pluggable ID generation.
//
// Constructors that mint identifiers (services, queues, stores) accept a
// Generator so the ID strategy is a startup-time decision.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// ("tsk_", "rcp_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// namespace scopes Derived IDs so they never collide with random UUIDs from
// other systems using the same seeds.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:recette:ids"))

// Derived returns a deterministic UUID v5 for seed, prefixed. The same seed
// always maps to the same ID, which makes writes keyed by it idempotent.
func Derived(prefix, seed string) string {
	return prefix + uuid.NewSHA1(namespace, []byte(seed)).String()
}

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates an ID, with or without a "xxx_" prefix, and returns it
// unchanged or an error.
func Parse(s string) (string, error) {
	raw := s
	if i := strings.IndexByte(s, '_'); i >= 0 && i < 8 {
		raw = s[i+1:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return s, nil
}
