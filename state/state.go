package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
)

// StateStore is the key-value interface the swarm persists through.
// Keys are dot-separated ("swarm.workers.<id>").
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(key string) ([]byte, error)

	// Put stores a value. A zero ttl means the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns the keys matching pattern, sorted.
	// Pattern supports a trailing * wildcard ("swarm.results.*").
	Keys(pattern string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	switch {
	case key == "",
		strings.ContainsAny(key, " *>"),
		strings.HasPrefix(key, "."),
		strings.HasSuffix(key, "."),
		len(key) > 1024:
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "swarm.*" matches "swarm.workers.a").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
