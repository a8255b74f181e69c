// Package cache provides the shared key-value cache used for rate limiting,
// idempotency memoization, token revocation and distributed locks.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned for non-positive windows, limits or TTLs.
var ErrInvalidArgument = errors.New("cache: invalid argument")

// Cache is the contract every backend implements.
type Cache interface {
	// Get returns the value stored under key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// IncrementWithTTL records one hit in a sliding window and returns the
	// number of hits in the window including this one. Entries older than
	// the window are pruned in the same atomic step. When the window already
	// holds limit hits the attempt is not recorded and limit+1 is returned.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration, limit int64) (int64, error)
	// AcquireLock takes the lock when free. ok=false means another holder
	// owns it; that is an expected outcome, not an error.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseLock deletes the lock only while it is still held under token.
	ReleaseLock(ctx context.Context, key, token string) error
}

// newFencingToken returns a random lock owner token.
func newFencingToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("cache: generate fencing token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
