// Package clock provides the trusted time and randomness sources used by
// the activation engine.
package clock

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

// RandomSource draws uniform integers in [0, n).
// Implementations must be cryptographically secure: prize outcomes depend on it.
type RandomSource interface {
	Int63n(n int64) (int64, error)
}

// System is the wall clock, always in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a manually advanced clock for tests and replays.
// Safe for concurrent use.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a clock frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// ErrInvalidBound is returned when the draw bound is not positive.
var ErrInvalidBound = errors.New("clock: random bound must be positive")

// Crypto draws from crypto/rand.
type Crypto struct{}

func (Crypto) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidBound
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("clock: read random: %w", err)
	}
	return v.Int64(), nil
}
