package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/activation/internal/eligibility"
	"github.com/kkkkikiki/activation/internal/repository"
)

const (
	ReasonRateLimited       eligibility.Reason = "rate_limited"
	ReasonConcurrentAttempt eligibility.Reason = "concurrent_attempt"
)

// RejectionError is an expected, user-facing refusal.
type RejectionError struct {
	Reason     eligibility.Reason
	Detail     string
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("activation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("activation rejected: %s (%s)", e.Reason, e.Detail)
}

func reject(reason eligibility.Reason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

var (
	// ErrInternal marks retryable failures whose detail must not reach callers
	ErrInternal = errors.New("service: internal error")

	// ErrReservationConflict is returned when a stock or budget reservation loses a race
	ErrReservationConflict = fmt.Errorf("%w: reservation conflict", ErrInternal)

	// ErrEligibilityChanged is returned when the in-lock check disagrees with the first pass
	ErrEligibilityChanged = fmt.Errorf("%w: eligibility changed", ErrInternal)

	ErrInvalidRequest = errors.New("service: invalid request")

	ErrNotFound = repository.ErrNotFound
)
