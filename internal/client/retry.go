package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond
)

// ExternalServiceError wraps a provider failure that survived retries.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s service error: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// statusError carries the HTTP status and body of a failed provider call so
// retry classification does not depend on string matching alone.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

// crashSignatures are substrings of provider errors that indicate a
// transient runtime crash rather than a bad request.
var crashSignatures = []string{
	"connection reset",
	"connection refused",
	"unexpected EOF",
	"timeout",
	"deadline exceeded",
	"overloaded",
	"internal error",
}

// IsRetryable classifies an error as retryable: HTTP 429 and 5xx, or a
// runtime-crash signature. Everything else propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == 429 || se.status >= 500
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	for _, sig := range crashSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Retry runs operation with exponential backoff (baseDelay doubling per
// attempt), retrying only errors IsRetryable classifies as transient.
// Returns the last error when attempts are exhausted.
func Retry(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		log.Printf("Retryable error (attempt %d/%d), backing off %s: %v",
			attempt, maxAttempts, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
