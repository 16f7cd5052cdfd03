package service

import (
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/models"
)

var (
	ErrConcurrentSyncConflict = errors.New("concurrent sync conflict")
	ErrSessionAlreadyRunning  = errors.New("sync session already running")
	ErrSyncTimeout            = errors.New("sync timeout")
	ErrInvalidEntityType      = errors.New("invalid entity type")
	ErrSessionNotFound        = errors.New("sync session not found")
	ErrSessionNotRunning      = errors.New("sync session not running")
)

// TransientAPIError is a network failure or 5xx that survived every retry.
type TransientAPIError struct {
	Entity   models.EntityType
	Attempts int
	Err      error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("transient api error for %s after %d attempts: %v", e.Entity, e.Attempts, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// RateLimitedError is returned once rate-limit retries are exhausted.
type RateLimitedError struct {
	Entity     models.EntityType
	Hits       int
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s (%d hits): %v", e.Entity, e.Hits, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// MalformedRecordError describes one record the staging writer refused.
type MalformedRecordError struct {
	Entity     models.EntityType
	Index      int
	ExternalID string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("malformed %s record %s: %s", e.Entity, e.ExternalID, e.Reason)
	}
	return fmt.Sprintf("malformed %s record at index %d: %s", e.Entity, e.Index, e.Reason)
}
