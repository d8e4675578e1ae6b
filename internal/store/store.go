// Package store provides the session state store: durable, versioned
// persistence of assessment sessions with compare-and-swap saves.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/shared"
)

// Sentinel errors returned by every Repository implementation.
var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyExists   = errors.New("session already exists")
	ErrVersionConflict = errors.New("session version conflict")
	// ErrTransient marks storage errors that are expected to clear on retry.
	ErrTransient = errors.New("transient storage error")
)

// Repository persists assessment sessions keyed by session id.
type Repository interface {
	// Setup initializes the storage schema. Safe to call on every start.
	Setup(ctx context.Context) error

	// Load returns the stored session or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*domain.AssessmentSession, error)

	// Create stores a new session in the initializing phase with version 1.
	// It fails with ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, sessionID, frameworkID string) (*domain.AssessmentSession, error)

	// Save writes s if the stored version still equals s.Version. On success
	// s.Version is incremented and s.LastUpdatedAt is set. A mismatch returns
	// ErrVersionConflict and leaves the stored record untouched.
	Save(ctx context.Context, s *domain.AssessmentSession) error

	// ListIdle returns sessions that are not closed and were last updated
	// before the cutoff.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*domain.AssessmentSession, error)

	// DeleteClosedBefore removes completed and abandoned sessions last updated
	// before the cutoff and returns how many were deleted.
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return shared.IsSQLiteConflictError(err)
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
