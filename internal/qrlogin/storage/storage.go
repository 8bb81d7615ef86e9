// Package storage defines the persistence boundary for QR login sessions.
// Sessions are short-lived records; each write carries the retention TTL the
// caller wants, and the store is free to drop records whose TTL elapsed.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ozfoundry/opsync/internal/qrlogin/domain"
)

// ErrNotFound indicates no live session exists under the given id.
var ErrNotFound = errors.New("session not found in store")

// SessionStore persists login sessions with per-write retention.
type SessionStore interface {
	// Put writes the session, replacing any previous value and resetting the
	// retention TTL.
	Put(ctx context.Context, session domain.Session, ttl time.Duration) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (domain.Session, error)

	// Delete removes the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns every live session. Used by the cleanup sweeper; order is
	// unspecified.
	List(ctx context.Context) ([]domain.Session, error)
}
