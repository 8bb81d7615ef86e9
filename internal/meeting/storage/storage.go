// Package storage defines persistence interfaces for meeting records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ozfoundry/opsync/internal/meeting/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrStaleStatus indicates a conditional write lost a race: the record's
// status no longer matches the expected prior state. The winner's state is
// authoritative and the loser's transition is silently superseded.
var ErrStaleStatus = errors.New("meeting status changed concurrently")

// ErrCodeTaken indicates a meeting code collided with an existing record.
var ErrCodeTaken = errors.New("meeting code already in use")

// MeetingStore persists meeting records with compare-and-set status updates.
type MeetingStore interface {
	// Put inserts a new meeting record. Returns ErrCodeTaken when the
	// meeting code collides with an existing record.
	Put(ctx context.Context, meeting domain.Meeting) error

	// Get fetches a meeting by ID.
	Get(ctx context.Context, id string) (domain.Meeting, error)

	// GetByCode fetches a meeting by its human pairing code.
	GetByCode(ctx context.Context, code string) (domain.Meeting, error)

	// UpdateStatus transitions a meeting from expected to next. Returns
	// ErrStaleStatus when the stored status is no longer expected, and
	// ErrNotFound when no record exists.
	UpdateStatus(ctx context.Context, id string, expected, next domain.Status, updatedAt time.Time) error

	// ListByStatus returns every meeting currently in one of the given
	// statuses, used to rebuild the scheduler working set at boot.
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Meeting, error)
}
