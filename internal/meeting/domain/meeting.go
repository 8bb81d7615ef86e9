// Package domain defines the meeting record and its time-driven lifecycle.
package domain

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Status is the lifecycle state of a meeting.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusConcluded  Status = "Concluded"
	StatusCancelled  Status = "Cancelled"
)

// ErrEmptyTopic indicates a meeting was created without a topic.
var ErrEmptyTopic = errors.New("meeting topic is required")

// ErrEmptyOrganizer indicates a meeting was created without an organizer.
var ErrEmptyOrganizer = errors.New("organizer id is required")

// ErrInvalidDuration indicates a non-positive meeting duration.
var ErrInvalidDuration = errors.New("duration must be a positive number of minutes")

// Meeting is a time-bounded entity whose status tracks wall-clock time until
// a terminal state is reached.
type Meeting struct {
	ID              string
	Code            string
	Topic           string
	Description     string
	OrganizerID     string
	StartTime       time.Time
	DurationMinutes int
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EndTime returns the instant the meeting's scheduled window closes.
func (m Meeting) EndTime() time.Time {
	return m.StartTime.Add(time.Duration(m.DurationMinutes) * time.Minute)
}

// IsTerminal reports whether no further automatic transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusConcluded || s == StatusCancelled
}

// Valid reports whether s is a known meeting status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusConcluded, StatusCancelled:
		return true
	}
	return false
}

// Evaluate returns the status the meeting should hold at the given instant.
//
// It is a pure function of (status, start time, duration, now): Cancelled is
// terminal and time-independent; otherwise the status follows the scheduled
// window [StartTime, StartTime+duration). Callers commit the store update only
// when the result differs from the current status, and always before
// advertising the transition.
func Evaluate(m Meeting, now time.Time) Status {
	if m.Status == StatusCancelled {
		return StatusCancelled
	}
	if now.Before(m.StartTime) {
		return StatusPending
	}
	if now.Before(m.EndTime()) {
		return StatusInProgress
	}
	return StatusConcluded
}

// CanCancel reports whether a manual cancellation is allowed from s.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusInProgress
}

// CanConclude reports whether a manual conclusion is allowed from s.
func (s Status) CanConclude() bool {
	return s == StatusInProgress
}

// CreateMeetingInput carries the caller-supplied fields for a new meeting.
type CreateMeetingInput struct {
	Topic           string
	Description     string
	OrganizerID     string
	StartTime       time.Time
	DurationMinutes int
}

// CreateMeeting validates input and builds a meeting record. The initial
// status is InProgress when the start time has already passed, Pending
// otherwise; a meeting whose window has fully elapsed still starts InProgress
// and is concluded by the first sweep after registration.
func CreateMeeting(input CreateMeetingInput, clock func() time.Time, idGenerator func() (string, error)) (Meeting, error) {
	if clock == nil {
		clock = time.Now
	}

	topic := strings.TrimSpace(input.Topic)
	if topic == "" {
		return Meeting{}, ErrEmptyTopic
	}
	organizerID := strings.TrimSpace(input.OrganizerID)
	if organizerID == "" {
		return Meeting{}, ErrEmptyOrganizer
	}
	if input.DurationMinutes <= 0 {
		return Meeting{}, ErrInvalidDuration
	}
	if input.StartTime.IsZero() {
		return Meeting{}, errors.New("start time is required")
	}

	meetingID, err := idGenerator()
	if err != nil {
		return Meeting{}, fmt.Errorf("generate meeting id: %w", err)
	}

	now := clock().UTC()
	status := StatusPending
	if !input.StartTime.After(now) {
		status = StatusInProgress
	}

	return Meeting{
		ID:              meetingID,
		Topic:           topic,
		Description:     strings.TrimSpace(input.Description),
		OrganizerID:     organizerID,
		StartTime:       input.StartTime.UTC(),
		DurationMinutes: input.DurationMinutes,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NewCode generates a human-pairable meeting code in the form xxx-xxxx-xxxx.
// Uniqueness is enforced by the caller against the store.
func NewCode() (string, error) {
	part1, err := randomDigits(3)
	if err != nil {
		return "", err
	}
	part2, err := randomDigits(4)
	if err != nil {
		return "", err
	}
	part3, err := randomDigits(4)
	if err != nil {
		return "", err
	}
	return part1 + "-" + part2 + "-" + part3, nil
}

func randomDigits(n int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate meeting code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, value), nil
}
