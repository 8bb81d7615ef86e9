// Package service exposes the manual meeting mutations: create, cancel and
// conclude. Automatic time-driven transitions belong to the scheduler; this
// package only performs caller-initiated changes and keeps the scheduler's
// working set in step with them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ozfoundry/opsync/internal/id"
	"github.com/ozfoundry/opsync/internal/meeting/domain"
	"github.com/ozfoundry/opsync/internal/meeting/scheduler"
	"github.com/ozfoundry/opsync/internal/meeting/storage"
	"github.com/ozfoundry/opsync/internal/push"
)

// codeAttempts bounds the retry loop for meeting code collisions. The code
// space is large enough that more than one retry is already unlikely.
const codeAttempts = 5

// ErrInvalidTransition indicates a manual status change the current state
// does not allow.
var ErrInvalidTransition = errors.New("status transition not allowed")

// Registrar is the scheduler surface the service drives.
type Registrar interface {
	Register(meetingID string)
	Deregister(meetingID string)
}

// Publisher pushes meeting change notifications.
type Publisher interface {
	Publish(topic, event string, payload any) error
}

// Service coordinates meeting mutations across store, scheduler and push.
type Service struct {
	store       storage.MeetingStore
	registrar   Registrar
	publisher   Publisher
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Options tunes service behavior; zero values use defaults.
type Options struct {
	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// New creates a meeting service.
func New(store storage.MeetingStore, registrar Registrar, publisher Publisher, options Options) *Service {
	if options.Clock == nil {
		options.Clock = time.Now
	}
	if options.IDGenerator == nil {
		options.IDGenerator = id.NewID
	}
	return &Service{
		store:       store,
		registrar:   registrar,
		publisher:   publisher,
		clock:       options.Clock,
		idGenerator: options.IDGenerator,
	}
}

// Create validates and persists a new meeting, assigns a unique pairing code,
// and registers the meeting with the scheduler so its status starts tracking
// the clock.
func (s *Service) Create(ctx context.Context, input domain.CreateMeetingInput) (domain.Meeting, error) {
	meeting, err := domain.CreateMeeting(input, s.clock, s.idGenerator)
	if err != nil {
		return domain.Meeting{}, err
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := domain.NewCode()
		if err != nil {
			return domain.Meeting{}, err
		}
		meeting.Code = code

		err = s.store.Put(ctx, meeting)
		if err == nil {
			s.registrar.Register(meeting.ID)
			log.Printf("meeting: created %s (%s) starting %s", meeting.Code, meeting.ID, meeting.StartTime.Format(time.RFC3339))
			return meeting, nil
		}
		if !errors.Is(err, storage.ErrCodeTaken) {
			return domain.Meeting{}, fmt.Errorf("store meeting: %w", err)
		}
	}
	return domain.Meeting{}, fmt.Errorf("store meeting: %w", storage.ErrCodeTaken)
}

// Get returns a meeting by id.
func (s *Service) Get(ctx context.Context, meetingID string) (domain.Meeting, error) {
	return s.store.Get(ctx, meetingID)
}

// GetByCode returns a meeting by its pairing code.
func (s *Service) GetByCode(ctx context.Context, code string) (domain.Meeting, error) {
	return s.store.GetByCode(ctx, code)
}

// Cancel manually cancels a meeting. Allowed from Pending and InProgress.
func (s *Service) Cancel(ctx context.Context, meetingID string) (domain.Meeting, error) {
	return s.transition(ctx, meetingID, domain.StatusCancelled, domain.Status.CanCancel)
}

// Conclude manually concludes a meeting. Allowed from InProgress only.
func (s *Service) Conclude(ctx context.Context, meetingID string) (domain.Meeting, error) {
	return s.transition(ctx, meetingID, domain.StatusConcluded, domain.Status.CanConclude)
}

// transition applies a manual terminal transition with a conditional store
// update, removes the meeting from the scheduler's working set and publishes
// the change. A concurrent sweep commit surfaces as ErrInvalidTransition
// through the re-read guard or the conditional write.
func (s *Service) transition(ctx context.Context, meetingID string, next domain.Status, allowed func(domain.Status) bool) (domain.Meeting, error) {
	meeting, err := s.store.Get(ctx, meetingID)
	if err != nil {
		return domain.Meeting{}, err
	}

	if !allowed(meeting.Status) {
		return domain.Meeting{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, meeting.Status, next)
	}

	now := s.clock().UTC()
	if err := s.store.UpdateStatus(ctx, meetingID, meeting.Status, next, now); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return domain.Meeting{}, fmt.Errorf("%w: meeting changed concurrently", ErrInvalidTransition)
		}
		return domain.Meeting{}, fmt.Errorf("update meeting status: %w", err)
	}

	s.registrar.Deregister(meetingID)

	oldStatus := meeting.Status
	meeting.Status = next
	meeting.UpdatedAt = now

	if s.publisher != nil {
		batch := scheduler.StatusBatch{
			Changes: []scheduler.StatusChange{{
				ID:        meeting.ID,
				Code:      meeting.Code,
				OldStatus: string(oldStatus),
				NewStatus: string(next),
			}},
			Count:     1,
			Timestamp: now.Format(time.RFC3339),
		}
		if err := s.publisher.Publish(push.TopicMeetings, scheduler.EventMeetingStatus, batch); err != nil {
			log.Printf("meeting: publish %s transition: %v", meeting.Code, err)
		}
	}

	log.Printf("meeting: %s %s -> %s (manual)", meeting.Code, oldStatus, next)
	return meeting, nil
}
