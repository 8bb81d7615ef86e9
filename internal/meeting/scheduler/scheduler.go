// Package scheduler advances meetings through their time-driven lifecycle.
//
// A single working set holds every meeting that still needs periodic
// re-evaluation. One lazily started ticker sweeps the whole set on a fixed
// cadence instead of running one timer per meeting; each sweep evaluates the
// entries concurrently, commits transitions with compare-and-set writes, and
// publishes all changes of the pass as one batch notification.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ozfoundry/opsync/internal/meeting/domain"
	"github.com/ozfoundry/opsync/internal/meeting/storage"
	"github.com/ozfoundry/opsync/internal/platform/timeouts"
	"github.com/ozfoundry/opsync/internal/push"
)

// DefaultSweepInterval is the cadence between sweep passes. It is short
// relative to meeting granularity so a status boundary is observed within
// one interval.
const DefaultSweepInterval = 30 * time.Second

// EventMeetingStatus names the batched meeting transition event.
const EventMeetingStatus = "meeting.status"

// StatusChange records one committed transition observed during a sweep.
type StatusChange struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// StatusBatch is the single notification payload for one sweep pass.
type StatusBatch struct {
	Changes   []StatusChange `json:"changes"`
	Count     int            `json:"count"`
	Timestamp string         `json:"timestamp"`
}

// Publisher pushes batch notifications to topic subscribers.
type Publisher interface {
	Publish(topic, event string, payload any) error
}

// Scheduler owns the meeting working set and the sweep loop.
type Scheduler struct {
	store     storage.MeetingStore
	publisher Publisher
	interval  time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	working map[string]struct{}
	stop    chan struct{}

	wg sync.WaitGroup
}

// Options tunes scheduler behavior; zero values use defaults.
type Options struct {
	SweepInterval time.Duration
	Clock         func() time.Time
}

// New creates a scheduler over the given store and publisher. No sweep runs
// until the first meeting is registered.
func New(store storage.MeetingStore, publisher Publisher, options Options) *Scheduler {
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		interval:  options.SweepInterval,
		clock:     options.Clock,
		working:   make(map[string]struct{}),
	}
}

// Register adds a meeting to the working set and starts the sweep loop if it
// is not already running. Idempotent.
func (s *Scheduler) Register(meetingID string) {
	if meetingID == "" {
		return
	}

	s.mu.Lock()
	s.working[meetingID] = struct{}{}
	start := s.stop == nil
	var stop chan struct{}
	if start {
		stop = make(chan struct{})
		s.stop = stop
	}
	s.mu.Unlock()

	if start {
		log.Printf("scheduler: starting sweep loop (interval %s)", s.interval)
		s.wg.Add(1)
		go s.loop(stop)
	}
}

// Deregister removes a meeting from the working set, stopping the sweep loop
// once the set empties. Idempotent; invoked on manual Cancel/Conclude.
func (s *Scheduler) Deregister(meetingID string) {
	s.mu.Lock()
	delete(s.working, meetingID)
	var stop chan struct{}
	if len(s.working) == 0 && s.stop != nil {
		stop = s.stop
		s.stop = nil
	}
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Contains reports whether a meeting is still in the working set.
func (s *Scheduler) Contains(meetingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.working[meetingID]
	return ok
}

// Size reports the current working-set size.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.working)
}

// Restore registers every non-terminal meeting found in the store, rebuilding
// the working set after a process restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	meetings, err := s.store.ListByStatus(ctx, domain.StatusPending, domain.StatusInProgress)
	if err != nil {
		return err
	}
	for _, meeting := range meetings {
		s.Register(meeting.ID)
	}
	if len(meetings) > 0 {
		log.Printf("scheduler: restored %d meeting(s) into the working set", len(meetings))
	}
	return nil
}

// Stop halts the sweep loop without clearing the working set. The loop
// restarts on the next Register call.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Evaluate immediately so a meeting created in the past does not wait a
	// full interval for its first status.
	s.Sweep(context.Background())

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
		if s.idle(stop) {
			return
		}
	}
}

// idle stops the loop when the working set emptied during a sweep and no
// Deregister call raced us to it.
func (s *Scheduler) idle(stop chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.working) > 0 {
		return false
	}
	if s.stop == stop {
		s.stop = nil
		log.Print("scheduler: working set empty, stopping sweep loop")
	}
	return true
}

// Sweep evaluates every working-set meeting against the current clock,
// commits transitions, and publishes all changes of the pass as one batch.
// Entries are evaluated concurrently and in isolation: one meeting's failure
// never aborts the pass for the others.
func (s *Scheduler) Sweep(ctx context.Context) []StatusChange {
	now := s.clock().UTC()

	s.mu.Lock()
	ids := make([]string, 0, len(s.working))
	for meetingID := range s.working {
		ids = append(ids, meetingID)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	var (
		changesMu sync.Mutex
		changes   []StatusChange
		wg        sync.WaitGroup
	)
	for _, meetingID := range ids {
		wg.Add(1)
		go func(meetingID string) {
			defer wg.Done()
			change := s.evaluateOne(ctx, meetingID, now)
			if change == nil {
				return
			}
			changesMu.Lock()
			changes = append(changes, *change)
			changesMu.Unlock()
		}(meetingID)
	}
	wg.Wait()

	if len(changes) == 0 {
		return nil
	}

	batch := StatusBatch{
		Changes:   changes,
		Count:     len(changes),
		Timestamp: now.Format(time.RFC3339),
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(push.TopicMeetings, EventMeetingStatus, batch); err != nil {
			log.Printf("scheduler: publish status batch: %v", err)
		}
	}
	return changes
}

// evaluateOne re-evaluates a single meeting and commits its transition, if
// any. The commit happens before the change is reported so subscribers never
// hear about a status the store does not yet reflect.
func (s *Scheduler) evaluateOne(ctx context.Context, meetingID string, now time.Time) *StatusChange {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	meeting, err := s.store.Get(callCtx, meetingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("scheduler: meeting %s disappeared, dropping from working set", meetingID)
			s.remove(meetingID)
			return nil
		}
		log.Printf("scheduler: read meeting %s: %v", meetingID, err)
		return nil
	}

	if meeting.Status.IsTerminal() {
		// Manually resolved since registration; nothing left to track.
		s.remove(meetingID)
		return nil
	}

	next := domain.Evaluate(meeting, now)
	if next == meeting.Status {
		return nil
	}

	if err := s.store.UpdateStatus(callCtx, meetingID, meeting.Status, next, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrStaleStatus):
			// A manual mutation won the race; its state is authoritative
			// and the next sweep observes it.
			return nil
		case errors.Is(err, storage.ErrNotFound):
			s.remove(meetingID)
			return nil
		default:
			log.Printf("scheduler: commit meeting %s transition: %v", meetingID, err)
			return nil
		}
	}

	if next.IsTerminal() {
		s.remove(meetingID)
	}

	log.Printf("scheduler: meeting %s %s -> %s", meeting.Code, meeting.Status, next)
	return &StatusChange{
		ID:        meeting.ID,
		Code:      meeting.Code,
		OldStatus: string(meeting.Status),
		NewStatus: string(next),
	}
}

// remove drops an id from the working set without touching the sweep loop;
// the loop notices emptiness on its next pass.
func (s *Scheduler) remove(meetingID string) {
	s.mu.Lock()
	delete(s.working, meetingID)
	s.mu.Unlock()
}
