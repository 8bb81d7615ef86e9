package domain

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func testIDGenerator() (string, error) {
	return "meeting-test-id", nil
}

func TestEvaluateFollowsScheduledWindow(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	meeting := Meeting{
		ID:              "m1",
		Status:          StatusPending,
		StartTime:       start,
		DurationMinutes: 30,
	}

	cases := []struct {
		name string
		now  time.Time
		want Status
	}{
		{"before start", start.Add(-time.Minute), StatusPending},
		{"at start", start, StatusInProgress},
		{"mid window", start.Add(15 * time.Minute), StatusInProgress},
		{"just before end", start.Add(30*time.Minute - time.Second), StatusInProgress},
		{"at end", start.Add(30 * time.Minute), StatusConcluded},
		{"long after end", start.Add(24 * time.Hour), StatusConcluded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(meeting, tc.now)
			if got != tc.want {
				t.Fatalf("evaluate at %s: got %s, want %s", tc.now, got, tc.want)
			}
			// Deterministic: the same inputs yield the same output.
			if again := Evaluate(meeting, tc.now); again != got {
				t.Fatalf("evaluate is not deterministic: %s then %s", got, again)
			}
		})
	}
}

func TestEvaluateCancelledIsTerminal(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	meeting := Meeting{
		ID:              "m1",
		Status:          StatusCancelled,
		StartTime:       start,
		DurationMinutes: 30,
	}
	if got := Evaluate(meeting, start.Add(10*time.Minute)); got != StatusCancelled {
		t.Fatalf("expected Cancelled to stay terminal, got %s", got)
	}
}

func TestCreateMeetingInitialStatus(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	future, err := CreateMeeting(CreateMeetingInput{
		Topic:           "quarterly review",
		OrganizerID:     "user-1",
		StartTime:       now.Add(time.Hour),
		DurationMinutes: 30,
	}, fixedClock(now), testIDGenerator)
	if err != nil {
		t.Fatalf("create meeting: %v", err)
	}
	if future.Status != StatusPending {
		t.Fatalf("expected Pending for future start, got %s", future.Status)
	}

	past, err := CreateMeeting(CreateMeetingInput{
		Topic:           "standup",
		OrganizerID:     "user-1",
		StartTime:       now.Add(-time.Minute),
		DurationMinutes: 15,
	}, fixedClock(now), testIDGenerator)
	if err != nil {
		t.Fatalf("create meeting: %v", err)
	}
	if past.Status != StatusInProgress {
		t.Fatalf("expected InProgress for past start, got %s", past.Status)
	}
}

func TestCreateMeetingValidation(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	base := CreateMeetingInput{
		Topic:           "topic",
		OrganizerID:     "user-1",
		StartTime:       now,
		DurationMinutes: 30,
	}

	missingTopic := base
	missingTopic.Topic = "  "
	if _, err := CreateMeeting(missingTopic, fixedClock(now), testIDGenerator); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("expected ErrEmptyTopic, got %v", err)
	}

	missingOrganizer := base
	missingOrganizer.OrganizerID = ""
	if _, err := CreateMeeting(missingOrganizer, fixedClock(now), testIDGenerator); !errors.Is(err, ErrEmptyOrganizer) {
		t.Fatalf("expected ErrEmptyOrganizer, got %v", err)
	}

	badDuration := base
	badDuration.DurationMinutes = 0
	if _, err := CreateMeeting(badDuration, fixedClock(now), testIDGenerator); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestManualTransitionGuards(t *testing.T) {
	if !StatusPending.CanCancel() || !StatusInProgress.CanCancel() {
		t.Fatal("expected Pending and InProgress to be cancellable")
	}
	if StatusConcluded.CanCancel() || StatusCancelled.CanCancel() {
		t.Fatal("expected terminal states to reject cancellation")
	}
	if !StatusInProgress.CanConclude() {
		t.Fatal("expected InProgress to be concludable")
	}
	if StatusPending.CanConclude() {
		t.Fatal("expected Pending to reject conclusion")
	}
}

func TestNewCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{3}-\d{4}-\d{4}$`)
	for i := 0; i < 20; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("new code: %v", err)
		}
		if !pattern.MatchString(code) {
			t.Fatalf("unexpected code format: %s", code)
		}
	}
}
