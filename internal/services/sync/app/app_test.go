package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	meetingdomain "github.com/ozfoundry/opsync/internal/meeting/domain"
	"github.com/ozfoundry/opsync/internal/meeting/scheduler"
	meetingservice "github.com/ozfoundry/opsync/internal/meeting/service"
	meetingstorage "github.com/ozfoundry/opsync/internal/meeting/storage"
	"github.com/ozfoundry/opsync/internal/push"
	qrlogindomain "github.com/ozfoundry/opsync/internal/qrlogin/domain"
	qrloginservice "github.com/ozfoundry/opsync/internal/qrlogin/service"
	qrloginstorage "github.com/ozfoundry/opsync/internal/qrlogin/storage"
	"github.com/ozfoundry/opsync/internal/qrlogin/token"
)

type memMeetingStore struct {
	mu       sync.Mutex
	meetings map[string]meetingdomain.Meeting
}

func newMemMeetingStore() *memMeetingStore {
	return &memMeetingStore{meetings: make(map[string]meetingdomain.Meeting)}
}

func (s *memMeetingStore) Put(ctx context.Context, m meetingdomain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.meetings {
		if existing.Code == m.Code && existing.ID != m.ID {
			return meetingstorage.ErrCodeTaken
		}
	}
	s.meetings[m.ID] = m
	return nil
}

func (s *memMeetingStore) Get(ctx context.Context, id string) (meetingdomain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return meetingdomain.Meeting{}, meetingstorage.ErrNotFound
	}
	return m, nil
}

func (s *memMeetingStore) GetByCode(ctx context.Context, code string) (meetingdomain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meetings {
		if m.Code == code {
			return m, nil
		}
	}
	return meetingdomain.Meeting{}, meetingstorage.ErrNotFound
}

func (s *memMeetingStore) UpdateStatus(ctx context.Context, id string, expected, next meetingdomain.Status, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return meetingstorage.ErrNotFound
	}
	if m.Status != expected {
		return meetingstorage.ErrStaleStatus
	}
	m.Status = next
	m.UpdatedAt = updatedAt
	s.meetings[id] = m
	return nil
}

func (s *memMeetingStore) ListByStatus(ctx context.Context, statuses ...meetingdomain.Status) ([]meetingdomain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meetingdomain.Meeting
	for _, m := range s.meetings {
		for _, status := range statuses {
			if m.Status == status {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]qrlogindomain.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]qrlogindomain.Session)}
}

func (s *memSessionStore) Put(ctx context.Context, session qrlogindomain.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memSessionStore) Get(ctx context.Context, sessionID string) (qrlogindomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return qrlogindomain.Session{}, qrloginstorage.ErrNotFound
	}
	return session, nil
}

func (s *memSessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *memSessionStore) List(ctx context.Context) ([]qrlogindomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]qrlogindomain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

type staticDirectory struct{ level string }

func (d staticDirectory) AccessLevel(ctx context.Context, userID string) (string, error) {
	return d.level, nil
}

type appHarness struct {
	deps    Deps
	server  *httptest.Server
	mu      sync.Mutex
	current time.Time
}

func (h *appHarness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *appHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.current = h.current.Add(d)
	h.mu.Unlock()
}

func newAppHarness(t *testing.T) *appHarness {
	t.Helper()

	h := &appHarness{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	registry := push.NewRegistry()
	meetingStore := newMemMeetingStore()
	sched := scheduler.New(meetingStore, registry, scheduler.Options{
		SweepInterval: time.Hour,
		Clock:         h.now,
	})
	t.Cleanup(sched.Stop)

	meetings := meetingservice.New(meetingStore, sched, registry, meetingservice.Options{
		Clock: h.now,
	})

	minter, err := token.NewMinter("test-secret", "opsync", token.Options{Clock: h.now})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	sessions := qrloginservice.New(newMemSessionStore(), staticDirectory{level: "member"}, minter, registry, qrloginservice.Options{
		Clock:    h.now,
		Schedule: func(d time.Duration, fn func()) {},
	})

	h.deps = Deps{
		Meetings:     meetings,
		MeetingStore: meetingStore,
		Scheduler:    sched,
		Sessions:     sessions,
		Registry:     registry,
	}

	h.server = httptest.NewServer(newHandler(h.deps))
	t.Cleanup(h.server.Close)
	return h
}

func (h *appHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response of %s: %v", path, err)
	}
	return resp, decoded
}

func (h *appHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response of %s: %v", path, err)
	}
	return resp, decoded
}

func (h *appHarness) createMeeting(t *testing.T, start time.Time) map[string]any {
	t.Helper()
	resp, body := h.post(t, "/v1/meetings", map[string]any{
		"topic":            "weekly sync",
		"organizer_id":     "org-1",
		"start_time":       start.Format(time.RFC3339),
		"duration_minutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create meeting status = %d, body %v", resp.StatusCode, body)
	}
	return body
}

func meetingInput(start time.Time) meetingdomain.CreateMeetingInput {
	return meetingdomain.CreateMeetingInput{
		Topic:           "weekly sync",
		OrganizerID:     "org-1",
		StartTime:       start,
		DurationMinutes: 60,
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newAppHarness(t)

	resp, err := http.Get(h.server.URL + "/up")
	if err != nil {
		t.Fatalf("GET /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateAndGetMeeting(t *testing.T) {
	h := newAppHarness(t)

	created := h.createMeeting(t, h.now().Add(time.Hour))
	if created["status"] != string(meetingdomain.StatusPending) {
		t.Errorf("status = %v, want Pending", created["status"])
	}
	if created["code"] == "" {
		t.Error("expected a meeting code")
	}

	resp, fetched := h.get(t, "/v1/meetings/"+created["id"].(string))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get meeting status = %d", resp.StatusCode)
	}
	if fetched["id"] != created["id"] {
		t.Errorf("fetched id = %v, want %v", fetched["id"], created["id"])
	}
}

func TestGetMeetingByCode(t *testing.T) {
	h := newAppHarness(t)

	created := h.createMeeting(t, h.now().Add(time.Hour))

	resp, fetched := h.get(t, "/v1/meetings/code/"+created["code"].(string))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get meeting by code status = %d", resp.StatusCode)
	}
	if fetched["id"] != created["id"] {
		t.Errorf("fetched id = %v, want %v", fetched["id"], created["id"])
	}

	resp, _ = h.get(t, "/v1/meetings/code/000-0000-0000")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown code status = %d, want 404", resp.StatusCode)
	}
}

func TestGetMissingMeetingReturns404(t *testing.T) {
	h := newAppHarness(t)

	resp, _ := h.get(t, "/v1/meetings/absent")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateMeetingValidation(t *testing.T) {
	h := newAppHarness(t)

	resp, _ := h.post(t, "/v1/meetings", map[string]any{
		"topic":            "",
		"organizer_id":     "org-1",
		"start_time":       h.now().Format(time.RFC3339),
		"duration_minutes": 60,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelMeeting(t *testing.T) {
	h := newAppHarness(t)

	created := h.createMeeting(t, h.now().Add(time.Hour))
	resp, body := h.post(t, "/v1/meetings/status", map[string]any{
		"id":     created["id"],
		"action": "cancel",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != string(meetingdomain.StatusCancelled) {
		t.Errorf("status = %v, want Cancelled", body["status"])
	}
}

func TestConcludePendingMeetingReturns409(t *testing.T) {
	h := newAppHarness(t)

	created := h.createMeeting(t, h.now().Add(time.Hour))
	resp, _ := h.post(t, "/v1/meetings/status", map[string]any{
		"id":     created["id"],
		"action": "conclude",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMeetingStatusUnknownAction(t *testing.T) {
	h := newAppHarness(t)

	created := h.createMeeting(t, h.now().Add(time.Hour))
	resp, _ := h.post(t, "/v1/meetings/status", map[string]any{
		"id":     created["id"],
		"action": "pause",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQRLoginFlow(t *testing.T) {
	h := newAppHarness(t)

	resp, generated := h.post(t, "/v1/qrlogin/generate", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	sessionID, _ := generated["session_id"].(string)
	if sessionID == "" {
		t.Fatal("expected a session id")
	}
	if generated["image"] == "" {
		t.Error("expected a QR image")
	}

	resp, scanned := h.post(t, "/v1/qrlogin/scan", map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan status = %d, body %v", resp.StatusCode, scanned)
	}
	if scanned["status"] != string(qrlogindomain.StatusScanned) {
		t.Errorf("status = %v, want Scanned", scanned["status"])
	}

	resp, authorized := h.post(t, "/v1/qrlogin/authorize", map[string]any{
		"session_id": sessionID,
		"user_id":    "user-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize status = %d, body %v", resp.StatusCode, authorized)
	}
	if authorized["status"] != string(qrlogindomain.StatusAuthorized) {
		t.Errorf("status = %v, want Authorized", authorized["status"])
	}
	if credential, _ := authorized["credential"].(string); credential == "" {
		t.Error("expected a credential")
	}
}

func TestScanUnknownSessionReturns404(t *testing.T) {
	h := newAppHarness(t)

	resp, _ := h.post(t, "/v1/qrlogin/scan", map[string]any{"session_id": "absent"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestScanExpiredSessionReturns410(t *testing.T) {
	h := newAppHarness(t)

	_, generated := h.post(t, "/v1/qrlogin/generate", map[string]any{})
	sessionID := generated["session_id"].(string)

	h.advance(qrloginservice.DefaultExpiryWindow + time.Second)

	resp, _ := h.post(t, "/v1/qrlogin/scan", map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusGone {
		t.Errorf("status = %d, want 410", resp.StatusCode)
	}
}

func TestScanTwiceReturns409(t *testing.T) {
	h := newAppHarness(t)

	_, generated := h.post(t, "/v1/qrlogin/generate", map[string]any{})
	sessionID := generated["session_id"].(string)

	if resp, _ := h.post(t, "/v1/qrlogin/scan", map[string]any{"session_id": sessionID}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first scan status = %d", resp.StatusCode)
	}
	resp, _ := h.post(t, "/v1/qrlogin/scan", map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second scan status = %d, want 409", resp.StatusCode)
	}
}

func TestAuthorizeBeforeScanReturns409(t *testing.T) {
	h := newAppHarness(t)

	_, generated := h.post(t, "/v1/qrlogin/generate", map[string]any{})
	sessionID := generated["session_id"].(string)

	resp, _ := h.post(t, "/v1/qrlogin/authorize", map[string]any{
		"session_id": sessionID,
		"user_id":    "user-1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}
