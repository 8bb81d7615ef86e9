// Package service drives the QR login session state machine.
//
// A session is born Pending with a one-shot deadline timer. Scan and
// Authorize advance it forward; the deadline fire re-checks state before
// expiring so timers never need cancellation. Every transition is pushed to
// the session's topic so the waiting browser converges in real time.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/ozfoundry/opsync/internal/id"
	"github.com/ozfoundry/opsync/internal/platform/timeouts"
	"github.com/ozfoundry/opsync/internal/push"
	"github.com/ozfoundry/opsync/internal/qrlogin/directory"
	"github.com/ozfoundry/opsync/internal/qrlogin/domain"
	"github.com/ozfoundry/opsync/internal/qrlogin/storage"
	"github.com/ozfoundry/opsync/internal/qrlogin/token"
)

const (
	// DefaultExpiryWindow is how long a session may be acted on after
	// creation.
	DefaultExpiryWindow = 3 * time.Minute

	// DefaultShortRetention keeps Pending and Expired records around long
	// enough for late status polls.
	DefaultShortRetention = 10 * time.Minute

	// DefaultLongRetention keeps Scanned and Authorized records for the
	// duration of a normal login handoff.
	DefaultLongRetention = time.Hour

	// qrImageSize is the rendered QR PNG edge length in pixels.
	qrImageSize = 256
)

// EventSessionStatus names the per-session transition event.
const EventSessionStatus = "session.status"

// Publisher pushes session change notifications.
type Publisher interface {
	Publish(topic, event string, payload any) error
}

// SessionEvent is the payload published on every session transition.
type SessionEvent struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
	UserID     string `json:"user_id,omitempty"`
	Credential string `json:"credential,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// GenerateResult is returned to the client that requested a QR code.
type GenerateResult struct {
	SessionID  string `json:"session_id"`
	Image      string `json:"image"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
}

// Options tunes service behavior; zero values use defaults.
type Options struct {
	ExpiryWindow   time.Duration
	ShortRetention time.Duration
	LongRetention  time.Duration
	Clock          func() time.Time
	IDGenerator    func() (string, error)

	// Schedule installs the one-shot expiry deadline. Defaults to
	// time.AfterFunc; tests substitute a synchronous trigger.
	Schedule func(d time.Duration, fn func())
}

// Service owns the login session state machine.
type Service struct {
	store     storage.SessionStore
	directory directory.Client
	minter    *token.Minter
	publisher Publisher

	expiryWindow   time.Duration
	shortRetention time.Duration
	longRetention  time.Duration
	clock          func() time.Time
	idGenerator    func() (string, error)
	schedule       func(d time.Duration, fn func())
}

// New creates a login session service.
func New(store storage.SessionStore, dir directory.Client, minter *token.Minter, publisher Publisher, options Options) *Service {
	if options.ExpiryWindow <= 0 {
		options.ExpiryWindow = DefaultExpiryWindow
	}
	if options.ShortRetention <= 0 {
		options.ShortRetention = DefaultShortRetention
	}
	if options.LongRetention <= 0 {
		options.LongRetention = DefaultLongRetention
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	if options.IDGenerator == nil {
		options.IDGenerator = id.NewID
	}
	if options.Schedule == nil {
		options.Schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	return &Service{
		store:          store,
		directory:      dir,
		minter:         minter,
		publisher:      publisher,
		expiryWindow:   options.ExpiryWindow,
		shortRetention: options.ShortRetention,
		longRetention:  options.LongRetention,
		clock:          options.Clock,
		idGenerator:    options.IDGenerator,
		schedule:       options.Schedule,
	}
}

// Generate mints a new Pending session, renders its QR code and arms the
// expiry deadline. The QR image encodes the session id and is returned as
// base64 PNG.
func (s *Service) Generate(ctx context.Context) (GenerateResult, error) {
	sessionID, err := s.idGenerator()
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generate session id: %w", err)
	}

	png, err := qrcode.Encode(sessionID, qrcode.Medium, qrImageSize)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("render qr code: %w", err)
	}

	session := domain.Session{
		ID:        sessionID,
		Status:    domain.StatusPending,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.Put(ctx, session, s.shortRetention); err != nil {
		return GenerateResult{}, fmt.Errorf("store session: %w", err)
	}

	// One deadline per session; the fire re-checks state, so a session that
	// advanced meanwhile makes this a no-op.
	s.schedule(s.expiryWindow, func() { s.expireDeadline(sessionID) })

	log.Printf("qrlogin: session %s created", sessionID)
	return GenerateResult{
		SessionID:  sessionID,
		Image:      base64.StdEncoding.EncodeToString(png),
		Status:     string(session.Status),
		StatusText: session.StatusText(),
	}, nil
}

// Get returns the current session state.
func (s *Service) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Session{}, domain.ErrNotFound
	}
	return session, err
}

// Scan marks a Pending session as Scanned. A session past its expiry window
// is expired in place and the scan rejected.
func (s *Service) Scan(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	now := s.clock().UTC()
	if session.Status == domain.StatusExpired {
		return domain.Session{}, domain.ErrExpired
	}
	if session.ExpiredBy(now, s.expiryWindow) {
		s.markExpired(ctx, session, now)
		return domain.Session{}, domain.ErrExpired
	}
	if session.Status != domain.StatusPending {
		return domain.Session{}, domain.ErrAlreadyProcessed
	}

	session.Status = domain.StatusScanned
	session.ScannedAt = &now
	if err := s.store.Put(ctx, session, s.longRetention); err != nil {
		return domain.Session{}, fmt.Errorf("store scanned session: %w", err)
	}

	s.publishSession(session, now)
	log.Printf("qrlogin: session %s scanned", sessionID)
	return session, nil
}

// Authorize completes a Scanned session: the directory resolves the user's
// access level, a credential is minted and bound, and the waiting client is
// notified with the credential in the event payload.
func (s *Service) Authorize(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	now := s.clock().UTC()
	switch {
	case session.Status == domain.StatusExpired:
		return domain.Session{}, domain.ErrExpired
	case session.ExpiredBy(now, s.expiryWindow):
		s.markExpired(ctx, session, now)
		return domain.Session{}, domain.ErrExpired
	case session.Status == domain.StatusAuthorized:
		return domain.Session{}, domain.ErrAlreadyProcessed
	case session.Status == domain.StatusPending:
		return domain.Session{}, domain.ErrNotScanned
	}

	accessLevel, err := s.directory.AccessLevel(ctx, userID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve access level: %w", err)
	}

	credential, err := s.minter.Mint(userID, accessLevel)
	if err != nil {
		return domain.Session{}, fmt.Errorf("mint credential: %w", err)
	}

	session.Status = domain.StatusAuthorized
	session.AuthorizedAt = &now
	session.UserID = userID
	session.Credential = credential
	if err := s.store.Put(ctx, session, s.longRetention); err != nil {
		return domain.Session{}, fmt.Errorf("store authorized session: %w", err)
	}

	s.publishSession(session, now)
	log.Printf("qrlogin: session %s authorized for user %s", sessionID, userID)
	return session, nil
}

// expireDeadline is the one-shot timer body. It re-reads the session and only
// expires it when still actionable; sessions that advanced or vanished are
// left alone.
func (s *Service) expireDeadline(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreCall)
	defer cancel()

	session, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("qrlogin: deadline read session %s: %v", sessionID, err)
		return
	}
	if session.Status.IsTerminal() {
		return
	}

	s.markExpired(ctx, session, s.clock().UTC())
}

// markExpired commits the Expired state and notifies the session topic.
func (s *Service) markExpired(ctx context.Context, session domain.Session, now time.Time) {
	session.Status = domain.StatusExpired
	session.ExpiredAt = &now
	if err := s.store.Put(ctx, session, s.shortRetention); err != nil {
		log.Printf("qrlogin: store expired session %s: %v", session.ID, err)
		return
	}
	s.publishSession(session, now)
	log.Printf("qrlogin: session %s expired", session.ID)
}

func (s *Service) publishSession(session domain.Session, now time.Time) {
	if s.publisher == nil {
		return
	}
	event := SessionEvent{
		SessionID:  session.ID,
		Status:     string(session.Status),
		StatusText: session.StatusText(),
		UserID:     session.UserID,
		Credential: session.Credential,
		Timestamp:  now.Format(time.RFC3339),
	}
	if err := s.publisher.Publish(push.SessionTopic(session.ID), EventSessionStatus, event); err != nil {
		log.Printf("qrlogin: publish session %s event: %v", session.ID, err)
	}
}
