// Package domain defines the ephemeral QR login session and its monotonic
// state machine: Pending -> Scanned -> Authorized, with Expired reachable from
// Pending and Scanned. Transitions only ever move forward; there is no path
// out of a terminal state.
package domain

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a login session.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusScanned    Status = "Scanned"
	StatusAuthorized Status = "Authorized"
	StatusExpired    Status = "Expired"
)

// ErrNotFound indicates the session id is unknown or already purged.
var ErrNotFound = errors.New("login session not found")

// ErrExpired indicates the session's expiry window elapsed.
var ErrExpired = errors.New("login session expired")

// ErrAlreadyProcessed indicates the session already moved past the state the
// operation requires.
var ErrAlreadyProcessed = errors.New("login session already processed")

// ErrNotScanned indicates an authorize attempt on a session that was never
// scanned.
var ErrNotScanned = errors.New("login session has not been scanned")

// Session is one QR login attempt. The credential is bound at authorization
// and delivered to the waiting client over its session topic.
type Session struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ScannedAt    *time.Time `json:"scanned_at,omitempty"`
	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Credential   string     `json:"credential,omitempty"`
}

// IsTerminal reports whether the session can still move.
func (s Status) IsTerminal() bool {
	return s == StatusAuthorized || s == StatusExpired
}

// StatusText renders the human-readable status line shown next to the QR code.
func (s Session) StatusText() string {
	switch s.Status {
	case StatusPending:
		return "Waiting for scan"
	case StatusScanned:
		return "Scanned, confirm on your device"
	case StatusAuthorized:
		return "Signed in"
	case StatusExpired:
		return "Code expired, request a new one"
	}
	return "Unknown"
}

// ExpiredBy reports whether the session's absolute expiry window has elapsed
// at the given instant. Terminal sessions are never re-expired.
func (s Session) ExpiredBy(now time.Time, window time.Duration) bool {
	if s.Status.IsTerminal() {
		return false
	}
	return now.Sub(s.CreatedAt) >= window
}
