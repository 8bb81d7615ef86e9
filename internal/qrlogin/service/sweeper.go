package service

import (
	"context"
	"log"
	"time"

	"github.com/ozfoundry/opsync/internal/qrlogin/domain"
	"github.com/ozfoundry/opsync/internal/qrlogin/storage"
)

const (
	// DefaultSweepInterval is the cadence of the cleanup sweep.
	DefaultSweepInterval = 10 * time.Minute

	// expiredGrace keeps freshly expired sessions visible briefly so a
	// client polling right after the deadline still sees the Expired state.
	expiredGrace = 60 * time.Second
)

// CleanupSweeper removes stale session records the key TTLs have not caught
// yet: stuck Pending sessions, Expired sessions past their grace, and
// completed sessions past the long retention.
type CleanupSweeper struct {
	store        storage.SessionStore
	interval     time.Duration
	expiryWindow time.Duration
	completedTTL time.Duration
	clock        func() time.Time
}

// SweeperOptions tunes the cleanup sweep; zero values use defaults.
type SweeperOptions struct {
	Interval     time.Duration
	ExpiryWindow time.Duration
	CompletedTTL time.Duration
	Clock        func() time.Time
}

// NewCleanupSweeper creates a sweeper over the session store.
func NewCleanupSweeper(store storage.SessionStore, options SweeperOptions) *CleanupSweeper {
	if options.Interval <= 0 {
		options.Interval = DefaultSweepInterval
	}
	if options.ExpiryWindow <= 0 {
		options.ExpiryWindow = DefaultExpiryWindow
	}
	if options.CompletedTTL <= 0 {
		options.CompletedTTL = DefaultLongRetention
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &CleanupSweeper{
		store:        store,
		interval:     options.Interval,
		expiryWindow: options.ExpiryWindow,
		completedTTL: options.CompletedTTL,
		clock:        options.Clock,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (c *CleanupSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := c.SweepOnce(ctx); err != nil {
				log.Printf("qrlogin: cleanup sweep: %v", err)
			} else if removed > 0 {
				log.Printf("qrlogin: cleanup removed %d session(s)", removed)
			}
		}
	}
}

// SweepOnce scans every live session and deletes the stale ones. Per-session
// delete failures are logged and skipped; the scan itself failing aborts the
// pass.
func (c *CleanupSweeper) SweepOnce(ctx context.Context) (int, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := c.clock().UTC()
	removed := 0
	for _, session := range sessions {
		if !c.stale(session, now) {
			continue
		}
		if err := c.store.Delete(ctx, session.ID); err != nil {
			log.Printf("qrlogin: cleanup delete session %s: %v", session.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *CleanupSweeper) stale(session domain.Session, now time.Time) bool {
	switch session.Status {
	case domain.StatusPending:
		return now.Sub(session.CreatedAt) >= c.expiryWindow
	case domain.StatusExpired:
		expiredAt := session.CreatedAt
		if session.ExpiredAt != nil {
			expiredAt = *session.ExpiredAt
		}
		return now.Sub(expiredAt) >= expiredGrace
	case domain.StatusScanned, domain.StatusAuthorized:
		return now.Sub(session.CreatedAt) >= c.completedTTL
	}
	return false
}
