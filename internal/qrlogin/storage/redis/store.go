// Package redis implements the session store on a Redis keyspace. Sessions
// are JSON values under a shared key prefix; retention is delegated to Redis
// key TTLs so abandoned records vanish without application involvement.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ozfoundry/opsync/internal/qrlogin/domain"
	"github.com/ozfoundry/opsync/internal/qrlogin/storage"
)

// keyPrefix namespaces login sessions inside a shared Redis instance.
const keyPrefix = "qrlogin:"

// Store persists login sessions in Redis.
type Store struct {
	client *goredis.Client
}

var _ storage.SessionStore = (*Store)(nil)

// Open connects to Redis at the given URL (redis://...) and verifies the
// connection with a ping.
func Open(ctx context.Context, url string) (*Store, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle; used by tests running against miniature servers.
func NewWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

// Put writes the session as JSON and resets the key's retention TTL.
func (s *Store) Put(ctx context.Context, session domain.Session, ttl time.Duration) error {
	if session.ID == "" {
		return errors.New("redis: session id is required")
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("redis: encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: store session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the session or storage.ErrNotFound once the key lapsed.
func (s *Store) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("redis: load session %s: %w", sessionID, err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("redis: decode session %s: %w", sessionID, err)
	}
	return session, nil
}

// Delete removes the session key; absent keys are not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete session %s: %w", sessionID, err)
	}
	return nil
}

// List walks the session key space with SCAN and returns every live session.
// Keys that disappear mid-scan are skipped.
func (s *Store) List(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: load session %s: %w", iter.Val(), err)
		}
		var session domain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("redis: decode session %s: %w", iter.Val(), err)
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan sessions: %w", err)
	}
	return sessions, nil
}
