// Package app hosts the sync HTTP/WebSocket process: the REST entry points
// for manual mutations and the push transport live connections subscribe
// through.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ozfoundry/opsync/internal/meeting/scheduler"
	meetingservice "github.com/ozfoundry/opsync/internal/meeting/service"
	meetingstorage "github.com/ozfoundry/opsync/internal/meeting/storage"
	"github.com/ozfoundry/opsync/internal/platform/timeouts"
	"github.com/ozfoundry/opsync/internal/push"
	qrloginservice "github.com/ozfoundry/opsync/internal/qrlogin/service"
)

// Config defines the inputs for the sync transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Deps are the domain collaborators the transport exposes. The transport owns
// no lifecycle state of its own; every operation delegates here.
type Deps struct {
	Meetings     *meetingservice.Service
	MeetingStore meetingstorage.MeetingStore
	Scheduler    *scheduler.Scheduler
	Sessions     *qrloginservice.Service
	Registry     *push.Registry
}

func (d Deps) validate() error {
	if d.Meetings == nil {
		return errors.New("meeting service is required")
	}
	if d.MeetingStore == nil {
		return errors.New("meeting store is required")
	}
	if d.Sessions == nil {
		return errors.New("session service is required")
	}
	if d.Registry == nil {
		return errors.New("push registry is required")
	}
	return nil
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	scheduler       *scheduler.Scheduler
}

// NewServer builds a configured sync server.
func NewServer(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		scheduler:       deps.Scheduler,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config, deps Deps) error {
	server, err := NewServer(config, deps)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
