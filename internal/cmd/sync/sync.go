// Package sync parses sync command flags and composes the service wiring:
// stores, scheduler, session state machine, push registry and transport.
package sync

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ozfoundry/opsync/internal/meeting/scheduler"
	meetingservice "github.com/ozfoundry/opsync/internal/meeting/service"
	meetingsqlite "github.com/ozfoundry/opsync/internal/meeting/storage/sqlite"
	entrypoint "github.com/ozfoundry/opsync/internal/platform/cmd"
	"github.com/ozfoundry/opsync/internal/push"
	"github.com/ozfoundry/opsync/internal/qrlogin/directory"
	qrloginservice "github.com/ozfoundry/opsync/internal/qrlogin/service"
	qrloginredis "github.com/ozfoundry/opsync/internal/qrlogin/storage/redis"
	"github.com/ozfoundry/opsync/internal/qrlogin/token"
	server "github.com/ozfoundry/opsync/internal/services/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr         string        `env:"OPSYNC_HTTP_ADDR"              envDefault:":8080"`
	SQLitePath       string        `env:"OPSYNC_SQLITE_PATH"            envDefault:"opsync.db"`
	RedisURL         string        `env:"OPSYNC_REDIS_URL"              envDefault:"redis://localhost:6379/0"`
	DirectoryURL     string        `env:"OPSYNC_DIRECTORY_URL"`
	CredentialSecret string        `env:"OPSYNC_CREDENTIAL_SECRET"`
	CredentialIssuer string        `env:"OPSYNC_CREDENTIAL_ISSUER"      envDefault:"opsync"`
	SweepInterval    time.Duration `env:"OPSYNC_SWEEP_INTERVAL"         envDefault:"30s"`
	SessionExpiry    time.Duration `env:"OPSYNC_SESSION_EXPIRY_WINDOW"  envDefault:"3m"`
	CleanupInterval  time.Duration `env:"OPSYNC_CLEANUP_INTERVAL"       envDefault:"10m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "meeting store sqlite path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "session store redis URL")
	fs.StringVar(&cfg.DirectoryURL, "directory-url", cfg.DirectoryURL, "directory lookup endpoint")
	fs.StringVar(&cfg.CredentialIssuer, "credential-issuer", cfg.CredentialIssuer, "credential issuer name")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "meeting sweep cadence")
	fs.DurationVar(&cfg.SessionExpiry, "session-expiry", cfg.SessionExpiry, "QR session expiry window")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "session cleanup cadence")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync process and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(runCtx context.Context) error {
		if strings.TrimSpace(cfg.CredentialSecret) == "" {
			return errors.New("OPSYNC_CREDENTIAL_SECRET is required")
		}

		meetingStore, err := meetingsqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open meeting store: %w", err)
		}
		defer func() {
			if err := meetingStore.Close(); err != nil {
				log.Printf("close meeting store: %v", err)
			}
		}()

		sessionStore, err := qrloginredis.Open(runCtx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() {
			if err := sessionStore.Close(); err != nil {
				log.Printf("close session store: %v", err)
			}
		}()

		minter, err := token.NewMinter(cfg.CredentialSecret, cfg.CredentialIssuer, token.Options{})
		if err != nil {
			return fmt.Errorf("init credential minter: %w", err)
		}

		var dir directory.Client
		if strings.TrimSpace(cfg.DirectoryURL) != "" {
			dir = directory.NewHTTPClient(cfg.DirectoryURL)
		} else {
			log.Print("sync: no directory endpoint configured, granting member access")
			dir = directory.Static{Level: "member"}
		}

		registry := push.NewRegistry()
		sched := scheduler.New(meetingStore, registry, scheduler.Options{
			SweepInterval: cfg.SweepInterval,
		})
		if err := sched.Restore(runCtx); err != nil {
			return fmt.Errorf("restore meeting working set: %w", err)
		}

		meetings := meetingservice.New(meetingStore, sched, registry, meetingservice.Options{})
		sessions := qrloginservice.New(sessionStore, dir, minter, registry, qrloginservice.Options{
			ExpiryWindow: cfg.SessionExpiry,
		})

		sweeper := qrloginservice.NewCleanupSweeper(sessionStore, qrloginservice.SweeperOptions{
			Interval:     cfg.CleanupInterval,
			ExpiryWindow: cfg.SessionExpiry,
		})
		go sweeper.Run(runCtx)

		if err := server.Run(runCtx, server.Config{HTTPAddr: cfg.HTTPAddr}, server.Deps{
			Meetings:     meetings,
			MeetingStore: meetingStore,
			Scheduler:    sched,
			Sessions:     sessions,
			Registry:     registry,
		}); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}
