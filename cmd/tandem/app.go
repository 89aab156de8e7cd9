package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tandemhq/tandem/internal/config"
	"github.com/tandemhq/tandem/internal/feed"
	"github.com/tandemhq/tandem/internal/logging"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/remote/memory"
	"github.com/tandemhq/tandem/internal/remote/postgres"
	"github.com/tandemhq/tandem/internal/remote/sqlite"
	"github.com/tandemhq/tandem/internal/store"
)

// app bundles what a command needs: loggers, the backend and a session.
type app struct {
	logs    *logging.Logging
	backend remote.Backend
	session *store.Session

	mu   sync.Mutex
	errs []string
}

// openApp opens the configured backend and starts a session on it.
//
// The caller MUST call Close() when done.
func openApp(ctx context.Context) (*app, error) {
	logs := setupLogging(cfg)
	backend, err := openBackend(ctx, cfg, logs)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &app{logs: logs, backend: backend}
	a.session = store.NewWithConfig(backend, &store.Config{
		UserID:           cfg.User,
		Debounce:         cfg.Sync.Debounce,
		PageSize:         cfg.Sync.PageSize,
		NotificationPoll: cfg.Sync.NotificationPoll,
		OpTimeout:        cfg.Remote.OpTimeout,
		Logger:           logs.New("store"),
	})
	a.session.OnError(func(msg string) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.errs = append(a.errs, msg)
	})
	return a, nil
}

func setupLogging(c *config.Config) *logging.Logging {
	return logging.Setup(&logging.Config{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Verbose:    c.Log.Verbose,
	})
}

// openBackend opens the remote store for c. When a feed URL is configured,
// change events come from the feed instead of the store's own stream.
func openBackend(ctx context.Context, c *config.Config, logs *logging.Logging) (remote.Backend, error) {
	useFeed := c.Feed.URL != ""

	var backend remote.Backend
	switch c.Remote.Driver {
	case config.DriverSQLite, config.DriverLibSQL:
		a, err := sqlite.OpenWithConfig(&sqlite.Config{
			DSN:            c.Remote.DSN,
			AuthToken:      c.Remote.AuthToken,
			PollInterval:   c.Remote.PollInterval,
			DisableChanges: useFeed,
			Logger:         logs.New("sqlite"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", c.Remote.Driver, err)
		}
		backend = a
	case config.DriverPostgres:
		a, err := postgres.OpenWithConfig(ctx, &postgres.Config{
			DSN:            c.Remote.DSN,
			DisableChanges: useFeed,
			Logger:         logs.New("postgres"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		backend = a
	case config.DriverMemory:
		backend = memory.NewWithConfig(&memory.Config{Logger: logs.New("memory")})
	default:
		return nil, fmt.Errorf("unknown remote driver %q", c.Remote.Driver)
	}

	if !useFeed {
		return backend, nil
	}
	client, err := feed.Dial(ctx, c.Feed.URL, &feed.ClientConfig{
		Encoding: feed.Encoding(c.Feed.Encoding),
		Logger:   logs.New("feed"),
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to connect to feed: %w", err)
	}
	return remote.WithChanges(backend, client), nil
}

// settle waits for background writes and returns the failures they reported.
func (a *app) settle() error {
	a.session.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) == 0 {
		return nil
	}
	err := errors.New(strings.Join(a.errs, "; "))
	a.errs = nil
	return err
}

// Close ends the session and releases the backend.
func (a *app) Close() error {
	var errs []error
	errs = append(errs, a.session.Close())
	errs = append(errs, a.backend.Close())
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}

// requireUser fails unless an acting user is configured.
func requireUser() error {
	if cfg.User == "" {
		return fmt.Errorf("no acting user: pass --user or set user in the config")
	}
	return nil
}
