package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sheetchat/chatsync"
)

// session bundles what most commands need.
type session struct {
	cfg     *Config
	log     zerolog.Logger
	backend *chatsync.HTTPBackend
	client  *chatsync.Client
}

// Close persists the client state and releases the data directory.
func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist local state")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

func openKV(cfg *Config) (chatsync.KV, error) {
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := chatsync.OpenPebbleKV(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot open local state (is 'chatsync run' already using %s?): %w", dir, err)
	}
	return kv, nil
}

func newBackend(cfg *Config) (*chatsync.HTTPBackend, error) {
	if cfg.Default.BackendURL == "" {
		return nil, fmt.Errorf("no backend URL configured; run 'chatsync init <backend-url>' first")
	}
	var opts []chatsync.BackendOption
	if cfg.Default.SendRate != 0 {
		opts = append(opts, chatsync.WithSendRate(cfg.Default.SendRate, int(cfg.Default.SendRate)+1))
	}
	return chatsync.NewHTTPBackend(cfg.Default.BackendURL, opts...), nil
}

// openSession loads config, opens the local state and builds a Client for
// the signed-in user.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg.Default.LogLevel)
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := openKV(cfg)
	if err != nil {
		return nil, err
	}

	username, userID := cfg.Default.Username, cfg.Default.UserID
	if user, err := chatsync.CurrentUser(kv); err == nil {
		if username == "" {
			username = user.Username
		}
		if userID == "" {
			userID = user.UserID
		}
	}
	if username == "" {
		kv.Close()
		return nil, fmt.Errorf("not signed in; run 'chatsync register' or 'chatsync login' first")
	}

	client, err := chatsync.NewClient(username,
		chatsync.WithBackend(backend),
		chatsync.WithKV(kv),
		chatsync.WithLogger(log),
		chatsync.WithUserID(userID),
		chatsync.WithPollInterval(durationOr(cfg.Default.PollInterval, chatsync.DefaultPollInterval)),
		chatsync.WithRefreshInterval(durationOr(cfg.Default.RefreshInterval, chatsync.DefaultRefreshInterval)),
		chatsync.WithSeenCapacity(cfg.Default.SeenCapacity),
	)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, backend: backend, client: client}, nil
}

func timeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// describe turns library sentinel errors into CLI wording.
func describe(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chatsync.ErrRequestChat):
		return fmt.Errorf("that chat is a pending request; accept it first with 'chatsync requests accept'")
	case errors.Is(err, chatsync.ErrUnknownChat):
		return fmt.Errorf("no such chat (see 'chatsync chats'): %w", err)
	case errors.Is(err, chatsync.ErrMessageNotFound):
		return fmt.Errorf("no such message (ids are shown by 'chatsync read'): %w", err)
	}
	return err
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
