package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"randreply/internal/keyword"
)

// Snapshot is an immutable point-in-time view of the configuration.
// Readers must not modify Config.
type Snapshot struct {
	Config   *Config
	Keywords *keyword.Index
	LoadedAt time.Time
}

// Loader produces a fresh Config on every call.
type Loader func() (*Config, error)

// FileLoader returns a Loader that reads path with Load.
func FileLoader(path string) Loader {
	return func() (*Config, error) { return Load(path) }
}

// Store hands out config snapshots. Reloads are serialized by a mutex and
// published with a single pointer swap, so readers never see a partial update.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	load    Loader
	logger  *slog.Logger
}

// NewStore performs the initial load and fails if it cannot produce a config.
func NewStore(load Loader, logger *slog.Logger) (*Store, error) {
	s := &Store{load: load, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already-built config. Reload re-applies a copy of it.
func NewStaticStore(cfg *Config, logger *slog.Logger) *Store {
	base := cfg.Clone()
	s := &Store{
		load:   func() (*Config, error) { return base.Clone(), nil },
		logger: logger,
	}
	s.current.Store(s.build(base.Clone()))
	return s
}

// Snapshot returns the current snapshot. It never blocks on a reload.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload loads a new config and swaps it in. On failure the previous
// snapshot stays active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	snap := s.build(cfg)
	s.current.Store(snap)

	s.logger.Info("config loaded",
		"enabled", cfg.Trigger.Enabled,
		"probability_permille", int(cfg.Trigger.Probability),
		"min_length", cfg.Trigger.MinLength,
		"max_length", cfg.Trigger.MaxLength,
		"protect_private", cfg.Trigger.ProtectPrivateMessages,
		"keywords", snap.Keywords.Len(),
	)
	return nil
}

// Replace validates cfg and publishes a copy of it as the current snapshot.
func (s *Store) Replace(cfg *Config) error {
	cp := cfg.Clone()
	cp.Normalize()
	if err := Validate(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(s.build(cp))
	return nil
}

func (s *Store) build(cfg *Config) *Snapshot {
	var external []string
	if cfg.Trigger.UseExternalKeywords {
		kws, err := LoadExternalKeywords(cfg.Trigger.ExternalKeywordsPath)
		if err != nil {
			// The configured keywords still apply without the external set.
			s.logger.Warn("external keywords unavailable", "path", cfg.Trigger.ExternalKeywordsPath, "err", err)
		} else {
			s.logger.Info("loaded external keywords", "count", len(kws), "path", cfg.Trigger.ExternalKeywordsPath)
			external = kws
		}
	}

	return &Snapshot{
		Config:   cfg,
		Keywords: keyword.New(cfg.Trigger.ExcludedKeywords, cfg.Trigger.Keywords, external),
		LoadedAt: time.Now(),
	}
}
