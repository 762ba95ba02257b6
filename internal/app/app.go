// Package app is the runtime context shared by the CLI and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pbaille/toxfilter/internal/cache"
	"github.com/pbaille/toxfilter/internal/classifier"
	"github.com/pbaille/toxfilter/internal/config"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/engine"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/pbaille/toxfilter/internal/store"
	"github.com/robfig/cron/v3"
)

// ErrUnknownAction is returned for messages with an unrecognised action
var ErrUnknownAction = errors.New("unknown action")

// Message actions
const (
	ActionSettingsUpdated = "settingsUpdated"
	ActionClearCache      = "clearCache"
	ActionGetSettings     = "getSettings"
)

// Message is a runtime control message
type Message struct {
	Action   string           `json:"action"`
	Settings *domain.Settings `json:"settings,omitempty"`
}

// Reply answers a Message
type Reply struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message,omitempty"`
	Settings *domain.Settings `json:"settings,omitempty"`
}

// App owns the store, live settings, cache, classifier and cache sweeper
type App struct {
	cfg        *config.Config
	store      *store.Store
	settings   atomic.Pointer[domain.Settings]
	cache      *cache.Cache
	classifier *classifier.Client
	profiles   *profile.Registry
	sweeper    *cron.Cron
	logger     *slog.Logger
	log        *slog.Logger
}

// New opens the store at cfg.DBPath, loads settings and the persisted cache
// and starts the expiry sweeper
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		store:    s,
		profiles: registry,
		logger:   logger,
		log:      logger.With("component", "app"),
	}

	if err := s.EnsureDefaults(ctx); err != nil {
		a.log.Warn("seed settings failed", "error", err)
	}
	settings, err := s.LoadSettings(ctx)
	if err != nil {
		a.log.Warn("load settings failed, using defaults", "error", err)
	}
	settings = applyOverrides(settings, cfg)
	a.settings.Store(&settings)

	a.cache = cache.New(s, cache.Options{
		TTL:          cfg.Cache.TTLDuration(),
		PersistDelay: cfg.Cache.PersistDelayDuration(),
		Logger:       logger,
	})
	a.cache.Load(ctx)

	a.classifier = classifier.New(a.cache, a, classifier.Options{
		Timeout:       cfg.Classifier.TimeoutDuration(),
		UserAgent:     cfg.Classifier.UserAgent,
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
		CacheFallback: cfg.Classifier.CacheFallback,
		Logger:        logger,
	})

	a.sweeper = cron.New()
	if _, err := a.sweeper.AddFunc(cfg.Cache.SweepSchedule, func() {
		a.cache.ExpireIfStale(context.Background())
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("schedule cache sweep: %w", err)
	}
	a.sweeper.Start()

	return a, nil
}

// applyOverrides layers process-level config over the stored settings
func applyOverrides(s domain.Settings, cfg *config.Config) domain.Settings {
	if cfg.APIEndpoint != "" {
		s.APIEndpoint = cfg.APIEndpoint
	}
	if cfg.Enabled != nil {
		s.Enabled = *cfg.Enabled
	}
	return s
}

// Settings returns the live settings
func (a *App) Settings() domain.Settings {
	return *a.settings.Load()
}

// UpdateSettings replaces the live settings and persists them
func (a *App) UpdateSettings(ctx context.Context, s domain.Settings) error {
	s.APIEndpoint = strings.TrimSpace(s.APIEndpoint)
	a.settings.Store(&s)
	a.log.Info("settings updated", "enabled", s.Enabled, "endpoint", s.APIEndpoint)

	if err := a.store.SaveSettings(ctx, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (a *App) Config() *config.Config {
	return a.cfg
}

func (a *App) Cache() *cache.Cache {
	return a.cache
}

func (a *App) Classifier() *classifier.Client {
	return a.classifier
}

func (a *App) Profiles() *profile.Registry {
	return a.profiles
}

// NewEngine returns an engine for p bound to the shared classifier
func (a *App) NewEngine(p profile.Profile) *engine.Engine {
	return engine.New(a.classifier, a, p, a.logger)
}

// HandleMessage dispatches a runtime control message
func (a *App) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	switch msg.Action {
	case ActionGetSettings:
		settings := a.Settings()
		return Reply{Success: true, Settings: &settings}, nil

	case ActionSettingsUpdated:
		if msg.Settings == nil {
			return Reply{}, fmt.Errorf("%s: settings are required", msg.Action)
		}
		if err := a.UpdateSettings(ctx, *msg.Settings); err != nil {
			// The live settings already changed; only persistence failed
			a.log.Warn("persist settings failed", "error", err)
		}
		settings := a.Settings()
		return Reply{Success: true, Settings: &settings}, nil

	case ActionClearCache:
		a.cache.Clear(ctx)
		return Reply{Success: true, Message: "Cache cleared successfully"}, nil

	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

// Close stops the sweeper, flushes the cache and closes the store
func (a *App) Close(ctx context.Context) error {
	stopped := a.sweeper.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	a.cache.Close()
	return a.store.Close()
}
