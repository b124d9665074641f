// Package server exposes the questboard core over HTTP and runs the
// background outbox relay.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/game"
	"github.com/NicolasHaas/questboard/pkg/keylock"
	"github.com/NicolasHaas/questboard/pkg/logging"
	"github.com/NicolasHaas/questboard/pkg/match"
	"github.com/NicolasHaas/questboard/pkg/notify"
	"github.com/NicolasHaas/questboard/pkg/profile"
	"github.com/NicolasHaas/questboard/pkg/rating"
)

// Config holds server configuration. Environment variables fill it first;
// command-line flags override them.
type Config struct {
	DBPath          string        `env:"QUESTBOARD_DB"`               // SQLite database path
	HTTPAddr        string        `env:"QUESTBOARD_HTTP_ADDR"`        // API bind address (e.g. ":8080")
	SeedFile        string        `env:"QUESTBOARD_SEED_FILE"`        // YAML users/sessions imported on startup
	LogLevel        string        `env:"QUESTBOARD_LOG_LEVEL"`        // debug, info, warn, error
	LogFormat       string        `env:"QUESTBOARD_LOG_FORMAT"`       // text or json
	OutboxInterval  time.Duration `env:"QUESTBOARD_OUTBOX_INTERVAL"`  // relay poll period
	OutboxRetention time.Duration `env:"QUESTBOARD_OUTBOX_RETENTION"` // delivered entries kept this long, 0 keeps all
	MetricsLog      time.Duration `env:"QUESTBOARD_METRICS_LOG"`      // metrics summary period, 0 disables
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:          "questboard.db",
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		OutboxInterval:  2 * time.Second,
		OutboxRetention: notify.DefaultRetention,
		MetricsLog:      60 * time.Second,
	}
}

// LoadConfig returns DefaultConfig overlaid with the QUESTBOARD_* environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: database path is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("config: http address is required")
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("config: outbox interval must be positive")
	}
	if c.OutboxRetention < 0 {
		return fmt.Errorf("config: outbox retention must not be negative")
	}
	if c.MetricsLog < 0 {
		return fmt.Errorf("config: metrics log interval must not be negative")
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: log format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store  datastore.DataProviderFactory
	Logger *slog.Logger
	// Sink receives relayed notifications. Nil logs them.
	Sink notify.Sink
	Now  func() time.Time
}

// Server wires the core services to the HTTP API.
type Server struct {
	cfg     Config
	store   datastore.DataProviderFactory
	logger  *slog.Logger
	metrics *Metrics

	profiles   *profile.Service
	lifecycle  *game.Lifecycle
	membership *game.Membership
	matcher    *match.Engine
	ratings    *rating.Aggregator
	relay      *notify.Relay
}

// New builds a Server. Every committed event is counted by the metrics and
// queued in the outbox for the relay.
func New(cfg Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sink := deps.Sink
	if sink == nil {
		sink = notify.LogSink{Logger: logging.Component(logger, "relay")}
	}

	metrics := NewMetrics()
	notifier := notify.Multi{metrics, notify.NewOutbox(deps.Store)}
	locks := keylock.New()
	gameDeps := game.Deps{
		Store:    deps.Store,
		Notifier: notifier,
		Locks:    locks,
		Logger:   logging.Component(logger, "game"),
		Now:      now,
	}

	relay := notify.NewRelay(deps.Store, sink, logging.Component(logger, "relay"))
	relay.Retention = cfg.OutboxRetention
	relay.OnDelivered = func(notify.Event) { metrics.OutboxDelivered.Add(1) }

	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		logger:     logger,
		metrics:    metrics,
		profiles:   profile.NewService(deps.Store, locks, logging.Component(logger, "profile")),
		lifecycle:  game.NewLifecycle(gameDeps),
		membership: game.NewMembership(gameDeps),
		matcher:    match.NewEngine(deps.Store, logging.Component(logger, "match")),
		ratings: rating.NewAggregator(rating.Deps{
			Store:    deps.Store,
			Notifier: notifier,
			Locks:    locks,
			Logger:   logging.Component(logger, "rating"),
			Now:      now,
		}),
		relay: relay,
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Relay returns the outbox relay.
func (s *Server) Relay() *notify.Relay {
	return s.relay
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
