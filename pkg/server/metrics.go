package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/questboard/pkg/notify"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// events is filled once in NewMetrics and never resized.
	events map[notify.Kind]*atomic.Int64

	Searches        atomic.Int64 // match searches served
	SearchResults   atomic.Int64 // candidates returned across all searches
	OutboxDelivered atomic.Int64 // outbox entries handed to the sink
	RequestErrors   atomic.Int64 // API requests answered with a 5xx status
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		events:    make(map[notify.Kind]*atomic.Int64),
	}
	for _, k := range notify.Kinds() {
		m.events[k] = new(atomic.Int64)
	}
	return m
}

// Notify counts a committed event.
func (m *Metrics) Notify(_ context.Context, e notify.Event) error {
	if c, ok := m.events[e.Kind]; ok {
		c.Add(1)
	}
	return nil
}

// Events returns how many events of kind were committed.
func (m *Metrics) Events(kind notify.Kind) int64 {
	if c, ok := m.events[kind]; ok {
		return c.Load()
	}
	return 0
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Events map[notify.Kind]int64 `json:"events"`

	Searches        int64 `json:"searches"`
	SearchResults   int64 `json:"search_results"`
	OutboxDelivered int64 `json:"outbox_delivered"`
	RequestErrors   int64 `json:"request_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	events := make(map[notify.Kind]int64, len(m.events))
	for k, c := range m.events {
		events[k] = c.Load()
	}
	return MetricsSnapshot{
		Uptime:          uptime.Truncate(time.Second).String(),
		UptimeSeconds:   int64(uptime.Seconds()),
		Events:          events,
		Searches:        m.Searches.Load(),
		SearchResults:   m.SearchResults.Load(),
		OutboxDelivered: m.OutboxDelivered.Load(),
		RequestErrors:   m.RequestErrors.Load(),
	}
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"sessions_opened", s.Events[notify.KindSessionOpened],
		"requests", s.Events[notify.KindRequestReceived],
		"accepted", s.Events[notify.KindApplicationAccepted],
		"ratings", s.Events[notify.KindRatingRecorded],
		"searches", s.Searches,
		"outbox_delivered", s.OutboxDelivered,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
