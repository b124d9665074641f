package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Run serves the HTTP API and relays the outbox until ctx is cancelled,
// then shuts down and closes the store.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	// Load seed data from YAML if provided
	if s.cfg.SeedFile != "" {
		if err := LoadSeedFromYAML(ctx, s.cfg.SeedFile, s.store, s.logger); err != nil {
			return fmt.Errorf("server: seed: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("questboard API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relay.Run(runCtx, s.cfg.OutboxInterval)
	}()

	if s.cfg.MetricsLog > 0 {
		s.metrics.StartPeriodicLog(s.logger, s.cfg.MetricsLog, runCtx.Done())
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down...")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server: serve: %w", err)
		}
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	<-relayDone

	// Deliver what is already committed before the store closes.
	if n, err := s.relay.RunOnce(shutdownCtx); err != nil {
		s.logger.Warn("final outbox relay failed", "delivered", n, "error", err)
	}
	return runErr
}
