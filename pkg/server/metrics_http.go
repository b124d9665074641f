package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/NicolasHaas/questboard/pkg/notify"
	"github.com/NicolasHaas/questboard/pkg/version"
)

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	header := func(name, help, mtype string) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
	}
	write := func(name, help, mtype string, value int64) {
		header(name, help, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	header("questboard_uptime_seconds", "Server uptime in seconds.", "gauge")
	_, _ = fmt.Fprintf(w, "questboard_uptime_seconds %f\n", uptime)

	header("questboard_events_total", "Committed domain events by kind.", "counter")
	for _, k := range notify.Kinds() {
		_, _ = fmt.Fprintf(w, "questboard_events_total{kind=%q} %d\n", string(k), m.Events(k))
	}

	write("questboard_searches_total", "Match searches served.", "counter",
		m.Searches.Load())
	write("questboard_search_results_total", "Candidates returned by match searches.", "counter",
		m.SearchResults.Load())
	write("questboard_outbox_delivered_total", "Outbox entries delivered to the sink.", "counter",
		m.OutboxDelivered.Load())
	write("questboard_request_errors_total", "API requests answered with a server error.", "counter",
		m.RequestErrors.Load())
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
	Uptime  string       `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: version.Get(),
		Uptime:  time.Since(s.metrics.startTime).Truncate(time.Second).String(),
	})
}
