// Package debugsrv serves a hop's health, metrics and service state
// over HTTP.  Delegators start it only when a debug address is set.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobrelay/internal/metrics"
	"jobrelay/util"
)

const shutdownGrace = 2 * time.Second

// StatusFunc reports the current service state.  It is called from
// HTTP handler goroutines.
type StatusFunc func() any

// Handler returns the router:
//
//	GET /healthz   liveness probe
//	GET /metrics   prometheus exposition
//	GET /stats     metrics snapshot as JSON
//	GET /state     service status as JSON
func Handler(m *metrics.Collector, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, m.Snapshot())
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		if status == nil {
			http.Error(w, "no service", http.StatusNotFound)
			return
		}
		writeJSON(w, status())
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Server runs Handler on a listener until its context ends.
type Server struct {
	Addr    string
	Metrics *metrics.Collector
	Status  StatusFunc
	Logger  *util.Logger
}

// Run listens on s.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("debug listen on %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.  ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.Logger
	if log == nil {
		log = util.Nop()
	}
	srv := &http.Server{
		Handler:           Handler(s.Metrics, s.Status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(sctx) //nolint:errcheck
	}()

	log.Verbose("debug server on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}
