// Package server is the HTTP control surface: run submission, status,
// event streaming, pause/resume/cancel, the escalation queue, and the
// Prometheus metrics endpoint. The server renders from the ledger and
// delegates every mutation to the supervisor.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/supervisor"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8484"
}

// Server exposes one supervisor over HTTP.
type Server struct {
	config   Config
	sup      *supervisor.Supervisor
	registry *RunRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
}

// New creates a Server driving runs through the given supervisor.
func New(cfg Config, sup *supervisor.Supervisor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		sup:      sup,
		registry: NewRunRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/escalations", s.handleListEscalations)
	mux.HandleFunc("POST /runs/{id}/escalations/{key}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("GET /plan", s.handleGetPlan)
	mux.HandleFunc("GET /platform/status", s.handlePlatformStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithFields(log.Fields{"signal": sig.String()}).Info("shutting down")
		s.Shutdown()
	}()

	log.WithFields(log.Fields{"addr": s.config.Addr}).Info("control surface listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from hostile
// pages while CLI and programmatic callers pass untouched.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the HTTP listener and cancels every hosted run. In-flight
// steps stop at the next cancellation point; their runs stay resumable.
func (s *Server) Shutdown() {
	for _, runID := range s.registry.List() {
		h, ok := s.registry.Get(runID)
		if !ok {
			continue
		}
		if _, _, done := h.Done(); done {
			continue
		}
		if err := s.sup.Cancel(runID); err != nil {
			log.WithFields(log.Fields{"run_id": runID, "error": err}).Warn("cancel on shutdown")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
