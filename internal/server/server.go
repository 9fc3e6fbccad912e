// Package server is the HTTP control surface: build submission, gate
// resolution, timeline queries, and the SSE event stream.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/orchestrator"
	"github.com/forgeguard/forgeguard/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr string
}

// Control is the orchestrator surface the handlers call.
type Control interface {
	StartBuild(ctx context.Context, req orchestrator.StartRequest) (*store.Build, error)
	CancelBuild(ctx context.Context, id string, force bool) error
	ResumeBuild(ctx context.Context, id string, action orchestrator.ResumeAction, message string) error
	Interject(id, message string) error
	Status(ctx context.Context, id string) (*store.Build, error)
	Logs(ctx context.Context, id string, after time.Time, limit int) ([]store.BuildLog, error)
	Summary(ctx context.Context, id string) (*orchestrator.BuildSummary, error)
}

// Server is the HTTP server for managing ForgeGuard builds.
type Server struct {
	config  Config
	control Control
	hub     *broadcast.Hub
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     *slog.Logger
}

// New wires the server. The hub is needed for SSE attachment; everything else
// goes through Control.
func New(cfg Config, control Control, hub *broadcast.Hub, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		control: control,
		hub:     hub,
		baseCtx: ctx,
		cancel:  cancel,
		log:     log,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /builds", s.handleStartBuild)
	mux.HandleFunc("GET /builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /builds/{id}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /builds/{id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /builds/{id}/events", s.handleBuildEvents)
	mux.HandleFunc("POST /builds/{id}/cancel", s.handleCancelBuild)
	mux.HandleFunc("POST /builds/{id}/resume", s.handleResumeBuild)
	mux.HandleFunc("POST /builds/{id}/interject", s.handleInterject)

	s.httpSrv = &http.Server{
		Handler:      s.requestID(csrfProtect(mux)),
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
		s.log.Info("shutting down", "signal", sig.String())
		s.Shutdown()
	}()

	s.log.Info("listening", "addr", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// requestID tags every request so log lines from one call correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// csrfProtect rejects cross-origin POST requests. Browsers always attach the
// Origin header cross-origin, so checking it blocks CSRF from remote pages
// while letting CLI and same-host callers through.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown drains HTTP connections and cancels the base context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
