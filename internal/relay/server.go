// ABOUTME: Relay server orchestrator wiring registry, driver, history, and ledger.
// ABOUTME: Manages the HTTP server lifecycle and graceful shutdown.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ccshell/relay/internal/config"
	"github.com/ccshell/relay/internal/query"
	"github.com/ccshell/relay/internal/runtime"
	"github.com/ccshell/relay/internal/session"
	"github.com/ccshell/relay/internal/store"
)

// Server coordinates the relay components: the session registry, the query
// driver, the runtime's history store, and the usage ledger.
type Server struct {
	config     *config.Config
	registry   *session.Registry
	driver     *query.Driver
	history    *runtime.HistoryStore
	ledger     *store.Ledger
	httpServer *http.Server
	logger     *slog.Logger

	// turnCtx is the lifecycle context detached turns run under. Turns
	// outlive their triggering HTTP request but not the server.
	turnCtx    context.Context
	turnCancel context.CancelFunc
}

// New creates a fully wired relay server using the CLI runtime.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ledger, err := store.NewLedger(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing usage ledger: %w", err)
	}

	rt := runtime.NewCLIRuntime(cfg.Runtime.Binary, logger)
	history := runtime.NewHistoryStore(cfg.Runtime.SessionDir, logger)
	return newServer(cfg, rt, history, ledger, logger), nil
}

// newServer wires a server from explicit collaborators; tests inject fakes.
func newServer(cfg *config.Config, rt runtime.Runtime, history *runtime.HistoryStore, ledger *store.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	registry := session.NewRegistry(logger)

	var recorder query.UsageRecorder
	if ledger != nil {
		recorder = ledger
	}
	driver := query.New(registry, rt, recorder, logger)

	turnCtx, turnCancel := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		registry:   registry,
		driver:     driver,
		history:    history,
		ledger:     ledger,
		logger:     logger.With("component", "relay"),
		turnCtx:    turnCtx,
		turnCancel: turnCancel,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the HTTP mux with permissive CORS applied to every endpoint.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /sessions/{id}/msg", s.handleSendMessage)
	mux.HandleFunc("POST /sessions/{id}/permission", s.handlePermission)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /stats/usage", s.handleUsageStats)

	return corsMiddleware(mux)
}

// corsMiddleware adds permissive cross-origin headers and short-circuits
// preflight requests with no body.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or the server failure otherwise.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time shutdown starts.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server, cancels in-flight turns, and releases the
// ledger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.turnCancel()

	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
