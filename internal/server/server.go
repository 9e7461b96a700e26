// Package server exposes the engine over HTTP: a health check, a
// server-sent event endpoint that runs or resumes a session, and session
// inspection and removal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/warren/internal/human"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/store"
)

const (
	// pingInterval spaces SSE keep-alive comments
	pingInterval = 15 * time.Second

	// shutdownTimeout bounds graceful shutdown
	shutdownTimeout = 10 * time.Second

	// maxBodySize bounds a message request body (1MB)
	maxBodySize = 1 << 20
)

// Server serves the HTTP surface for one engine.
type Server struct {
	engine *orchestrator.Engine
	store  store.Store
	addr   string
	ping   time.Duration
}

// New creates a server for engine, using st for health checks.
func New(engine *orchestrator.Engine, st store.Store, addr string) *Server {
	return &Server{engine: engine, store: st, addr: addr, ping: pingInterval}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions/{session}/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/sessions/{session}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{session}", s.handleDeleteSession)
	return mux
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[Server] Listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Printf("[Server] Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleHealth returns 200 if the store is reachable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Store:  "disconnected",
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Store: "connected"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	bb, err := s.engine.State(r.Context(), sessionID, userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bb)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	if err := s.engine.ClearSession(r.Context(), sessionID, userID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	log.Printf("[Server] Cleared session %s for user %s", sessionID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func sessionParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	sessionID := r.PathValue("session")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id query parameter is required"))
		return "", "", false
	}
	return sessionID, userID, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, human.ErrRequestIDRequired):
		return http.StatusBadRequest
	case errors.Is(err, human.ErrNoSuspension),
		errors.Is(err, human.ErrAlreadyResolved),
		errors.Is(err, human.ErrRequestMismatch):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to write response: %v", err)
	}
}
