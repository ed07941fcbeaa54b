// Package server exposes the gateway's client surface: the streaming and
// push-to-talk WebSocket endpoints, the upload and session-id HTTP
// endpoints, and the operational health and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicelayer/voxgate/internal/billing"
	"github.com/voicelayer/voxgate/internal/health"
	"github.com/voicelayer/voxgate/internal/pipeline"
	"github.com/voicelayer/voxgate/internal/session"
)

// Config carries the server's own tunables. The listen address lives with
// the caller, which owns the http.Server.
type Config struct {
	// Prefix is an optional leading path segment for the client routes
	// (for serving behind a shared reverse proxy), without slashes. The
	// health and metrics routes are never prefixed.
	Prefix string

	// JWTSecret verifies the auth cookie.
	JWTSecret string

	// GuestGrantSeconds is the talk time granted to a first-contact user.
	GuestGrantSeconds int
}

// Deps are the collaborators the handlers dispatch into. Streaming and
// push-to-talk sessions live in separate stores, each driven by its own
// pipeline.
type Deps struct {
	Streams  *session.Store
	Buttons  *session.Store
	Stream   *pipeline.Pipeline
	Button   *pipeline.Pipeline
	Balances billing.Balances
	Health   *health.Handler
}

// Server routes client requests into the session pipelines.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server. deps.Health may be nil to skip the probe routes.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Handler returns the gateway's route table:
//
//	GET  /{prefix}/ws                  streaming voice session
//	GET  /{prefix}/ws-button           push-to-talk voice session
//	POST /{prefix}/api/upload-audio/   push-to-talk utterance upload
//	GET  /{prefix}/api/session-id      mint a session id
//	GET  /healthz, /readyz             probes
//	GET  /metrics                      Prometheus export
func (s *Server) Handler() http.Handler {
	prefix := ""
	if p := strings.Trim(s.cfg.Prefix, "/"); p != "" {
		prefix = "/" + p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/ws", s.handleStreamWS)
	mux.HandleFunc("GET "+prefix+"/ws-button", s.handleButtonWS)
	mux.HandleFunc("POST "+prefix+"/api/upload-audio/", s.handleUpload)
	mux.HandleFunc("GET "+prefix+"/api/session-id", s.handleSessionID)

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// sessionIDResponse is the JSON body returned from the session-id endpoint.
type sessionIDResponse struct {
	SessionID string `json:"session_id"`
}

// handleSessionID mints the id a client presents when opening its voice
// channel. Callers with no time left are refused up front so the web client
// can route them to the top-up page before recording anything.
func (s *Server) handleSessionID(w http.ResponseWriter, r *http.Request) {
	id := s.identify(r)

	bal, err := s.ensureBalance(r.Context(), id)
	if err != nil {
		slog.Error("balance lookup failed", "user_id", id.userID, "err", err)
		http.Error(w, "balance unavailable", http.StatusInternalServerError)
		return
	}
	if bal.TotalSeconds() <= 0 {
		http.Error(w, billing.OutOfTimeMessage, http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionIDResponse{SessionID: uuid.NewString()})
}

// ensureBalance resolves the caller's balance. Unknown users are
// provisioned with the guest grant on first contact, authenticated ones
// included, so a fresh signup can talk before any top-up.
func (s *Server) ensureBalance(ctx context.Context, id identity) (billing.Balance, error) {
	if id.authenticated {
		bal, err := s.deps.Balances.Get(ctx, id.userID)
		if err == nil {
			return bal, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return billing.Balance{}, err
		}
	}
	return s.deps.Balances.EnsureGuest(ctx, id.userID, s.cfg.GuestGrantSeconds)
}
