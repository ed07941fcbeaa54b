package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/internal/billing"
	"github.com/voicelayer/voxgate/internal/pipeline"
	"github.com/voicelayer/voxgate/internal/session"
)

// handleStreamWS serves GET /{prefix}/ws: a hands-free session whose
// utterances are segmented server-side.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.deps.Streams, s.deps.Stream.RunStreaming)
}

// handleButtonWS serves GET /{prefix}/ws-button: a push-to-talk session
// whose utterances arrive through the upload endpoint.
func (s *Server) handleButtonWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.deps.Buttons, s.deps.Button.RunButton)
}

// serveWS accepts the client socket, registers the session and hands it to
// the pipeline, blocking until the session ends. A request without a
// session_id, or whose caller has no time left, is accepted and then closed
// with a policy-violation code so the web client can read the status.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, store *session.Store, run func(context.Context, pipeline.Socket, string) error) {
	sessionID := r.URL.Query().Get("session_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The web client is served from a separate origin; the auth
		// cookie is the access control here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "path", r.URL.Path, "err", err)
		return
	}
	defer conn.CloseNow()

	if sessionID == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "session_id required")
		return
	}

	ctx := r.Context()
	id := s.identify(r)

	store.Connect(conn, sessionID)
	store.SetUser(sessionID, id.userID, id.authenticated)

	q := r.URL.Query()
	store.SetSettings(sessionID, q.Get("voice"), q.Get("topic"), q.Get("response_length"))

	bal, err := s.ensureBalance(ctx, id)
	if err != nil {
		slog.Error("balance lookup failed",
			"session_id", sessionID, "user_id", id.userID, "err", err)
		store.DisconnectWith(sessionID, websocket.StatusInternalError, "balance unavailable")
		return
	}
	if bal.TotalSeconds() <= 0 {
		_ = store.SendText(sessionID, billing.OutOfTimeMessage)
		store.DisconnectWith(sessionID, websocket.StatusPolicyViolation, "balance exhausted")
		return
	}

	slog.Info("client connected",
		"session_id", sessionID,
		"user_id", id.userID,
		"authenticated", id.authenticated,
		"sessions", store.Len(),
	)

	if err := run(ctx, conn, sessionID); err != nil {
		slog.Warn("session pipeline failed", "session_id", sessionID, "err", err)
	}
}
