package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/voicelayer/voxgate/internal/billing"
	"github.com/voicelayer/voxgate/internal/pipeline"
)

// maxUploadBytes bounds one utterance upload. A minute of 16-bit mono at
// 44.1 kHz is ~5 MB, so this leaves generous headroom.
const maxUploadBytes = 32 << 20

// uploadResponse is the JSON body returned from the upload endpoint.
type uploadResponse struct {
	Status string `json:"status"`
}

// handleUpload serves POST /{prefix}/api/upload-audio/: one complete
// push-to-talk utterance as a multipart WAV, addressed to a connected
// session by the session_id form field (or query parameter). The turn is
// processed before the response is written, so a 200 means the utterance
// reached the assistant.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if !s.deps.Buttons.Exists(sessionID) {
		http.Error(w, "no connected session for session_id "+sessionID, http.StatusBadRequest)
		return
	}

	if !s.uploadBalanceOK(w, r, sessionID) {
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "unreadable upload", http.StatusBadRequest)
		return
	}

	if err := s.deps.Button.ProcessUpload(r.Context(), sessionID, data); err != nil {
		if errors.Is(err, pipeline.ErrEmptyUpload) || errors.Is(err, pipeline.ErrBadAudio) {
			_ = s.deps.Buttons.SendText(sessionID, pipeline.UploadRejectedMessage)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("process upload", "session_id", sessionID, "err", err)
		http.Error(w, "failed to process upload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(uploadResponse{Status: "ok"})
}

// uploadBalanceOK rejects an upload from a caller with no time left,
// telling them over the session channel as well so the transcript pane
// shows why the utterance went nowhere. Lookup failures let the upload
// through; the charge path settles the difference.
func (s *Server) uploadBalanceOK(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	userID := s.deps.Buttons.UserID(sessionID)
	if userID == "" {
		return true
	}
	bal, err := s.deps.Balances.Get(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, billing.ErrNotFound) {
			slog.Warn("balance lookup failed", "session_id", sessionID, "user_id", userID, "err", err)
		}
		return true
	}
	if bal.TotalSeconds() > 0 {
		return true
	}
	_ = s.deps.Buttons.SendText(sessionID, billing.OutOfTimeMessage)
	http.Error(w, billing.OutOfTimeMessage, http.StatusForbidden)
	return false
}
