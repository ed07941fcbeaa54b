package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voicelayer/voxgate/internal/session"
	"github.com/voicelayer/voxgate/pkg/audio"
)

// ErrEmptyUpload rejects a zero-byte upload body and ErrBadAudio one whose
// payload is not decodable mono PCM. Both mark the upload itself, not the
// gateway, as at fault.
var (
	ErrEmptyUpload = errors.New("pipeline: empty upload")
	ErrBadAudio    = errors.New("pipeline: undecodable upload audio")
)

// ProcessUpload runs one push-to-talk turn from an uploaded WAV recording.
// The recording must be mono PCM at any sample rate; it is resampled for
// transcription and the whole clip counts as the turn's voice phase. The
// session's playback queue is flushed so the reply does not land behind a
// stale one.
func (p *Pipeline) ProcessUpload(ctx context.Context, sessionID string, wav []byte) error {
	if len(wav) == 0 {
		return ErrEmptyUpload
	}
	pcm, rate, channels, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAudio, err)
	}
	if channels != 1 {
		return fmt.Errorf("%w: %d channels, want mono", ErrBadAudio, channels)
	}

	_ = p.store.SendText(sessionID, UploadAcceptedMessage)
	if flushed := p.store.ClearQueues(sessionID); flushed > 0 {
		slog.Debug("flushed playback queue", "session_id", sessionID, "chunks", flushed)
	}

	if p.cfg.TempDir != "" {
		p.saveUploadCopy(wav)
	}

	now := time.Now()
	requestID := uuid.NewString()
	p.store.SetCurrentRequest(sessionID, requestID)
	p.store.PushRequest(sessionID, &session.RequestTiming{
		ID:              requestID,
		RecordingStart:  now,
		VoiceDuration:   audio.PCMDuration(len(pcm), rate, channels),
		ProcessingStart: now,
	})
	_ = p.store.SendText(sessionID, ProcessingMessage)

	if rate != p.cfg.VADSampleRate {
		pcm = audio.Resample(pcm, rate, p.cfg.VADSampleRate)
	}
	return p.forwardTranscript(ctx, sessionID, requestID, audio.EncodeWAV(pcm, p.cfg.VADSampleRate, 1))
}

// saveUploadCopy keeps the raw upload under TempDir for later inspection.
// Failures are logged and do not block the turn.
func (p *Pipeline) saveUploadCopy(wav []byte) {
	if err := os.MkdirAll(p.cfg.TempDir, 0o755); err != nil {
		slog.Warn("create upload dir", "dir", p.cfg.TempDir, "err", err)
		return
	}
	path := filepath.Join(p.cfg.TempDir, strconv.FormatInt(time.Now().UnixNano(), 10)+".wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		slog.Warn("save upload copy", "path", path, "err", err)
	}
}
