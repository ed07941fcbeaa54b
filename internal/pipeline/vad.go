package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicelayer/voxgate/internal/observe"
	"github.com/voicelayer/voxgate/internal/session"
	"github.com/voicelayer/voxgate/pkg/audio"
)

// processFrame advances the utterance state machine by one prepared client
// frame. Voice during idle opens a turn, silence while recording accumulates
// until the cutoff closes it, and silence during idle only feeds the preroll
// ring. A detector failure ends the session.
func (p *Pipeline) processFrame(ctx context.Context, sessionID string, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	speech, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("pipeline: detect voice: %w", err)
	}
	recording := p.store.Recording(sessionID)

	switch {
	case speech && !recording:
		p.voiceOnset(sessionID, frame)
	case speech:
		p.store.MarkVoice(sessionID)
		p.store.AppendAudio(sessionID, frame)
	case recording:
		p.store.AppendAudio(sessionID, frame)
		if p.store.SilenceBytes(sessionID) > p.cfg.SilenceCutoffBytes {
			return p.finishUtterance(ctx, sessionID)
		}
	default:
		p.store.RecordPreroll(sessionID, frame)
	}
	return nil
}

// voiceOnset opens a new turn: it mints the request id, interrupts any
// playing reply and seeds the utterance buffer with the preroll frames so
// the first syllable is not clipped.
func (p *Pipeline) voiceOnset(sessionID string, frame []byte) {
	requestID := uuid.NewString()
	p.store.SetCurrentRequest(sessionID, requestID)
	p.store.PushRequest(sessionID, &session.RequestTiming{
		ID:             requestID,
		RecordingStart: time.Now(),
	})
	p.store.SetRecording(sessionID, true)

	_ = p.store.SendText(sessionID, VoiceDetectedMessage)
	if flushed := p.store.ClearQueues(sessionID); flushed > 0 {
		slog.Debug("flushed playback queue", "session_id", sessionID, "chunks", flushed)
	}

	for _, pre := range p.store.Preroll(sessionID) {
		p.store.AppendAudio(sessionID, pre)
	}
	p.store.MarkVoice(sessionID)
	p.store.AppendAudio(sessionID, frame)
}

// finishUtterance closes the open turn once trailing silence passes the
// cutoff: it stamps the voice phase, drains the utterance buffer and hands
// the audio on for transcription.
func (p *Pipeline) finishUtterance(ctx context.Context, sessionID string) error {
	requestID := p.store.CurrentRequest(sessionID)
	now := time.Now()
	p.store.UpdateRequest(sessionID, requestID, func(rt *session.RequestTiming) {
		rt.VoiceDuration = now.Sub(rt.RecordingStart)
		rt.ProcessingStart = now
	})
	_ = p.store.SendText(sessionID, ProcessingMessage)

	pcm := p.store.TakeAudio(sessionID)
	p.store.SetRecording(sessionID, false)
	p.metrics.UtterancesSegmented.Add(ctx, 1)

	wav := audio.EncodeWAV(pcm, p.cfg.VADSampleRate, 1)
	return p.forwardTranscript(ctx, sessionID, requestID, wav)
}

// forwardTranscript transcribes one utterance and relays the text to the
// session's agent. A transcription failure is reported to the client and the
// session continues; an empty transcript stops short of the agent.
func (p *Pipeline) forwardTranscript(ctx context.Context, sessionID, requestID string, wav []byte) error {
	sctx, span := observe.StartSpan(ctx, "dialogue.transcribe")
	begin := time.Now()
	text, err := p.transcriber.Transcribe(sctx, wav)
	span.End()
	if err != nil {
		observe.Logger(ctx).Error("transcription failed",
			"session_id", sessionID,
			"request_id", requestID,
			"err", err)
		_ = p.store.SendText(sessionID, TranscriptionFailedMessage)
		return nil
	}
	latency := time.Since(begin)
	p.metrics.RecordTranscription(ctx, latency)

	p.store.AppendHistory(sessionID, "user", text)
	_ = p.store.SendText(sessionID, fmt.Sprintf(UserQueryFormat, text))
	_ = p.store.SendText(sessionID, fmt.Sprintf(TranscriptionLatencyFormat, latency.Seconds()))

	if strings.TrimSpace(text) == "" {
		return nil
	}
	_ = p.store.SendText(sessionID, GeneratingMessage)

	now := time.Now()
	p.store.UpdateRequest(sessionID, requestID, func(rt *session.RequestTiming) {
		rt.ProcessingDuration = now.Sub(rt.ProcessingStart)
	})

	agent := p.store.Agent(sessionID)
	if agent == nil {
		return nil
	}
	if err := agent.SendText(ctx, text, requestID); err != nil {
		return fmt.Errorf("pipeline: send transcript to agent: %w", err)
	}
	return nil
}
