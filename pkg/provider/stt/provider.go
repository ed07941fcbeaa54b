// Package stt defines the Transcriber interface for speech-to-text backends.
//
// Unlike a streaming recognizer, the gateway submits complete utterances: the
// VAD state machine (or the push-to-talk upload) assembles a finished WAV and
// asks for its text in one call. Transcription failures are per-utterance
// events; the caller reports them to the client session and keeps the session
// alive.
//
// Implementations must be safe for concurrent use; one Transcriber serves
// every session in the process.
package stt

import "context"

// Transcriber converts one complete utterance into text.
type Transcriber interface {
	// Transcribe submits a RIFF/WAVE payload (16-bit mono PCM) and returns the
	// recognized text. An empty transcript with a nil error is a valid result
	// for silence-only audio.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
