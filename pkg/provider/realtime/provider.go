// Package realtime defines the Agent interface for streaming dialogue backends.
//
// An Agent wraps a persistent, bidirectional connection to a realtime
// multimodal model: the gateway pushes transcribed user turns as text and
// pulls back a stream of events carrying synthesised audio, response
// transcripts and usage counters. Turn boundaries are decided by the caller,
// never by the upstream model, so an Agent must disable any server-side turn
// detection when it connects.
//
// Exactly one Agent is bound to each client session. The intended calling
// pattern is one writer goroutine (SendText / Cancel) and one reader
// goroutine (ReadMessage); implementations must be safe for that degree of
// concurrency. Callers must call Close when the session ends.
package realtime

import "context"

// EventType discriminates the variants of Event.
type EventType string

const (
	// EventAudioDelta carries a chunk of synthesised response audio.
	EventAudioDelta EventType = "audio_delta"

	// EventTranscriptDone carries the full text transcript of a finished
	// spoken response.
	EventTranscriptDone EventType = "transcript_done"

	// EventResponseCreated signals that the model started generating a
	// response to the most recently sent user turn.
	EventResponseCreated EventType = "response_created"

	// EventResponseDone signals that the model finished (or abandoned) the
	// current response.
	EventResponseDone EventType = "response_done"

	// EventError carries a non-fatal error reported by the upstream model.
	// The connection stays usable after it.
	EventError EventType = "error"
)

// Usage reports the token counters attached to a completed response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Event is a single decoded upstream event. Type selects the variant; the
// remaining fields are populated per variant and zero otherwise.
type Event struct {
	Type EventType

	// Audio holds raw PCM bytes, already base64-decoded, for EventAudioDelta.
	Audio []byte

	// Transcript holds the response text for EventTranscriptDone.
	Transcript string

	// RequestID identifies the user turn a response-scoped event belongs to.
	// Set for EventResponseCreated and EventResponseDone; it is the id passed
	// to the SendText call that triggered the response.
	RequestID string

	// Usage holds token counters for EventResponseDone. Nil when the upstream
	// response omitted them.
	Usage *Usage

	// Err holds the upstream error for EventError.
	Err error
}

// Agent is a live dialogue channel to a realtime model.
type Agent interface {
	// Connect dials the upstream model and configures the session: voice,
	// system instructions, audio formats, and local turn taking (server-side
	// turn detection disabled). It must be called once, before any other
	// method. Returns an error if the dial or the initial configuration
	// fails; the Agent is unusable afterwards.
	Connect(ctx context.Context, instructions, voice string) error

	// SendText posts one user turn and asks the model to respond to it.
	// If a response is still being generated, it is cancelled first, so a
	// fast-talking user always interrupts the in-flight answer. requestID
	// ties the resulting response events back to the utterance that caused
	// them.
	SendText(ctx context.Context, text, requestID string) error

	// ReadMessage blocks until the next upstream event arrives, the context
	// is cancelled, or the connection fails. Unknown upstream event types are
	// skipped, never surfaced. A returned error is terminal: the caller
	// should close the Agent and end the session.
	ReadMessage(ctx context.Context) (Event, error)

	// Cancel stops the in-flight response, if any. Calling it when nothing is
	// being generated is a no-op. Idempotent.
	Cancel(ctx context.Context) error

	// Err returns the first error that terminated the connection, or nil if
	// it is still healthy or was closed deliberately via Close.
	Err() error

	// Close tears down the upstream connection. Calling Close more than once
	// is safe and returns nil.
	Close() error
}
