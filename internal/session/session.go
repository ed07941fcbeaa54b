package session

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/pkg/provider/realtime"
)

// Compile-time interface assertion.
var _ Conn = (*websocket.Conn)(nil)

// Conn is the write side of a client connection. The read side stays with
// the pipeline goroutine that accepted the socket; every other component
// posts text and audio through the [Store], which owns eviction when a
// write fails.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Chunk is one synthesized audio file queued for playback, paired with its
// decoded duration so the playback loop can pace sends.
type Chunk struct {
	Data     []byte
	Duration time.Duration
}

// HistoryEntry is one line of a session's conversation transcript.
type HistoryEntry struct {
	Role string
	Text string
}

// RequestTiming tracks the wall-clock phases of one dialogue turn, from
// voice onset through transcription to response completion. The accountant
// removes it from the session and bills the summed phases once the
// upstream response finishes.
type RequestTiming struct {
	// ID is the request id minted at voice onset and echoed back on
	// upstream response events.
	ID string

	// RecordingStart is when voice was first detected.
	RecordingStart time.Time

	// VoiceDuration is how long the user spoke, stamped at utterance end.
	VoiceDuration time.Duration

	// ProcessingStart and ProcessingDuration bracket transcription.
	ProcessingStart    time.Time
	ProcessingDuration time.Duration

	// ResponseStart and ResponseDuration bracket the upstream turn.
	ResponseStart    time.Time
	ResponseDuration time.Duration
}

// Session is the per-connection state shared by the pipeline loops.
// Sessions are owned exclusively by the [Store]; components outside the
// store hold the session id and go through store methods.
type Session struct {
	ID            string
	UserID        string
	Authenticated bool
	Conn          Conn

	// Utterance capture state, advanced by the ingest loop.
	AudioBuffer     []byte
	Preroll         [][]byte
	Recording       bool
	LastVoiceOffset int

	// In-flight dialogue turns, charged in response-completion order.
	Requests         []*RequestTiming
	CurrentRequestID string

	// Playback carries synthesized chunks from the synthesize loop to the
	// playback loop. ClearQueues swaps it for a fresh channel.
	Playback chan Chunk

	// Agent is the upstream realtime handle bound to this session.
	Agent realtime.Agent

	Voice          string
	Topic          string
	ResponseLength string

	LastHeartbeat time.Time
	History       []HistoryEntry
}
