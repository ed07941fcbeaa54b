// Package openai implements the realtime.Agent interface for OpenAI's
// Realtime API.
//
// It holds a WebSocket connection to the Realtime endpoint and exchanges JSON
// events according to the Realtime API protocol. The session is configured
// for text input and audio+text output with server-side turn detection
// disabled: the gateway segments utterances itself and posts them as text
// turns, so the model must never decide on its own when the user stopped
// speaking. Response audio arrives as base64-encoded PCM16 deltas and is
// decoded before being handed to the caller.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/pkg/provider/realtime"
)

// Compile-time assertion that Agent satisfies the realtime interface.
var _ realtime.Agent = (*Agent)(nil)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultTemperature = 0.6

	// maxMessageSize bounds inbound frames; audio deltas run far past the
	// library default of 32 KiB.
	maxMessageSize = 64 * 1024 * 1024
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Agent.
type Option func(*Agent)

// WithModel sets the OpenAI realtime model requested on dial.
func WithModel(model string) Option {
	return func(a *Agent) {
		if model != "" {
			a.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Agent) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithTemperature sets the sampling temperature sent in the initial
// session configuration.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// ── Agent ──────────────────────────────────────────────────────────────────────

// Agent implements realtime.Agent against OpenAI's Realtime API. One Agent
// serves one client session; create a fresh Agent per session and call
// Connect before any other method.
type Agent struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64

	mu         sync.Mutex
	conn       *websocket.Conn
	generating bool
	closed     bool
	errVal     error

	// pending holds the ids of turns whose responses have not finished,
	// oldest first. The upstream serves one response at a time in
	// submission order, even across an interrupting turn whose cancel is
	// still answered with a final done, so created and done events always
	// describe the head.
	pending []string

	closeOnce sync.Once
}

// New creates an unconnected Agent with the given API key and options.
func New(apiKey string, opts ...Option) *Agent {
	a := &Agent{
		apiKey:      apiKey,
		model:       DefaultModel,
		baseURL:     defaultBaseURL,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Model returns the realtime model this Agent dials.
func (a *Agent) Model() string { return a.model }

// Connect dials the Realtime endpoint and sends the initial session.update.
func (a *Agent) Connect(ctx context.Context, instructions, voice string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return fmt.Errorf("openai: agent already connected")
	}
	if a.closed {
		return fmt.Errorf("openai: agent closed")
	}

	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	a.conn = conn

	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Temperature:       a.temperature,
			// Explicit null keeps upstream voice-activity detection off;
			// utterance boundaries are decided on our side of the wire.
			TurnDetection: nil,
		},
	}
	if err := a.writeJSON(ctx, update); err != nil {
		a.conn = nil
		conn.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("openai: session update: %w", err)
	}
	return nil
}

// SendText posts one user turn and requests a response. An in-flight
// response is cancelled first so the new turn interrupts it.
func (a *Agent) SendText(ctx context.Context, text, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.usable(); err != nil {
		return err
	}

	if a.generating {
		if err := a.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"}); err != nil {
			return fmt.Errorf("openai: cancel response: %w", err)
		}
		a.generating = false
	}

	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := a.writeJSON(ctx, item); err != nil {
		return fmt.Errorf("openai: create item: %w", err)
	}
	if err := a.writeJSON(ctx, typeOnlyMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: create response: %w", err)
	}

	a.generating = true
	a.pending = append(a.pending, requestID)
	return nil
}

// Cancel stops the in-flight response, if any.
func (a *Agent) Cancel(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.usable(); err != nil {
		return err
	}
	if !a.generating {
		return nil
	}
	if err := a.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"}); err != nil {
		return fmt.Errorf("openai: cancel response: %w", err)
	}
	a.generating = false
	return nil
}

// ReadMessage blocks for the next upstream event the caller cares about.
// Events that carry no payload for the dialogue (rate limit notices, buffer
// acks and the like) are skipped in place.
func (a *Agent) ReadMessage(ctx context.Context) (realtime.Event, error) {
	a.mu.Lock()
	conn := a.conn
	closed := a.closed
	a.mu.Unlock()

	if conn == nil || closed {
		return realtime.Event{}, fmt.Errorf("openai: agent not connected")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			deliberate := a.closed
			if !deliberate && a.errVal == nil {
				a.errVal = err
			}
			a.mu.Unlock()
			return realtime.Event{}, fmt.Errorf("openai: read: %w", err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		out, ok := a.translate(&evt)
		if !ok {
			continue
		}
		return out, nil
	}
}

// translate maps one decoded wire event to a realtime.Event. The second
// return value is false for events the caller never sees.
func (a *Agent) translate(evt *serverEvent) (realtime.Event, bool) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return realtime.Event{}, false
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return realtime.Event{}, false
		}
		return realtime.Event{Type: realtime.EventAudioDelta, Audio: audio}, true

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return realtime.Event{}, false
		}
		return realtime.Event{Type: realtime.EventTranscriptDone, Transcript: evt.Transcript}, true

	case "response.created":
		a.mu.Lock()
		var id string
		if len(a.pending) > 0 {
			id = a.pending[0]
		}
		a.mu.Unlock()
		return realtime.Event{Type: realtime.EventResponseCreated, RequestID: id}, true

	case "response.done":
		a.mu.Lock()
		var id string
		if len(a.pending) > 0 {
			id = a.pending[0]
			a.pending = a.pending[1:]
		}
		a.generating = false
		a.mu.Unlock()

		var usage *realtime.Usage
		if evt.Response != nil && evt.Response.Usage != nil {
			usage = &realtime.Usage{
				InputTokens:  evt.Response.Usage.InputTokens,
				OutputTokens: evt.Response.Usage.OutputTokens,
				TotalTokens:  evt.Response.Usage.TotalTokens,
			}
		}
		return realtime.Event{Type: realtime.EventResponseDone, RequestID: id, Usage: usage}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)}, true
	}

	return realtime.Event{}, false
}

// Err returns the first error that terminated the connection.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

// Close tears down the upstream connection. Idempotent.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.generating = false
		a.pending = nil
		conn := a.conn
		a.mu.Unlock()

		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// usable reports whether the Agent can write. Callers must hold a.mu.
func (a *Agent) usable() error {
	if a.closed {
		return fmt.Errorf("openai: agent closed")
	}
	if a.conn == nil {
		return fmt.Errorf("openai: agent not connected")
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message. Callers
// must hold a.mu so multi-message sequences stay ordered on the wire.
func (a *Agent) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return a.conn.Write(ctx, websocket.MessageText, data)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
	Temperature       float64  `json:"temperature"`

	// TurnDetection is serialised without omitempty: the upstream default is
	// server VAD, and only an explicit null disables it.
	TurnDetection any `json:"turn_detection"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseDetail `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseDetail struct {
	Usage *usageDetail `json:"usage,omitempty"`
}

type usageDetail struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
