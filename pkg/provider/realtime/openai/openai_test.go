package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/pkg/provider/realtime"
	"github.com/voicelayer/voxgate/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connectedAgent dials the test server and returns a ready Agent. It fails
// the test if the handshake does not complete.
func connectedAgent(t *testing.T, srv *httptest.Server, opts ...openai.Option) *openai.Agent {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	agent := openai.New("key", opts...)
	if err := agent.Connect(context.Background(), "Assist the caller.", "alloy"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { agent.Close() })
	return agent
}

// readCtx returns a context suitable for a single ReadMessage call in tests.
func readCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	agent := openai.New("my-key")
	if agent == nil {
		t.Fatal("New returned nil")
	}
	if agent.Model() != openai.DefaultModel {
		t.Errorf("Model() = %q; want %q", agent.Model(), openai.DefaultModel)
	}
}

func TestWithModel_SetsModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	connectedAgent(t, srv, openai.WithModel("gpt-4o-mini-realtime"))

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	type headers struct {
		auth string
		beta string
	}
	got := make(chan headers, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- headers{auth: r.Header.Get("Authorization"), beta: r.Header.Get("OpenAI-Beta")}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	if err := agent.Connect(context.Background(), "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer agent.Close()

	select {
	case h := <-got:
		if h.auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", h.auth)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", h.beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string         `json:"type"`
		Session map[string]any `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	if err := agent.Connect(context.Background(), "Talk about birds.", "sage"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer agent.Close()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if v := msg.Session["voice"]; v != "sage" {
			t.Errorf("voice = %v; want sage", v)
		}
		if in := msg.Session["instructions"]; in != "Talk about birds." {
			t.Errorf("instructions = %v", in)
		}
		if f := msg.Session["input_audio_format"]; f != "pcm16" {
			t.Errorf("input_audio_format = %v; want pcm16", f)
		}
		if f := msg.Session["output_audio_format"]; f != "pcm16" {
			t.Errorf("output_audio_format = %v; want pcm16", f)
		}
		if temp := msg.Session["temperature"]; temp != 0.6 {
			t.Errorf("temperature = %v; want 0.6", temp)
		}
		mods, _ := msg.Session["modalities"].([]any)
		if len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
			t.Errorf("modalities = %v; want [text audio]", msg.Session["modalities"])
		}
		td, present := msg.Session["turn_detection"]
		if !present {
			t.Error("turn_detection key missing; must be an explicit null")
		} else if td != nil {
			t.Errorf("turn_detection = %v; want null", td)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_Twice_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.Connect(context.Background(), "", ""); err == nil {
		t.Fatal("second Connect should return an error")
	}
}

// ── SendText ──────────────────────────────────────────────────────────────────

func TestSendText_SendsItemThenResponseCreate(t *testing.T) {
	t.Parallel()

	type wireMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	msgs := make(chan wireMsg, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		for range 2 {
			var m wireMsg
			readJSON(t, conn, &m)
			msgs <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.SendText(context.Background(), "What is a kestrel?", "req-1"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var got []wireMsg
	for range 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for wire messages")
		}
	}

	if got[0].Type != "conversation.item.create" {
		t.Errorf("first message type = %q; want conversation.item.create", got[0].Type)
	}
	if got[0].Item.Role != "user" {
		t.Errorf("item role = %q; want user", got[0].Item.Role)
	}
	if len(got[0].Item.Content) == 0 {
		t.Fatal("item has no content")
	}
	if got[0].Item.Content[0].Type != "input_text" {
		t.Errorf("content type = %q; want input_text", got[0].Item.Content[0].Type)
	}
	if got[0].Item.Content[0].Text != "What is a kestrel?" {
		t.Errorf("content text = %q", got[0].Item.Content[0].Text)
	}
	if got[1].Type != "response.create" {
		t.Errorf("second message type = %q; want response.create", got[1].Type)
	}
}

func TestSendText_WhileGenerating_CancelsExactlyOnce(t *testing.T) {
	t.Parallel()

	types := make(chan string, 5)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// First turn is two messages, the interrupting turn is three.
		for range 5 {
			var m struct {
				Type string `json:"type"`
			}
			readJSON(t, conn, &m)
			types <- m.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.SendText(context.Background(), "first", "req-1"); err != nil {
		t.Fatalf("SendText first: %v", err)
	}
	if err := agent.SendText(context.Background(), "second", "req-2"); err != nil {
		t.Fatalf("SendText second: %v", err)
	}

	var got []string
	for range 5 {
		select {
		case tp := <-types:
			got = append(got, tp)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout; received so far: %v", got)
		}
	}

	want := []string{
		"conversation.item.create",
		"response.create",
		"response.cancel",
		"conversation.item.create",
		"response.create",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message order = %v; want %v", got, want)
		}
	}
}

func TestSendText_BeforeConnect_ReturnsError(t *testing.T) {
	t.Parallel()
	agent := openai.New("key")
	if err := agent.SendText(context.Background(), "hello", "req-1"); err == nil {
		t.Fatal("SendText before Connect should return an error")
	}
}

func TestSendText_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	_ = agent.Close()

	if err := agent.SendText(context.Background(), "hello", "req-1"); err == nil {
		t.Fatal("SendText after Close should return an error")
	}
}

// ── Cancel ────────────────────────────────────────────────────────────────────

func TestCancel_SendsResponseCancelOnce(t *testing.T) {
	t.Parallel()

	types := make(chan string, 5)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Turn, cancel, then the follow-up turn.
		for range 5 {
			var m struct {
				Type string `json:"type"`
			}
			readJSON(t, conn, &m)
			types <- m.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.SendText(context.Background(), "first", "req-1"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := agent.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Second Cancel is a no-op: nothing is generating anymore.
	if err := agent.Cancel(context.Background()); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if err := agent.SendText(context.Background(), "second", "req-2"); err != nil {
		t.Fatalf("SendText second: %v", err)
	}

	var got []string
	for range 5 {
		select {
		case tp := <-types:
			got = append(got, tp)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout; received so far: %v", got)
		}
	}

	want := []string{
		"conversation.item.create",
		"response.create",
		"response.cancel",
		"conversation.item.create",
		"response.create",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message order = %v; want %v", got, want)
		}
	}
}

func TestCancel_NoopWhenIdle(t *testing.T) {
	t.Parallel()

	types := make(chan string, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		for range 2 {
			var m struct {
				Type string `json:"type"`
			}
			readJSON(t, conn, &m)
			types <- m.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := agent.SendText(context.Background(), "hello", "req-1"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// The first frame after the handshake must be the conversation item, not
	// a stray response.cancel.
	select {
	case tp := <-types:
		if tp != "conversation.item.create" {
			t.Errorf("first message type = %q; want conversation.item.create", tp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── ReadMessage ───────────────────────────────────────────────────────────────

func TestReadMessage_AudioDelta(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": encoded})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)

	evt, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if evt.Type != realtime.EventAudioDelta {
		t.Errorf("event type = %q; want %q", evt.Type, realtime.EventAudioDelta)
	}
	if string(evt.Audio) != string(wantPCM) {
		t.Errorf("audio = %v; want %v", evt.Audio, wantPCM)
	}
}

func TestReadMessage_SkipsUnknownEvents(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.committed"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "transcript": "Hello there."})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)

	evt, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if evt.Type != realtime.EventTranscriptDone {
		t.Errorf("event type = %q; want %q", evt.Type, realtime.EventTranscriptDone)
	}
	if evt.Transcript != "Hello there." {
		t.Errorf("transcript = %q; want %q", evt.Transcript, "Hello there.")
	}
}

func TestReadMessage_ResponseLifecycle(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Consume the turn before answering it.
		for range 2 {
			var m map[string]any
			readJSON(t, conn, &m)
		}
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"usage": map[string]any{
					"input_tokens":  42,
					"output_tokens": 96,
					"total_tokens":  138,
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.SendText(context.Background(), "hello", "req-7"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	created, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage created: %v", err)
	}
	if created.Type != realtime.EventResponseCreated {
		t.Errorf("first event = %q; want %q", created.Type, realtime.EventResponseCreated)
	}
	if created.RequestID != "req-7" {
		t.Errorf("created RequestID = %q; want req-7", created.RequestID)
	}

	done, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage done: %v", err)
	}
	if done.Type != realtime.EventResponseDone {
		t.Errorf("second event = %q; want %q", done.Type, realtime.EventResponseDone)
	}
	if done.RequestID != "req-7" {
		t.Errorf("done RequestID = %q; want req-7", done.RequestID)
	}
	if done.Usage == nil {
		t.Fatal("done Usage = nil; want counters")
	}
	if done.Usage.InputTokens != 42 || done.Usage.OutputTokens != 96 || done.Usage.TotalTokens != 138 {
		t.Errorf("usage = %+v; want {42 96 138}", *done.Usage)
	}
}

func TestReadMessage_OverlappingTurnsSettleInOrder(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// First turn: item + response.create.
		for range 2 {
			var m map[string]any
			readJSON(t, conn, &m)
		}
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		// Interrupting turn: cancel + item + response.create. The cancelled
		// response still finishes with a done of its own.
		for range 3 {
			var m map[string]any
			readJSON(t, conn, &m)
		}
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if err := agent.SendText(context.Background(), "first", "req-1"); err != nil {
		t.Fatalf("SendText first: %v", err)
	}
	created, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage created: %v", err)
	}
	if created.Type != realtime.EventResponseCreated || created.RequestID != "req-1" {
		t.Fatalf("first event = %q %q; want %q req-1", created.Type, created.RequestID, realtime.EventResponseCreated)
	}

	if err := agent.SendText(context.Background(), "second", "req-2"); err != nil {
		t.Fatalf("SendText second: %v", err)
	}

	want := []struct {
		typ realtime.EventType
		id  string
	}{
		{realtime.EventResponseDone, "req-1"},
		{realtime.EventResponseCreated, "req-2"},
		{realtime.EventResponseDone, "req-2"},
	}
	for i, w := range want {
		evt, err := agent.ReadMessage(readCtx(t))
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if evt.Type != w.typ || evt.RequestID != w.id {
			t.Errorf("event %d = %q %q; want %q %q", i, evt.Type, evt.RequestID, w.typ, w.id)
		}
	}
}

func TestReadMessage_ResponseDoneWithoutUsage(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)

	evt, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if evt.Type != realtime.EventResponseDone {
		t.Errorf("event type = %q; want %q", evt.Type, realtime.EventResponseDone)
	}
	if evt.Usage != nil {
		t.Errorf("Usage = %+v; want nil", *evt.Usage)
	}
}

func TestReadMessage_ErrorEventDoesNotKillConnection(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "response_cancel_not_active",
				"message": "No active response to cancel.",
			},
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "transcript": "still alive"})
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)

	evt, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if evt.Type != realtime.EventError {
		t.Fatalf("event type = %q; want %q", evt.Type, realtime.EventError)
	}
	if evt.Err == nil || !strings.Contains(evt.Err.Error(), "No active response to cancel") {
		t.Errorf("event err = %v; want upstream message", evt.Err)
	}

	next, err := agent.ReadMessage(readCtx(t))
	if err != nil {
		t.Fatalf("ReadMessage after error event: %v", err)
	}
	if next.Transcript != "still alive" {
		t.Errorf("transcript = %q; want %q", next.Transcript, "still alive")
	}
	if agent.Err() != nil {
		t.Errorf("Err() = %v; want nil, upstream error events are not fatal", agent.Err())
	}
}

func TestReadMessage_BeforeConnect_ReturnsError(t *testing.T) {
	t.Parallel()
	agent := openai.New("key")
	if _, err := agent.ReadMessage(context.Background()); err == nil {
		t.Fatal("ReadMessage before Connect should return an error")
	}
}

// ── Err and Close ─────────────────────────────────────────────────────────────

func TestErr_NilBeforeError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)
	if got := agent.Err(); got != nil {
		t.Errorf("Err() = %v; want nil before any error", got)
	}
}

func TestErr_SetWhenPeerDrops(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Handler returns, which closes the connection under the agent.
	})

	agent := connectedAgent(t, srv)

	if _, err := agent.ReadMessage(readCtx(t)); err == nil {
		t.Fatal("ReadMessage on dropped connection should return an error")
	}
	if agent.Err() == nil {
		t.Error("Err() = nil; want the transport error recorded")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	agent := connectedAgent(t, srv)

	if err := agent.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := agent.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if agent.Err() != nil {
		t.Errorf("Err() after deliberate Close = %v; want nil", agent.Err())
	}
}
