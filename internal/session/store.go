package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/pkg/provider/realtime"
)

// ErrNotFound is returned by send operations when the session id is not
// registered (never connected or already evicted).
var ErrNotFound = errors.New("session: not found")

const (
	// defaultPrerollFrames is how many idle frames are retained and
	// prepended to the utterance buffer at voice onset.
	defaultPrerollFrames = 2

	// defaultSendTimeout bounds a single outbound write.
	defaultSendTimeout = 10 * time.Second

	// playbackBuffer is the capacity of a session's playback queue. The
	// enqueue path never blocks; chunks beyond this are dropped.
	playbackBuffer = 256
)

// Store holds every live [Session] behind a single mutex. All methods are
// safe for concurrent use. Methods on absent ids are no-ops or zero-value
// reads so pipeline loops never have to re-check registration.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	prerollFrames int
	sendTimeout   time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrerollFrames sets how many idle frames are kept for voice onset.
func WithPrerollFrames(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.prerollFrames = n
		}
	}
}

// WithSendTimeout bounds each outbound write.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:      make(map[string]*Session),
		prerollFrames: defaultPrerollFrames,
		sendTimeout:   defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect registers a fresh session for the given connection. An existing
// session with the same id is replaced and its connection closed.
func (s *Store) Connect(conn Conn, id string) {
	s.mu.Lock()
	old, replaced := s.sessions[id]
	s.sessions[id] = &Session{
		ID:            id,
		Conn:          conn,
		Preroll:       make([][]byte, 0, s.prerollFrames),
		Playback:      make(chan Chunk, playbackBuffer),
		LastHeartbeat: time.Now(),
	}
	s.mu.Unlock()
	if replaced {
		_ = old.Conn.Close(websocket.StatusNormalClosure, "replaced")
		slog.Warn("session replaced", "session_id", id)
	}
}

// Disconnect closes the session's connection and removes it from the store.
func (s *Store) Disconnect(id string) {
	s.DisconnectWith(id, websocket.StatusNormalClosure, "")
}

// DisconnectWith removes the session and closes its connection with the
// given status code. Used for policy closes (exhausted balance) and
// evictions.
func (s *Store) DisconnectWith(id string, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.Conn.Close(code, reason)
}

// Exists reports whether the session id is registered.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns the ids of all live sessions in unspecified order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SetUser records the resolved identity for the session.
func (s *Store) SetUser(id, userID string, authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.UserID = userID
		sess.Authenticated = authenticated
	}
}

// UserID returns the session's user id, or "" if the session is absent.
func (s *Store) UserID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.UserID
	}
	return ""
}

// SetSettings records the resolved voice, topic and response length.
func (s *Store) SetSettings(id, voice, topic, length string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Voice = voice
		sess.Topic = topic
		sess.ResponseLength = length
	}
}

// Settings returns the session's voice, topic and response length.
func (s *Store) Settings(id string) (voice, topic, length string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Voice, sess.Topic, sess.ResponseLength
	}
	return "", "", ""
}

// SetAgent binds the upstream realtime handle to the session.
func (s *Store) SetAgent(id string, a realtime.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Agent = a
	}
}

// Agent returns the session's upstream handle, or nil if absent.
func (s *Store) Agent(id string) realtime.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Agent
	}
	return nil
}

// SetRecording flips the utterance capture flag.
func (s *Store) SetRecording(id string, recording bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Recording = recording
	}
}

// Recording reports whether an utterance is being captured.
func (s *Store) Recording(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Recording
	}
	return false
}

// SetCurrentRequest records the id of the utterance being captured.
func (s *Store) SetCurrentRequest(id, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.CurrentRequestID = requestID
	}
}

// CurrentRequest returns the id of the utterance being captured, or "".
func (s *Store) CurrentRequest(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.CurrentRequestID
	}
	return ""
}

// AppendAudio appends a frame to the utterance buffer and returns the new
// buffer length. The frame is copied.
func (s *Store) AppendAudio(id string, frame []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0
	}
	sess.AudioBuffer = append(sess.AudioBuffer, frame...)
	return len(sess.AudioBuffer)
}

// MarkVoice stamps the current buffer length as the most recent voice
// position. Called before the voiced frame itself is appended, so the
// offset marks where that frame begins.
func (s *Store) MarkVoice(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastVoiceOffset = len(sess.AudioBuffer)
	}
}

// SilenceBytes returns how many buffered bytes follow the most recent
// voice position.
func (s *Store) SilenceBytes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return len(sess.AudioBuffer) - sess.LastVoiceOffset
	}
	return 0
}

// TakeAudio returns the utterance buffer and resets capture state for the
// next utterance.
func (s *Store) TakeAudio(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	buf := sess.AudioBuffer
	sess.AudioBuffer = nil
	sess.LastVoiceOffset = 0
	return buf
}

// RecordPreroll pushes a frame onto the preroll ring, dropping the oldest
// beyond capacity. The frame is copied.
func (s *Store) RecordPreroll(id string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	sess.Preroll = append(sess.Preroll, buf)
	if n := len(sess.Preroll) - s.prerollFrames; n > 0 {
		sess.Preroll = sess.Preroll[n:]
	}
}

// Preroll returns the buffered lead-in frames, oldest first.
func (s *Store) Preroll(id string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	frames := make([][]byte, len(sess.Preroll))
	copy(frames, sess.Preroll)
	return frames
}

// PushRequest appends a dialogue turn to the session's in-flight queue.
func (s *Store) PushRequest(id string, rt *RequestTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Requests = append(sess.Requests, rt)
	}
}

// UpdateRequest runs fn on the in-flight turn with the given request id
// while holding the store lock. Returns false if the session or request
// is absent.
func (s *Store) UpdateRequest(id, requestID string, fn func(*RequestTiming)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	for _, rt := range sess.Requests {
		if rt.ID == requestID {
			fn(rt)
			return true
		}
	}
	return false
}

// PopRequest removes and returns the in-flight turn with the given request
// id, or nil if absent. Turns complete in response order, not submission
// order, so removal is by id rather than position.
func (s *Store) PopRequest(id, requestID string) *RequestTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	for i, rt := range sess.Requests {
		if rt.ID == requestID {
			sess.Requests = append(sess.Requests[:i], sess.Requests[i+1:]...)
			return rt
		}
	}
	return nil
}

// EnqueueChunk queues a synthesized chunk for playback. Returns false if
// the session is absent or the queue is full (the chunk is dropped rather
// than blocking the synthesize loop).
func (s *Store) EnqueueChunk(id string, c Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	select {
	case sess.Playback <- c:
		return true
	default:
		slog.Warn("playback queue full, dropping chunk", "session_id", id, "bytes", len(c.Data))
		return false
	}
}

// PlaybackQueue returns the session's current playback channel. The
// channel is closed when ClearQueues swaps it out, so consumers must
// re-fetch after a closed receive. Returns nil if the session is absent.
func (s *Store) PlaybackQueue(id string) <-chan Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Playback
	}
	return nil
}

// ClearQueues replaces the playback queue with a fresh one and flushes
// pending chunks, returning how many were dropped. Called at voice onset
// so stale synthesis never plays over the user.
func (s *Store) ClearQueues(id string) int {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	old := sess.Playback
	sess.Playback = make(chan Chunk, playbackBuffer)
	s.mu.Unlock()

	// No sender can hold old past this point; enqueue goes through the
	// store lock and sees the fresh channel.
	dropped := 0
	for {
		select {
		case <-old:
			dropped++
		default:
			close(old)
			return dropped
		}
	}
}

// AppendHistory adds one transcript line to the session history.
func (s *Store) AppendHistory(id, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.History = append(sess.History, HistoryEntry{Role: role, Text: text})
	}
}

// History returns a copy of the session's transcript.
func (s *Store) History(id string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	entries := make([]HistoryEntry, len(sess.History))
	copy(entries, sess.History)
	return entries
}

// Heartbeat stamps the session's liveness time.
func (s *Store) Heartbeat(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastHeartbeat = time.Now()
	}
}

// LastHeartbeat returns the session's last liveness stamp.
func (s *Store) LastHeartbeat(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.LastHeartbeat
	}
	return time.Time{}
}

// CleanupStale evicts every session whose heartbeat is older than the
// threshold and returns the evicted ids. Connections are closed with a
// going-away code so pipeline loops exit on their next transport call.
func (s *Store) CleanupStale(threshold time.Duration) []string {
	now := time.Now()
	s.mu.Lock()
	var evicted []string
	var conns []Conn
	for id, sess := range s.sessions {
		if now.Sub(sess.LastHeartbeat) > threshold {
			evicted = append(evicted, id)
			conns = append(conns, sess.Conn)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "stale session")
	}
	return evicted
}

// SendText writes a text message to the session's client. On transport
// failure the session is evicted and the error returned; callers treat
// sends as best-effort.
func (s *Store) SendText(id, msg string) error {
	return s.send(id, websocket.MessageText, []byte(msg))
}

// SendBytes writes a binary message to the session's client, evicting the
// session on transport failure.
func (s *Store) SendBytes(id string, b []byte) error {
	return s.send(id, websocket.MessageBinary, b)
}

func (s *Store) send(id string, typ websocket.MessageType, p []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	conn := sess.Conn
	timeout := s.sendTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Write(ctx, typ, p); err != nil {
		slog.Warn("session write failed, evicting", "session_id", id, "err", err)
		s.DisconnectWith(id, websocket.StatusGoingAway, "write failed")
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}
