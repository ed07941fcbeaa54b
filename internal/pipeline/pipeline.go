// Package pipeline runs the per-session dialogue loops: it ingests client
// audio, segments utterances with voice activity detection, relays them to
// the upstream realtime agent, plays synthesized replies back and settles
// each completed turn against the user's balance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voicelayer/voxgate/internal/billing"
	"github.com/voicelayer/voxgate/internal/observe"
	"github.com/voicelayer/voxgate/internal/session"
	"github.com/voicelayer/voxgate/pkg/audio"
	"github.com/voicelayer/voxgate/pkg/provider/realtime"
	"github.com/voicelayer/voxgate/pkg/provider/stt"
	"github.com/voicelayer/voxgate/pkg/provider/vad"
)

// Client-facing status messages. The <b> markup is rendered by the web
// client's transcript pane.
const (
	ConnectedMessage        = "Connected successfully"
	SettingsAppliedMessage  = "Settings applied. Assistant initialized."
	AgentUnavailableMessage = "Could not reach the assistant. Please try again later."
	VoiceDetectedMessage    = "Voice detected. Clearing playback queue."
	ProcessingMessage       = "Request being processed..."
	GeneratingMessage       = "Generating response"
	UploadAcceptedMessage   = "File accepted for processing."
	UploadRejectedMessage   = "Could not read your recording. Please try again."

	TranscriptionFailedMessage = "Could not transcribe your audio. Please try again."
	UserQueryFormat            = "<b>User query:</b> %s"
	AssistantReplyFormat       = "<b>Assistant:</b> %s"
	TranscriptionLatencyFormat = "Transcription latency: %.2fs"

	// ConnectedFormat tells a push-to-talk client its session id so it can
	// address uploads to it.
	ConnectedFormat = "CONNECTED:%s"
)

// Session modes, used as the metric attribute and for per-mode behavior.
const (
	modeStreaming = "streaming"
	modeButton    = "button"
)

// Socket is the client connection as the pipeline sees it. The pipeline is
// the sole reader; writes go through the session store, which holds the same
// connection as a [session.Conn].
type Socket interface {
	session.Conn
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

var _ Socket = (*websocket.Conn)(nil)

// AgentFactory mints a fresh upstream agent for one session.
type AgentFactory func() realtime.Agent

// Config carries the media and timing tunables for session pipelines. Zero
// fields fall back to the defaults below.
type Config struct {
	// InputSampleRate is the rate of client microphone PCM, VADSampleRate
	// the rate it is resampled to for detection and transcription, and
	// OutputSampleRate the rate of upstream synthesis PCM.
	InputSampleRate  int
	VADSampleRate    int
	OutputSampleRate int

	// FramePreambleBytes are stripped from each resampled client frame and
	// DeltaPreambleBytes from each synthesis delta before use.
	FramePreambleBytes int
	DeltaPreambleBytes int

	// SilenceCutoffBytes is the run of trailing silence, measured in
	// buffered bytes at VADSampleRate, that ends an utterance.
	SilenceCutoffBytes int

	// ReceiveTimeout evicts a session with no inbound traffic;
	// HeartbeatInterval paces the server pings that probe for it.
	ReceiveTimeout    time.Duration
	HeartbeatInterval time.Duration

	// PlaybackGap is the send lull after which the next chunk is treated as
	// the start of a new reply and delayed by PlaybackPrerollSleep so the
	// client can prime its audio output.
	PlaybackGap          time.Duration
	PlaybackPrerollSleep time.Duration

	// TempDir receives a copy of each accepted upload. Empty disables the
	// copies.
	TempDir string
}

// Pipeline defaults, matching the web client's capture settings and the
// upstream synthesis format.
const (
	defaultInputRate  = 44100
	defaultVADRate    = 16000
	defaultOutputRate = 24000

	defaultFramePreamble = 300
	defaultDeltaPreamble = 200
	defaultSilenceCutoff = 80000

	defaultReceiveTimeout    = 60 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultPlaybackGap       = 3 * time.Second
	defaultPrerollSleep      = 1400 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = defaultInputRate
	}
	if c.VADSampleRate <= 0 {
		c.VADSampleRate = defaultVADRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = defaultOutputRate
	}
	if c.FramePreambleBytes <= 0 {
		c.FramePreambleBytes = defaultFramePreamble
	}
	if c.DeltaPreambleBytes <= 0 {
		c.DeltaPreambleBytes = defaultDeltaPreamble
	}
	if c.SilenceCutoffBytes <= 0 {
		c.SilenceCutoffBytes = defaultSilenceCutoff
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PlaybackGap <= 0 {
		c.PlaybackGap = defaultPlaybackGap
	}
	if c.PlaybackPrerollSleep <= 0 {
		c.PlaybackPrerollSleep = defaultPrerollSleep
	}
	return c
}

// Pipeline owns the dialogue loops for the sessions of one store. Construct
// one per session variant and call [Pipeline.RunStreaming] or
// [Pipeline.RunButton] once per accepted connection.
type Pipeline struct {
	store       *session.Store
	detector    *vad.Pool
	transcriber stt.Transcriber
	agents      AgentFactory
	accountant  *billing.Accountant
	metrics     *observe.Metrics
	cfg         Config
}

// New creates a Pipeline over the given session store. A nil metrics falls
// back to [observe.DefaultMetrics].
func New(store *session.Store, detector *vad.Pool, transcriber stt.Transcriber, agents AgentFactory, accountant *billing.Accountant, metrics *observe.Metrics, cfg Config) *Pipeline {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Pipeline{
		store:       store,
		detector:    detector,
		transcriber: transcriber,
		agents:      agents,
		accountant:  accountant,
		metrics:     metrics,
		cfg:         cfg.withDefaults(),
	}
}

// RunStreaming drives a hands-free session until the client disconnects, the
// context is cancelled or the session is evicted. The session must already
// be registered in the store with sock as its connection.
func (p *Pipeline) RunStreaming(ctx context.Context, sock Socket, sessionID string) error {
	return p.run(ctx, sock, sessionID, modeStreaming)
}

// RunButton drives a push-to-talk session. Client audio arrives through
// [Pipeline.ProcessUpload] rather than the socket, which carries only
// heartbeats; the client is told its session id first so it can address
// uploads to it.
func (p *Pipeline) RunButton(ctx context.Context, sock Socket, sessionID string) error {
	if err := p.store.SendText(sessionID, fmt.Sprintf(ConnectedFormat, sessionID)); err != nil {
		return fmt.Errorf("pipeline: announce session: %w", err)
	}
	return p.run(ctx, sock, sessionID, modeButton)
}

func (p *Pipeline) run(ctx context.Context, sock Socket, sessionID, mode string) error {
	if !p.store.Exists(sessionID) {
		return fmt.Errorf("pipeline: session %q not registered", sessionID)
	}

	start := time.Now()
	p.metrics.SessionStarted(ctx, mode)
	defer func() {
		p.metrics.SessionEnded(ctx, mode, time.Since(start))
	}()

	if err := p.store.SendText(sessionID, ConnectedMessage); err != nil {
		return fmt.Errorf("pipeline: greet client: %w", err)
	}

	settings := ResolveSettings(p.store.Settings(sessionID))

	agent := p.agents()
	if err := agent.Connect(ctx, settings.Instructions(), settings.Voice); err != nil {
		_ = p.store.SendText(sessionID, AgentUnavailableMessage)
		p.store.Disconnect(sessionID)
		return fmt.Errorf("pipeline: connect agent: %w", err)
	}
	p.store.SetAgent(sessionID, agent)
	_ = p.store.SendText(sessionID, SettingsAppliedMessage)

	slog.Info("session started",
		"session_id", sessionID,
		"mode", mode,
		"voice", settings.Voice,
		"topic", settings.Topic,
		"length", settings.ResponseLength,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The agent is closed before the loops are cancelled.
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = agent.Close()
			cancel()
		})
	}

	texts := make(chan string, 8)

	var g errgroup.Group
	g.Go(func() error {
		defer stop()
		return p.ingest(loopCtx, sock, sessionID, mode, texts)
	})
	g.Go(func() error {
		defer stop()
		return p.heartbeat(loopCtx, sessionID, texts)
	})
	g.Go(func() error {
		defer stop()
		return p.synthesize(loopCtx, sessionID, mode, agent)
	})
	g.Go(func() error {
		defer stop()
		return p.playback(loopCtx, sessionID)
	})

	err := g.Wait()
	evicted := !p.store.Exists(sessionID)
	p.store.Disconnect(sessionID)

	if aerr := agent.Err(); aerr != nil {
		slog.Warn("upstream stream failed", "session_id", sessionID, "err", aerr)
	}
	slog.Info("session ended", "session_id", sessionID, "mode", mode, "lifetime", time.Since(start))

	if err != nil && !errors.Is(err, context.Canceled) && !evicted {
		return err
	}
	return nil
}

// ingest is the sole socket reader. Binary frames feed the utterance
// segmenter in streaming mode; text messages stamp the heartbeat and are
// handed to the heartbeat loop.
func (p *Pipeline) ingest(ctx context.Context, sock Socket, sessionID, mode string, texts chan<- string) error {
	defer close(texts)

	for {
		typ, data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("pipeline: read client message: %w", err)
		}
		p.store.Heartbeat(sessionID)

		switch typ {
		case websocket.MessageText:
			select {
			case texts <- string(data):
			default:
			}
		case websocket.MessageBinary:
			if mode != modeStreaming {
				continue
			}
			frame := audio.Resample(data, p.cfg.InputSampleRate, p.cfg.VADSampleRate)
			if len(frame) <= p.cfg.FramePreambleBytes {
				continue
			}
			frame = audio.EnsureEven(frame[p.cfg.FramePreambleBytes:])
			p.metrics.FramesIngested.Add(ctx, 1)
			if err := p.processFrame(ctx, sessionID, frame); err != nil {
				return err
			}
		}
	}
}

// heartbeat answers client pings, probes an idle client with server pings
// and evicts the session once nothing has been received for the configured
// timeout. texts is closed by the ingest loop on socket shutdown.
func (p *Pipeline) heartbeat(ctx context.Context, sessionID string, texts <-chan string) error {
	timer := time.NewTimer(p.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-texts:
			if !ok {
				return nil
			}
			if text == "ping" {
				_ = p.store.SendText(sessionID, "pong")
			}
			timer.Reset(p.cfg.HeartbeatInterval)
		case <-timer.C:
			if time.Since(p.store.LastHeartbeat(sessionID)) > p.cfg.ReceiveTimeout {
				slog.Info("session idle past receive timeout", "session_id", sessionID)
				p.metrics.RecordEviction(ctx, "timeout")
				p.store.DisconnectWith(sessionID, websocket.StatusGoingAway, "receive timeout")
				return nil
			}
			_ = p.store.SendText(sessionID, "ping")
			timer.Reset(p.cfg.HeartbeatInterval)
		}
	}
}

// synthesize drains the upstream event stream, queueing synthesized audio
// for playback and settling each finished turn.
func (p *Pipeline) synthesize(ctx context.Context, sessionID, mode string, agent realtime.Agent) error {
	for {
		evt, err := agent.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pipeline: read agent event: %w", err)
		}

		switch evt.Type {
		case realtime.EventAudioDelta:
			p.enqueueDelta(ctx, sessionID, evt.Audio)
		case realtime.EventTranscriptDone:
			p.store.AppendHistory(sessionID, "assistant", evt.Transcript)
			_ = p.store.SendText(sessionID, fmt.Sprintf(AssistantReplyFormat, evt.Transcript))
		case realtime.EventResponseCreated:
			requestID := evt.RequestID
			if requestID == "" {
				requestID = p.store.CurrentRequest(sessionID)
			}
			now := time.Now()
			p.store.UpdateRequest(sessionID, requestID, func(rt *session.RequestTiming) {
				rt.ResponseStart = now
			})
		case realtime.EventResponseDone:
			p.settleResponse(ctx, sessionID, mode, evt)
		case realtime.EventError:
			slog.Warn("upstream error event", "session_id", sessionID, "err", evt.Err)
		}
	}
}

// enqueueDelta wraps one synthesis PCM delta as a standalone WAV chunk and
// queues it for playback. Deltas no longer than the preamble carry no
// audio and are dropped.
func (p *Pipeline) enqueueDelta(ctx context.Context, sessionID string, pcm []byte) {
	if len(pcm) <= p.cfg.DeltaPreambleBytes {
		return
	}
	pcm = pcm[p.cfg.DeltaPreambleBytes:]
	chunk := session.Chunk{
		Data:     audio.EncodeWAV(pcm, p.cfg.OutputSampleRate, 1),
		Duration: audio.PCMDuration(len(pcm), p.cfg.OutputSampleRate, 1),
	}
	if p.store.EnqueueChunk(sessionID, chunk) {
		p.metrics.PlaybackChunks.Add(ctx, 1)
	}
}

// settleResponse closes out a finished turn: it stamps the response phase,
// records token usage and charges the turn. Streaming turns settle by
// request id; push-to-talk turns are charged flat from the popped timings.
// Billing failures are logged and the session continues.
func (p *Pipeline) settleResponse(ctx context.Context, sessionID, mode string, evt realtime.Event) {
	requestID := evt.RequestID
	if requestID == "" {
		requestID = p.store.CurrentRequest(sessionID)
	}

	now := time.Now()
	var responseDur time.Duration
	p.store.UpdateRequest(sessionID, requestID, func(rt *session.RequestTiming) {
		if !rt.ResponseStart.IsZero() {
			rt.ResponseDuration = now.Sub(rt.ResponseStart)
		}
		responseDur = rt.ResponseDuration
	})
	if responseDur > 0 {
		p.metrics.RecordResponse(ctx, responseDur)
	}

	if evt.Usage != nil {
		p.accountant.RecordUsage(p.store.UserID(sessionID),
			int64(evt.Usage.InputTokens), int64(evt.Usage.OutputTokens), int64(evt.Usage.TotalTokens))
	}

	var (
		seconds int
		err     error
	)
	if mode == modeButton {
		rt := p.store.PopRequest(sessionID, requestID)
		if rt == nil {
			return
		}
		seconds, err = p.accountant.ChargeFlat(ctx, p.store, sessionID,
			rt.VoiceDuration, rt.ProcessingDuration, rt.ResponseDuration)
	} else {
		seconds, err = p.accountant.ChargeRequest(ctx, p.store, sessionID, requestID)
	}
	if err != nil {
		slog.Error("charge dialogue turn", "session_id", sessionID, "request_id", requestID, "err", err)
		return
	}
	if seconds > 0 {
		p.metrics.SecondsBilled.Add(ctx, int64(seconds),
			metric.WithAttributes(observe.Attr("mode", mode)))
	}
}

// playback forwards queued audio chunks to the client. A lull longer than
// the playback gap marks the next chunk as the start of a new reply, which
// is delayed briefly so the client can prime its output. The queue is
// re-fetched every iteration because a voice onset swaps it out.
func (p *Pipeline) playback(ctx context.Context, sessionID string) error {
	var lastSent time.Time

	for {
		queue := p.store.PlaybackQueue(sessionID)
		if queue == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-queue:
			if !ok {
				continue
			}
			if time.Since(lastSent) > p.cfg.PlaybackGap {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.cfg.PlaybackPrerollSleep):
				}
			}
			if err := p.store.SendBytes(sessionID, chunk.Data); err != nil {
				return fmt.Errorf("pipeline: send audio: %w", err)
			}
			lastSent = time.Now()
		}
	}
}
