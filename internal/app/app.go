// Package app wires the voxgate subsystems into a running gateway.
//
// New builds everything from config: the balance store, the usage
// accountant, the upstream providers, the VAD pool, one session store and
// pipeline per session variant, and the HTTP server with its stale-session
// reaper. Run serves until the context is cancelled; Shutdown tears down in
// reverse build order.
//
// For testing, inject doubles via functional options (WithBalances,
// WithTranscriber, WithAgentFactory, WithVADEngine). When an option is not
// provided, New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/internal/billing"
	billingpg "github.com/voicelayer/voxgate/internal/billing/postgres"
	"github.com/voicelayer/voxgate/internal/config"
	"github.com/voicelayer/voxgate/internal/health"
	"github.com/voicelayer/voxgate/internal/observe"
	"github.com/voicelayer/voxgate/internal/pipeline"
	"github.com/voicelayer/voxgate/internal/reaper"
	"github.com/voicelayer/voxgate/internal/resilience"
	"github.com/voicelayer/voxgate/internal/server"
	"github.com/voicelayer/voxgate/internal/session"
	"github.com/voicelayer/voxgate/pkg/provider/realtime"
	rtopenai "github.com/voicelayer/voxgate/pkg/provider/realtime/openai"
	"github.com/voicelayer/voxgate/pkg/provider/stt"
	"github.com/voicelayer/voxgate/pkg/provider/stt/deepgram"
	sttopenai "github.com/voicelayer/voxgate/pkg/provider/stt/openai"
	"github.com/voicelayer/voxgate/pkg/provider/vad"
	"github.com/voicelayer/voxgate/pkg/provider/vad/energy"
)

// App owns all subsystem lifetimes for the gateway.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Injected via options or built in New.
	balances    billing.Balances
	transcriber stt.Transcriber
	agents      pipeline.AgentFactory
	engines     func() (vad.Engine, error)

	ledger     *billing.Ledger
	accountant *billing.Accountant
	streams    *session.Store
	buttons    *session.Store
	stream     *pipeline.Pipeline
	button     *pipeline.Pipeline
	reaper     *reaper.Reaper
	httpSrv    *http.Server

	// addr holds the bound listen address once Run opens its listener.
	addr atomic.Value

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBalances injects a balance store instead of connecting to PostgreSQL.
func WithBalances(b billing.Balances) Option {
	return func(a *App) { a.balances = b }
}

// WithTranscriber injects a transcriber instead of the OpenAI-backed one.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithAgentFactory injects the per-session upstream agent factory.
func WithAgentFactory(f pipeline.AgentFactory) Option {
	return func(a *App) { a.agents = f }
}

// WithVADEngine injects the detector factory the VAD pool is built from.
func WithVADEngine(f func() (vad.Engine, error)) Option {
	return func(a *App) { a.engines = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must be a
// loaded, validated configuration. Use Option functions to inject test
// doubles for the balance store and the upstream providers.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initBalances(ctx); err != nil {
		return nil, fmt.Errorf("app: init balance store: %w", err)
	}
	if err := a.initAccounting(); err != nil {
		return nil, fmt.Errorf("app: init accounting: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initPipelines(); err != nil {
		return nil, fmt.Errorf("app: init pipelines: %w", err)
	}
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBalances connects the PostgreSQL balance store unless one was injected.
func (a *App) initBalances(ctx context.Context) error {
	if a.balances != nil {
		return nil
	}

	dsn := a.cfg.Billing.DatabaseURL
	if dsn == "" {
		return errors.New("billing.database_url is required when no balance store is injected")
	}

	store, err := billingpg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.balances = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initAccounting opens the token ledger (when configured) and builds the
// accountant all pipelines charge through.
func (a *App) initAccounting() error {
	if path := a.cfg.Billing.TokenLedgerPath; path != "" {
		ledger, err := billing.NewLedger(path)
		if err != nil {
			return fmt.Errorf("open token ledger: %w", err)
		}
		a.ledger = ledger
		a.closers = append(a.closers, ledger.Close)
	}
	a.accountant = billing.NewAccountant(a.balances, a.ledger)
	return nil
}

// initProviders builds the OpenAI transcriber and the per-session realtime
// agent factory unless doubles were injected. With a Deepgram key configured
// the transcriber is wrapped in a breaker-guarded failover chain.
func (a *App) initProviders() error {
	if (a.transcriber == nil || a.agents == nil) && a.cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required when providers are not injected")
	}

	if a.transcriber == nil {
		var opts []sttopenai.Option
		if m := a.cfg.OpenAI.TranscribeModel; m != "" {
			opts = append(opts, sttopenai.WithModel(m))
		}
		if u := a.cfg.OpenAI.BaseURL; u != "" {
			opts = append(opts, sttopenai.WithBaseURL(u))
		}
		tr, err := sttopenai.New(a.cfg.OpenAI.APIKey, opts...)
		if err != nil {
			return fmt.Errorf("create transcriber: %w", err)
		}
		a.transcriber = tr

		if a.cfg.Deepgram.Enabled() {
			var dgOpts []deepgram.Option
			if m := a.cfg.Deepgram.Model; m != "" {
				dgOpts = append(dgOpts, deepgram.WithModel(m))
			}
			if l := a.cfg.Deepgram.Language; l != "" {
				dgOpts = append(dgOpts, deepgram.WithLanguage(l))
			}
			dg, err := deepgram.New(a.cfg.Deepgram.APIKey, dgOpts...)
			if err != nil {
				return fmt.Errorf("create fallback transcriber: %w", err)
			}
			ft := resilience.NewTranscriber("openai", tr, resilience.BreakerConfig{})
			ft.AddFallback("deepgram", dg)
			a.transcriber = ft
			slog.Info("transcription failover enabled",
				"fallback", "deepgram",
				"model", dg.Model())
		}
	}

	if a.agents == nil {
		key := a.cfg.OpenAI.APIKey
		var opts []rtopenai.Option
		if m := a.cfg.OpenAI.RealtimeModel; m != "" {
			opts = append(opts, rtopenai.WithModel(m))
		}
		if u := a.cfg.OpenAI.BaseURL; u != "" {
			opts = append(opts, rtopenai.WithBaseURL(u))
		}
		a.agents = func() realtime.Agent {
			return rtopenai.New(key, opts...)
		}
	}
	return nil
}

// initPipelines builds the VAD pool, the two session stores, and the
// pipeline driving each session variant. Both pipelines share the pool, the
// transcriber and the accountant; only their store differs.
func (a *App) initPipelines() error {
	if a.engines == nil {
		threshold := a.cfg.VAD.Threshold
		a.engines = func() (vad.Engine, error) {
			return energy.New(energy.WithThreshold(threshold)), nil
		}
	}
	pool, err := vad.NewPool(a.cfg.VAD.PoolSize, a.engines)
	if err != nil {
		return err
	}

	a.streams = session.NewStore(session.WithPrerollFrames(a.cfg.Audio.PrerollFrames))
	a.buttons = session.NewStore(session.WithPrerollFrames(a.cfg.Audio.PrerollFrames))

	pcfg := pipeline.Config{
		InputSampleRate:      a.cfg.Audio.InputSampleRate,
		VADSampleRate:        a.cfg.Audio.VADSampleRate,
		OutputSampleRate:     a.cfg.Audio.OutputSampleRate,
		FramePreambleBytes:   a.cfg.Audio.FramePreambleBytes,
		DeltaPreambleBytes:   a.cfg.Audio.DeltaPreambleBytes,
		SilenceCutoffBytes:   a.cfg.Audio.SilenceCutoffBytes,
		ReceiveTimeout:       a.cfg.Session.ReceiveTimeout.Duration(),
		HeartbeatInterval:    a.cfg.Session.HeartbeatInterval.Duration(),
		PlaybackGap:          a.cfg.Session.PlaybackGap.Duration(),
		PlaybackPrerollSleep: a.cfg.Session.PlaybackPrerollSleep.Duration(),
		TempDir:              a.cfg.Billing.TempDir,
	}
	a.stream = pipeline.New(a.streams, pool, a.transcriber, a.agents, a.accountant, a.metrics, pcfg)
	a.button = pipeline.New(a.buttons, pool, a.transcriber, a.agents, a.accountant, a.metrics, pcfg)
	return nil
}

// initServer assembles the route table, the reaper over both stores, and
// the http.Server. The listener itself is opened in Run.
func (a *App) initServer() {
	var checkers []health.Checker
	if p, ok := a.balances.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: p.Ping})
	}

	srv := server.New(server.Config{
		Prefix:            a.cfg.Server.Prefix,
		JWTSecret:         a.cfg.Auth.JWTSecret,
		GuestGrantSeconds: a.cfg.Auth.GuestGrantSeconds,
	}, server.Deps{
		Streams:  a.streams,
		Buttons:  a.buttons,
		Stream:   a.stream,
		Button:   a.button,
		Balances: a.balances,
		Health:   health.New(checkers...),
	})

	a.reaper = reaper.New(reaper.Config{
		Period:    a.cfg.Session.ReaperPeriod.Duration(),
		Threshold: a.cfg.Session.StaleTimeout.Duration(),
	}, a.metrics, a.streams, a.buttons)

	// No global read/write timeouts: a voice session holds its connection
	// for the whole dialogue.
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           observe.Middleware(a.metrics)(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the listener, starts the reaper, and serves until ctx is
// cancelled or the server fails.
//
// Request contexts derive from ctx, so cancelling it also ends hijacked
// WebSocket sessions, which [http.Server.Shutdown] leaves alone.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.httpSrv.Addr, err)
	}
	a.addr.Store(ln.Addr().String())

	a.reaper.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpSrv.Serve(ln) }()

	slog.Info("gateway listening",
		"addr", ln.Addr().String(),
		"prefix", a.cfg.Server.Prefix,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the bound listen address once Run has opened its listener,
// or "" before that. Lets tests bind port 0 and discover the real port.
func (a *App) Addr() string {
	if v := a.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the reaper, drains the HTTP server, force-closes any
// remaining voice sessions, and runs the closers in reverse-init order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.reaper.Stop()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
			shutdownErr = err
		}

		// Hijacked WebSocket connections are invisible to the server's
		// Shutdown; close their sessions directly.
		for _, store := range []*session.Store{a.streams, a.buttons} {
			for _, id := range store.IDs() {
				store.DisconnectWith(id, websocket.StatusGoingAway, "server shutting down")
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
