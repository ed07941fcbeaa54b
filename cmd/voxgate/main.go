// Command voxgate is the voice-dialogue gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicelayer/voxgate/internal/app"
	"github.com/voicelayer/voxgate/internal/config"
	"github.com/voicelayer/voxgate/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("voxgate starting",
		"config", *configPath,
		"addr", cfg.Server.Addr(),
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before anything touches the metric instruments so they bind to
	// the real meter provider, not the no-op default.
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "voxgate",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═════════════════════════════════════════╗")
	fmt.Println("║         voxgate startup summary         ║")
	fmt.Println("╠═════════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.Addr())
	printRow("Route prefix", routePrefix(cfg.Server.Prefix))
	printRow("Realtime model", orProviderDefault(cfg.OpenAI.RealtimeModel))
	printRow("Transcribe model", orProviderDefault(cfg.OpenAI.TranscribeModel))
	printRow("STT fallback", deepgramSummary(cfg.Deepgram))
	printRow("VAD pool", fmt.Sprintf("%d (threshold %.2f)", cfg.VAD.PoolSize, cfg.VAD.Threshold))
	printRow("Guest grant", fmt.Sprintf("%ds", cfg.Auth.GuestGrantSeconds))
	printRow("Balance DB", configuredOrNot(cfg.Billing.DatabaseURL))
	printRow("Token ledger", orDisabled(cfg.Billing.TokenLedgerPath))
	printRow("Upload copies", orDisabled(cfg.Billing.TempDir))
	fmt.Println("╚═════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-16s : %-19s ║\n", label, value)
}

func routePrefix(p string) string {
	if p == "" {
		return "/"
	}
	return "/" + p
}

func orProviderDefault(model string) string {
	if model == "" {
		return "(provider default)"
	}
	return model
}

func configuredOrNot(dsn string) string {
	if dsn == "" {
		return "(not configured)"
	}
	return "configured"
}

func deepgramSummary(d config.DeepgramConfig) string {
	if !d.Enabled() {
		return "(disabled)"
	}
	if d.Model == "" {
		return "deepgram"
	}
	return "deepgram " + d.Model
}

func orDisabled(path string) string {
	if path == "" {
		return "(disabled)"
	}
	return path
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
