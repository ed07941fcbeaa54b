package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/voicelayer/voxgate/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  host: 127.0.0.1
  port: 9000
  prefix: /voice/

auth:
  jwt_secret: test-secret
  guest_grant_seconds: 300

openai:
  api_key: sk-test
  realtime_model: gpt-4o-realtime-preview-2024-12-17
  transcribe_model: whisper-1

audio:
  input_sample_rate: 48000
  silence_cutoff_bytes: 64000

vad:
  pool_size: 8
  threshold: 0.5

session:
  receive_timeout: 90s
  playback_preroll_sleep: 1.4s

billing:
  database_url: "postgres://localhost:5432/voxgate"
  token_ledger_path: /var/log/voxgate/tokens.txt

log_level: debug
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want 127.0.0.1:9000", cfg.Server.Addr())
	}
	if cfg.Server.Prefix != "voice" {
		t.Errorf("Prefix = %q, want slashes trimmed", cfg.Server.Prefix)
	}
	if cfg.Auth.JWTSecret != "test-secret" || cfg.Auth.GuestGrantSeconds != 300 {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.OpenAI.APIKey != "sk-test" || cfg.OpenAI.TranscribeModel != "whisper-1" {
		t.Errorf("OpenAI = %+v", cfg.OpenAI)
	}
	if cfg.Audio.InputSampleRate != 48000 || cfg.Audio.SilenceCutoffBytes != 64000 {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if cfg.VAD.PoolSize != 8 || cfg.VAD.Threshold != 0.5 {
		t.Errorf("VAD = %+v", cfg.VAD)
	}
	if got := cfg.Session.ReceiveTimeout.Duration(); got != 90*time.Second {
		t.Errorf("ReceiveTimeout = %s, want 90s", got)
	}
	if got := cfg.Session.PlaybackPrerollSleep.Duration(); got != 1400*time.Millisecond {
		t.Errorf("PlaybackPrerollSleep = %s, want 1.4s", got)
	}
	if cfg.Billing.DatabaseURL == "" || cfg.Billing.TokenLedgerPath == "" {
		t.Errorf("Billing = %+v", cfg.Billing)
	}
	if cfg.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFromReader_DefaultsOnEmptyInput(t *testing.T) {
	cfg := mustLoad(t, "")

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Auth.GuestGrantSeconds != 120 {
		t.Errorf("default guest grant = %d, want 120", cfg.Auth.GuestGrantSeconds)
	}
	if cfg.Audio.InputSampleRate != 44100 || cfg.Audio.VADSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 {
		t.Errorf("default rates = %+v", cfg.Audio)
	}
	if cfg.Audio.FramePreambleBytes != 300 || cfg.Audio.DeltaPreambleBytes != 200 {
		t.Errorf("default preambles = %+v", cfg.Audio)
	}
	if cfg.Audio.SilenceCutoffBytes != 80000 || cfg.Audio.PrerollFrames != 2 {
		t.Errorf("default segmentation = %+v", cfg.Audio)
	}
	if cfg.VAD.PoolSize != 4 || cfg.VAD.Threshold != 0.6 {
		t.Errorf("default VAD = %+v", cfg.VAD)
	}
	if got := cfg.Session.ReceiveTimeout.Duration(); got != 60*time.Second {
		t.Errorf("default receive timeout = %s, want 60s", got)
	}
	if got := cfg.Session.HeartbeatInterval.Duration(); got != 5*time.Second {
		t.Errorf("default heartbeat interval = %s, want 5s", got)
	}
	if got := cfg.Session.StaleTimeout.Duration(); got != 10*time.Second {
		t.Errorf("default stale timeout = %s, want 10s", got)
	}
	if got := cfg.Session.ReaperPeriod.Duration(); got != 30*time.Second {
		t.Errorf("default reaper period = %s, want 30s", got)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("default log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("sever:\n  port: 8080\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("verbose should be invalid")
	}
}

func TestDuration_UnmarshalVariants(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"string seconds", "session:\n  receive_timeout: 45s\n", 45 * time.Second},
		{"string fractional", "session:\n  receive_timeout: 1.5s\n", 1500 * time.Millisecond},
		{"string minutes", "session:\n  receive_timeout: 2m\n", 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustLoad(t, tt.yaml)
			if got := cfg.Session.ReceiveTimeout.Duration(); got != tt.want {
				t.Errorf("ReceiveTimeout = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("garbage string", func(t *testing.T) {
		_, err := config.LoadFromReader(strings.NewReader("session:\n  receive_timeout: soon\n"))
		if err == nil {
			t.Fatal("expected error for unparsable duration")
		}
	})
}
