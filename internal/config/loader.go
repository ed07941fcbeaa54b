package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Applied by [Load] and
// [LoadFromReader] after decoding, so deployments can keep secrets out of
// the config file.
const (
	EnvJWTSecret      = "JWT_secret"
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvServerPrefix   = "SERVER_PREFIX"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv copies the recognised environment variables over the file
// values. Empty variables leave the file values in place.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvDeepgramAPIKey); v != "" {
		cfg.Deepgram.APIKey = v
	}
	if v := os.Getenv(EnvServerPrefix); v != "" {
		cfg.Server.Prefix = v
	}
}

// applyDefaults fills every unset field with its documented default.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Prefix = strings.Trim(cfg.Server.Prefix, "/")

	if cfg.Auth.GuestGrantSeconds == 0 {
		cfg.Auth.GuestGrantSeconds = 120
	}

	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = 44100
	}
	if a.VADSampleRate == 0 {
		a.VADSampleRate = 16000
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = 24000
	}
	if a.FramePreambleBytes == 0 {
		a.FramePreambleBytes = 300
	}
	if a.DeltaPreambleBytes == 0 {
		a.DeltaPreambleBytes = 200
	}
	if a.SilenceCutoffBytes == 0 {
		a.SilenceCutoffBytes = 80000
	}
	if a.PrerollFrames == 0 {
		a.PrerollFrames = 2
	}

	if cfg.VAD.PoolSize == 0 {
		cfg.VAD.PoolSize = 4
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.6
	}

	s := &cfg.Session
	if s.ReceiveTimeout == 0 {
		s.ReceiveTimeout = Duration(60 * time.Second)
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = Duration(5 * time.Second)
	}
	if s.StaleTimeout == 0 {
		s.StaleTimeout = Duration(10 * time.Second)
	}
	if s.ReaperPeriod == 0 {
		s.ReaperPeriod = Duration(30 * time.Second)
	}
	if s.PlaybackGap == 0 {
		s.PlaybackGap = Duration(3 * time.Second)
	}
	if s.PlaybackPrerollSleep == 0 {
		s.PlaybackPrerollSleep = Duration(1400 * time.Millisecond)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if strings.Contains(cfg.Server.Prefix, " ") {
		errs = append(errs, fmt.Errorf("server.prefix %q must not contain spaces", cfg.Server.Prefix))
	}

	if cfg.Auth.GuestGrantSeconds < 0 {
		errs = append(errs, fmt.Errorf("auth.guest_grant_seconds %d must not be negative", cfg.Auth.GuestGrantSeconds))
	}

	a := cfg.Audio
	for _, rate := range []struct {
		name string
		v    int
	}{
		{"audio.input_sample_rate", a.InputSampleRate},
		{"audio.vad_sample_rate", a.VADSampleRate},
		{"audio.output_sample_rate", a.OutputSampleRate},
	} {
		if rate.v <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", rate.name, rate.v))
		}
	}
	if a.FramePreambleBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_preamble_bytes %d must not be negative", a.FramePreambleBytes))
	}
	if a.DeltaPreambleBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.delta_preamble_bytes %d must not be negative", a.DeltaPreambleBytes))
	}
	if a.SilenceCutoffBytes <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_cutoff_bytes %d must be positive", a.SilenceCutoffBytes))
	}
	if a.PrerollFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.preroll_frames %d must not be negative", a.PrerollFrames))
	}

	if cfg.VAD.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("vad.pool_size %d must be positive", cfg.VAD.PoolSize))
	}
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1)", cfg.VAD.Threshold))
	}

	s := cfg.Session
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"session.receive_timeout", s.ReceiveTimeout},
		{"session.heartbeat_interval", s.HeartbeatInterval},
		{"session.stale_timeout", s.StaleTimeout},
		{"session.reaper_period", s.ReaperPeriod},
		{"session.playback_gap", s.PlaybackGap},
		{"session.playback_preroll_sleep", s.PlaybackPrerollSleep},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s %s must be positive", d.name, d.v))
		}
	}
	if s.HeartbeatInterval >= s.ReceiveTimeout {
		errs = append(errs, fmt.Errorf("session.heartbeat_interval %s must be shorter than session.receive_timeout %s",
			s.HeartbeatInterval, s.ReceiveTimeout))
	}

	return errors.Join(errs...)
}
