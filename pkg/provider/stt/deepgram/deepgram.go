// Package deepgram provides a Transcriber backed by the Deepgram
// pre-recorded listen API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voicelayer/voxgate/pkg/provider/stt"
)

const (
	// DefaultBaseURL is the production listen endpoint.
	DefaultBaseURL = "https://api.deepgram.com/v1/listen"

	// DefaultModel is used when no model is configured.
	DefaultModel = "nova-3"

	defaultTimeout = 30 * time.Second
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// config holds optional configuration for the transcriber.
type config struct {
	model    string
	language string
	baseURL  string
	timeout  time.Duration
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithModel overrides the transcription model (default "nova-3").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets the BCP-47 input language (e.g. "en-US"). An empty value
// lets Deepgram detect the language.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithBaseURL overrides the default listen endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Transcriber implements stt.Transcriber using Deepgram's batch API. Each
// Transcribe call posts one complete WAV utterance and returns the top
// transcript alternative.
type Transcriber struct {
	apiKey   string
	model    string
	language string
	baseURL  string
	client   *http.Client
}

// New constructs a Deepgram Transcriber.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty")
	}

	cfg := &config{
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Transcriber{
		apiKey:   apiKey,
		model:    cfg.model,
		language: cfg.language,
		baseURL:  cfg.baseURL,
		client:   &http.Client{Timeout: cfg.timeout},
	}, nil
}

// Model returns the configured transcription model.
func (t *Transcriber) Model() string { return t.model }

// listenResponse mirrors the subset of the Deepgram response we consume.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("deepgram: empty audio payload")
	}

	endpoint, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse base URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", t.model)
	q.Set("smart_format", "true")
	if t.language != "" {
		q.Set("language", t.language)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: transcribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("deepgram: transcribe: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("deepgram: response carries no transcript alternatives")
	}
	return lr.Results.Channels[0].Alternatives[0].Transcript, nil
}
