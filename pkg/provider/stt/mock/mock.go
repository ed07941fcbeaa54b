// Package mock provides a test double for the stt.Transcriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/voicelayer/voxgate/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// WAV is a copy of the payload passed to Transcribe.
	WAV []byte
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Texts is exhausted or empty.
	Text string

	// Texts, when non-empty, is consumed one entry per call before falling
	// back to Text.
	Texts []string

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next scripted transcript.
func (m *Transcriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{WAV: cp})
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Texts) > 0 {
		text := m.Texts[0]
		m.Texts = m.Texts[1:]
		return text, nil
	}
	return m.Text, nil
}

// CallCount returns the number of Transcribe invocations so far. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranscribeCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (m *Transcriber) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = nil
}
