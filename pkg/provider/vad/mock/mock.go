// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to script detection results and inspect the frames that were
// submitted for classification.
//
// Example:
//
//	eng := &mock.Engine{Result: vad.Result{Speech: true, Probability: 0.9}}
//	pool, _ := vad.NewPool(1, func() (vad.Engine, error) { return eng, nil })
package mock

import (
	"sync"

	"github.com/voicelayer/voxgate/pkg/provider/vad"
)

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// DetectCall records a single invocation of Engine.Detect.
type DetectCall struct {
	// Frame is a copy of the bytes passed to Detect.
	Frame []byte
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Result is returned by Detect when Results is exhausted or empty.
	Result vad.Result

	// Results, when non-empty, is consumed one entry per Detect call before
	// falling back to Result.
	Results []vad.Result

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall
}

// Detect records the call and returns the next scripted result.
func (e *Engine) Detect(frame []byte) (vad.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	e.DetectCalls = append(e.DetectCalls, DetectCall{Frame: cp})
	if e.DetectErr != nil {
		return vad.Result{}, e.DetectErr
	}
	if len(e.Results) > 0 {
		r := e.Results[0]
		e.Results = e.Results[1:]
		return r, nil
	}
	return e.Result, nil
}

// CallCount returns the number of Detect invocations so far. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.DetectCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DetectCalls = nil
}
