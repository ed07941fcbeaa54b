// Package mock provides a test double for the realtime.Agent interface.
//
// Script upstream traffic by pre-loading Events; ReadMessage serves them in
// order and then blocks until the context is cancelled, which mirrors a quiet
// upstream connection.
//
// Example:
//
//	agent := &mock.Agent{Events: []realtime.Event{
//		{Type: realtime.EventResponseCreated, RequestID: "r1"},
//		{Type: realtime.EventResponseDone, RequestID: "r1"},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/voicelayer/voxgate/pkg/provider/realtime"
)

// Ensure Agent implements realtime.Agent at compile time.
var _ realtime.Agent = (*Agent)(nil)

// ConnectCall records a single invocation of Agent.Connect.
type ConnectCall struct {
	Instructions string
	Voice        string
}

// SendTextCall records a single invocation of Agent.SendText.
type SendTextCall struct {
	Text      string
	RequestID string
}

// Agent is a mock implementation of realtime.Agent.
type Agent struct {
	mu sync.Mutex

	// Events are served by ReadMessage in order. Once drained, ReadMessage
	// blocks until its context is cancelled.
	Events []realtime.Event

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// CancelErr, if non-nil, is returned by every Cancel call.
	CancelErr error

	// ReadErr, if non-nil, is returned by ReadMessage once the scripted
	// Events are drained, instead of blocking.
	ReadErr error

	// ErrVal is returned by Err.
	ErrVal error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// CancelCalls counts Cancel invocations.
	CancelCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int

	next int
}

// Connect records the call and returns ConnectErr.
func (a *Agent) Connect(_ context.Context, instructions, voice string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ConnectCalls = append(a.ConnectCalls, ConnectCall{Instructions: instructions, Voice: voice})
	return a.ConnectErr
}

// SendText records the call and returns SendTextErr.
func (a *Agent) SendText(_ context.Context, text, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SendTextCalls = append(a.SendTextCalls, SendTextCall{Text: text, RequestID: requestID})
	return a.SendTextErr
}

// ReadMessage serves the next scripted event. When the script is drained it
// returns ReadErr if set, otherwise it blocks until ctx is done.
func (a *Agent) ReadMessage(ctx context.Context) (realtime.Event, error) {
	a.mu.Lock()
	if a.next < len(a.Events) {
		evt := a.Events[a.next]
		a.next++
		a.mu.Unlock()
		return evt, nil
	}
	err := a.ReadErr
	a.mu.Unlock()

	if err != nil {
		return realtime.Event{}, err
	}
	<-ctx.Done()
	return realtime.Event{}, ctx.Err()
}

// Cancel records the call and returns CancelErr.
func (a *Agent) Cancel(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CancelCalls++
	return a.CancelErr
}

// Err returns ErrVal.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ErrVal
}

// Close records the call and returns nil.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CloseCalls++
	return nil
}

// SendTextCount returns the number of SendText invocations so far. Thread-safe.
func (a *Agent) SendTextCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.SendTextCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (a *Agent) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ConnectCalls = nil
	a.SendTextCalls = nil
	a.CancelCalls = 0
	a.CloseCalls = 0
}
