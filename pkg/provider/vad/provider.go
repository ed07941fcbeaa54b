// Package vad defines the Engine interface for Voice Activity Detection
// backends and the bounded Pool the gateway leases engines from.
//
// A VAD engine wraps a frame-level speech detector (an energy classifier, a
// Silero-style model, a WebRTC VAD) and classifies one 16 kHz frame at a
// time. Detection is synchronous: Detect returns immediately with a result,
// making it suitable for the low-latency ingest loop that gates utterance
// segmentation.
//
// Engines are not required to be safe for concurrent use; the Pool leases
// each instance to exactly one caller at a time. The Pool itself is safe for
// use from arbitrarily many goroutines.
package vad

// Result is the classification of a single audio frame.
type Result struct {
	// Speech reports whether the frame crossed the engine's speech threshold.
	Speech bool

	// Probability is the raw speech-probability score in [0.0, 1.0].
	Probability float64
}

// Engine classifies individual audio frames. Frames are raw little-endian
// 16-bit mono PCM at 16 kHz with an even byte count; the Pool enforces the
// alignment before the engine sees the frame.
type Engine interface {
	// Detect analyses one frame and returns the detection result. It must not
	// block on I/O; an error means the engine itself failed, not that the
	// frame was silent.
	Detect(frame []byte) (Result, error)
}
