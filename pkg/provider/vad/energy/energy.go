// Package energy implements a vad.Engine backed by RMS signal energy.
//
// The engine maps the root-mean-square energy of a frame onto a
// pseudo-probability in [0, 1) with p = rms / (rms + noiseFloor), so the
// noise floor is the energy at which a frame scores 0.5. The mapping
// saturates toward 1 for loud frames and keeps the pool's contract that
// thresholds are expressed as probabilities, which lets a model-backed
// engine replace this one without retuning the pipeline.
package energy

import (
	"encoding/binary"
	"math"

	"github.com/voicelayer/voxgate/pkg/provider/vad"
)

const (
	// defaultThreshold is the speech probability above which a frame is
	// classified as speech.
	defaultThreshold = 0.6

	// defaultNoiseFloor is the RMS energy (in 16-bit PCM units, out of a
	// possible 32 767) that maps to probability 0.5. 500 sits comfortably
	// above line hum and keyboard noise while quiet speech still clears the
	// default threshold.
	defaultNoiseFloor = 500.0
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithThreshold sets the speech probability threshold. Values outside (0, 1)
// are ignored.
func WithThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 && t < 1 {
			e.threshold = t
		}
	}
}

// WithNoiseFloor sets the RMS energy that maps to probability 0.5.
// Non-positive values are ignored.
func WithNoiseFloor(f float64) Option {
	return func(e *Engine) {
		if f > 0 {
			e.noiseFloor = f
		}
	}
}

// Engine classifies frames by RMS energy. The zero value is not usable;
// construct with New.
type Engine struct {
	threshold  float64
	noiseFloor float64
}

// New creates an energy Engine with the default threshold (0.6) and noise
// floor, adjusted by opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		threshold:  defaultThreshold,
		noiseFloor: defaultNoiseFloor,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Detect implements vad.Engine. Frames shorter than one sample score zero.
func (e *Engine) Detect(frame []byte) (vad.Result, error) {
	p := e.probability(frame)
	return vad.Result{
		Speech:      p > e.threshold,
		Probability: p,
	}, nil
}

// probability squashes the frame's RMS energy into [0, 1).
func (e *Engine) probability(frame []byte) float64 {
	rms := computeRMS(frame)
	if rms <= 0 {
		return 0
	}
	return rms / (rms + e.noiseFloor)
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
