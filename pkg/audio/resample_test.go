package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voicelayer/voxgate/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// sine produces n samples of a sine wave at freq Hz sampled at rate Hz with
// the given peak amplitude.
func sine(n int, freq, rate float64, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.Resample(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.Resample(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResample_SameRateCopies(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
	if &out[0] == &pcm[0] {
		t.Error("same-rate path must return a copy, not the input slice")
	}
}

func TestResample_ShortInputIsEmpty(t *testing.T) {
	for _, in := range [][]byte{nil, {}, {0x7f}} {
		if out := audio.Resample(in, 44100, 16000); len(out) != 0 {
			t.Errorf("Resample(%v) = %d bytes, want empty", in, len(out))
		}
	}
}

func TestResample_OddInputDropsTrailingByte(t *testing.T) {
	even := samplesToBytes([]int16{100, 200, 300, 400})
	odd := append(append([]byte{}, even...), 0x55)

	wantOut := audio.Resample(even, 44100, 16000)
	gotOut := audio.Resample(odd, 44100, 16000)
	if len(gotOut) != len(wantOut) {
		t.Fatalf("length mismatch: got %d, want %d", len(gotOut), len(wantOut))
	}
	for i := range wantOut {
		if gotOut[i] != wantOut[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, gotOut[i], wantOut[i])
		}
	}
}

func TestResample_BadRatesAreEmpty(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	if out := audio.Resample(pcm, 0, 16000); len(out) != 0 {
		t.Errorf("zero source rate: got %d bytes, want empty", len(out))
	}
	if out := audio.Resample(pcm, 44100, -1); len(out) != 0 {
		t.Errorf("negative target rate: got %d bytes, want empty", len(out))
	}
}

// TestResample_SineRoundTrip checks that a 1 kHz tone survives a
// 16 kHz → 44.1 kHz → 16 kHz round trip with a small RMS error relative to
// the original signal.
func TestResample_SineRoundTrip(t *testing.T) {
	const (
		rateLow  = 16000
		rateHigh = 44100
		freq     = 1000.0
		amp      = 10000
	)
	orig := sine(rateLow, freq, rateLow, amp) // one second
	up := audio.Resample(samplesToBytes(orig), rateLow, rateHigh)
	down := bytesToSamples(audio.Resample(up, rateHigh, rateLow))

	n := min(len(orig), len(down))
	if n < rateLow*9/10 {
		t.Fatalf("round trip lost too many samples: %d of %d", n, len(orig))
	}

	var errSum, sigSum float64
	for i := 0; i < n; i++ {
		d := float64(orig[i]) - float64(down[i])
		errSum += d * d
		sigSum += float64(orig[i]) * float64(orig[i])
	}
	errRMS := math.Sqrt(errSum / float64(n))
	sigRMS := math.Sqrt(sigSum / float64(n))

	if errRMS > 0.05*sigRMS {
		t.Errorf("round-trip RMS error %.1f exceeds 5%% of signal RMS %.1f", errRMS, sigRMS)
	}
}

func TestEnsureEven(t *testing.T) {
	even := []byte{1, 2, 3, 4}
	if got := audio.EnsureEven(even); len(got) != 4 {
		t.Errorf("even input: got %d bytes, want 4", len(got))
	}
	odd := []byte{1, 2, 3}
	got := audio.EnsureEven(odd)
	if len(got) != 4 {
		t.Fatalf("odd input: got %d bytes, want 4", len(got))
	}
	if got[3] != 0 {
		t.Errorf("pad byte: got %#x, want 0", got[3])
	}
}
