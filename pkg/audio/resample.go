// Package audio provides the PCM helpers used on the voxgate media path:
// linear resampling between the wire sample rates and minimal RIFF/WAVE
// framing for utterance upload and synthesized playback chunks.
//
// All functions operate on 16-bit signed little-endian PCM and never panic
// on malformed input; garbage in yields empty output or an error, depending
// on whether the caller can do anything about it.
package audio

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples.
//
// Malformed input does not fail: an odd trailing byte is dropped, and
// anything shorter than one full sample (or a non-positive rate) yields an
// empty slice. When srcRate equals dstRate the even-trimmed input is
// returned as a fresh copy so callers may mutate it freely.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) < 2 || srcRate <= 0 || dstRate <= 0 {
		return []byte{}
	}
	if srcRate == dstRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return []byte{}
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// EnsureEven pads pcm with a single zero byte when its length is odd so that
// downstream int16 consumers stay sample-aligned. Even input is returned
// unchanged.
func EnsureEven(pcm []byte) []byte {
	if len(pcm)%2 == 0 {
		return pcm
	}
	return append(pcm, 0)
}
