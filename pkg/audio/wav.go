package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// bitsPerSample is fixed at 16; the entire media path speaks 16-bit signed
// little-endian PCM.
const bitsPerSample = 16

// headerSize is the byte length of the canonical 44-byte RIFF header emitted
// by EncodeWAV.
const headerSize = 44

// ErrNotWAV is returned by DecodeWAV when the input does not start with a
// RIFF/WAVE signature.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct
// transmission to a client or inclusion in a multipart form upload.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, headerSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE container and returns its PCM payload along
// with the sample rate and channel count from the fmt chunk. Only 16-bit
// integer PCM is accepted. Unknown chunks (LIST, fact, …) are skipped, so
// files produced by browsers and recording tools parse as well as our own
// minimal 44-byte layout.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, ErrNotWAV
	}

	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, 0, fmt.Errorf("audio: decode wav: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: fmt chunk too short (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: unsupported audio format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != bitsPerSample {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: unsupported bit depth %d (want %d)", bits, bitsPerSample)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned; an odd size is followed by a pad byte.
		off = body + size
		if size%2 != 0 {
			off++
		}
	}

	if !haveFmt {
		return nil, 0, 0, errors.New("audio: decode wav: missing fmt chunk")
	}
	if pcm == nil {
		return nil, 0, 0, errors.New("audio: decode wav: missing data chunk")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, 0, fmt.Errorf("audio: decode wav: invalid format (%d channels, %d Hz)", channels, sampleRate)
	}
	return pcm, sampleRate, channels, nil
}

// PCMDuration returns the play time of a 16-bit PCM payload of pcmLen bytes
// at the given sample rate and channel count. Non-positive rates or channel
// counts yield zero.
func PCMDuration(pcmLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmLen / 2 / channels
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}
