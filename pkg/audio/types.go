package audio

import "time"

// AudioFrame is one chunk of PCM audio received from a participant.
// Chunks are the unit handed to subscribers; they carry no framing
// guarantees and may be of any length that is a whole number of samples.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (48000 straight from Discord, 16000 after conversion).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp is the capture time relative to the stream start.
	Timestamp time.Duration
}

// Samples returns the number of 16-bit samples per channel in f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
