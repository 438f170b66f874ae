package detect

import "github.com/dcaud/dcaud/pkg/audio"

// FrameAssembler turns arbitrarily sized PCM chunks into fixed-size frames.
//
// Bytes are buffered in arrival order; after every Feed the buffer holds
// fewer than one frame's worth. Gain is applied per sample while a frame is
// extracted, never to buffered bytes, so no sample is scaled twice.
//
// A FrameAssembler is owned by a single session goroutine.
type FrameAssembler struct {
	frameSize        int
	gain             float64
	silenceAmplitude int

	buf []byte
}

// NewFrameAssembler returns an assembler producing frames of frameSize
// samples.
func NewFrameAssembler(frameSize int, gain float64, silenceAmplitude int) *FrameAssembler {
	return &FrameAssembler{
		frameSize:        frameSize,
		gain:             gain,
		silenceAmplitude: silenceAmplitude,
		buf:              make([]byte, 0, frameSize*4),
	}
}

// IsSilent reports whether every sample in chunk has an absolute amplitude
// below the silence threshold. A chunk that would shift sample alignment
// (odd length, or a buffer holding half a sample) is never silent, because
// skipping it would corrupt every later sample.
func (a *FrameAssembler) IsSilent(chunk []byte) bool {
	if len(chunk)%2 != 0 || len(a.buf)%2 != 0 {
		return false
	}
	limit := a.silenceAmplitude
	for i := 0; i+1 < len(chunk); i += 2 {
		s := int(int16(chunk[i]) | int16(chunk[i+1])<<8)
		if s >= limit || -s >= limit {
			return false
		}
	}
	return true
}

// Feed appends chunk and returns every complete frame now available, in
// order. Leftover bytes stay buffered for the next call.
func (a *FrameAssembler) Feed(chunk []byte) [][]int16 {
	a.buf = append(a.buf, chunk...)
	frameBytes := a.frameSize * 2
	n := len(a.buf) / frameBytes
	if n == 0 {
		return nil
	}

	frames := make([][]int16, n)
	for i := range n {
		raw := a.buf[i*frameBytes : (i+1)*frameBytes]
		frame := make([]int16, a.frameSize)
		for j := range frame {
			s := int16(raw[j*2]) | int16(raw[j*2+1])<<8
			if a.gain != 1 {
				s = audio.Clamp16(float64(s) * a.gain)
			}
			frame[j] = s
		}
		frames[i] = frame
	}

	rest := copy(a.buf, a.buf[n*frameBytes:])
	a.buf = a.buf[:rest]
	return frames
}

// Buffered returns the number of bytes waiting for a complete frame.
func (a *FrameAssembler) Buffered() int { return len(a.buf) }

// Reset drops any partial frame.
func (a *FrameAssembler) Reset() { a.buf = a.buf[:0] }
