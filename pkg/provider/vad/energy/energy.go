// Package energy provides an RMS-energy [vad.Engine]. It needs no model
// file and is used when Silero is not available.
//
// The probability is the frame's normalised RMS level mapped linearly
// between Floor (probability 0) and Ceiling (probability 1), optionally
// smoothed with an exponential moving average.
package energy

import (
	"fmt"
	"math"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// Defaults mirror the usual speech/silence RMS levels of 16 kHz voice audio.
const (
	DefaultFrameSize = 512
	DefaultFloor     = 0.008
	DefaultCeiling   = 0.03
)

// Option configures an [Engine].
type Option func(*Engine)

// WithFrameSize sets the number of samples per scored frame.
func WithFrameSize(n int) Option { return func(e *Engine) { e.frameSize = n } }

// WithRange sets the RMS levels (0–1 scale) mapped to probability 0 and 1.
func WithRange(floor, ceiling float64) Option {
	return func(e *Engine) {
		e.floor = floor
		e.ceiling = ceiling
	}
}

// WithSmoothing sets the EMA weight of the newest frame. 1 disables
// smoothing.
func WithSmoothing(alpha float64) Option { return func(e *Engine) { e.alpha = alpha } }

// Engine scores frames by RMS energy. It is safe for concurrent use.
type Engine struct {
	frameSize int
	floor     float64
	ceiling   float64
	alpha     float64
}

// New returns an energy Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		frameSize: DefaultFrameSize,
		floor:     DefaultFloor,
		ceiling:   DefaultCeiling,
		alpha:     1,
	}
	for _, o := range opts {
		o(e)
	}
	if e.frameSize <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", e.frameSize)
	}
	if e.ceiling <= e.floor || e.floor < 0 {
		return nil, fmt.Errorf("energy: invalid range [%g, %g]", e.floor, e.ceiling)
	}
	if e.alpha <= 0 || e.alpha > 1 {
		return nil, fmt.Errorf("energy: smoothing must be in (0, 1], got %g", e.alpha)
	}
	return e, nil
}

// FrameSize implements [vad.Engine].
func (e *Engine) FrameSize() int { return e.frameSize }

// SampleRate implements [vad.Engine].
func (e *Engine) SampleRate() int { return 16000 }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession() (vad.SessionHandle, error) {
	return &session{eng: e}, nil
}

type session struct {
	eng    *Engine
	level  float64
	primed bool
	closed bool
}

func (s *session) Score(frame []int16) (float64, error) {
	if s.closed {
		return 0, vad.ErrClosed
	}
	if err := vad.CheckFrame(frame, s.eng.frameSize); err != nil {
		return 0, err
	}
	p := (RMS(frame) - s.eng.floor) / (s.eng.ceiling - s.eng.floor)
	p = vad.Clamp01(p)
	if !s.primed {
		s.level, s.primed = p, true
	} else {
		s.level = s.eng.alpha*p + (1-s.eng.alpha)*s.level
	}
	return s.level, nil
}

func (s *session) Reset() {
	s.level, s.primed = 0, false
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

// RMS returns the root mean square of pcm normalised to [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
