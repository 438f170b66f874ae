package vad

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameSize is returned by Score when the frame length does not match
	// the engine's FrameSize.
	ErrFrameSize = errors.New("vad: frame size mismatch")

	// ErrClosed is returned by Score after Close.
	ErrClosed = errors.New("vad: session closed")
)

// CheckFrame returns a wrapped [ErrFrameSize] when len(frame) != want.
func CheckFrame(frame []int16, want int) error {
	if len(frame) != want {
		return fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), want)
	}
	return nil
}

// Clamp01 bounds p to the probability range. NaN becomes 0.
func Clamp01(p float64) float64 {
	switch {
	case p != p, p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
