// Package vad defines the Engine interface for voice activity scorers.
//
// An Engine wraps a frame-level speech model (Silero, an energy detector, or
// a test double) and hands out per-stream sessions. Each session keeps its
// own recurrent state so concurrent streams are scored independently.
//
// Scoring is synchronous: Score returns the speech probability of exactly
// one frame. The frame length is fixed by the engine and reported by
// FrameSize; callers are expected to validate their framing against it once
// at startup rather than per call.
//
// Engines must be safe for concurrent use. A SessionHandle is not; it
// belongs to the goroutine that created it.
package vad

// SessionHandle is the per-stream scoring state. It is an interface so that
// tests can supply scripted scores without a model.
type SessionHandle interface {
	// Score returns the probability in [0, 1] that frame contains speech.
	// frame must hold exactly Engine.FrameSize mono samples at
	// Engine.SampleRate; any other length yields [ErrFrameSize].
	Score(frame []int16) (float64, error)

	// Reset clears recurrent state without releasing resources.
	Reset()

	// Close releases the session. After Close, Score returns [ErrClosed].
	// Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for scoring sessions.
type Engine interface {
	// FrameSize is the number of samples Score expects per frame.
	FrameSize() int

	// SampleRate is the sample rate in Hz Score expects.
	SampleRate() int

	// NewSession allocates an independent scoring session.
	NewSession() (SessionHandle, error)
}
