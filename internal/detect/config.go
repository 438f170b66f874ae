package detect

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the detection tunables. The zero value is not usable; start
// from [DefaultConfig].
type Config struct {
	// FrameSize is the number of samples per scored frame. It must equal the
	// scorer's FrameSize.
	FrameSize int

	// SampleRate of the PCM handed to the detector. It must equal the
	// scorer's SampleRate.
	SampleRate int

	// VoiceProbabilityThreshold: a frame is speech when its score is
	// strictly greater.
	VoiceProbabilityThreshold float64

	// Gain multiplies every sample before scoring; results are clipped to
	// the 16-bit range.
	Gain float64

	// SilenceAmplitude: a chunk whose every |sample| is below this is silent
	// and never reaches the scorer.
	SilenceAmplitude int

	// SilenceDebounce is how long the state machine waits after
	// MinSilentFrames quiet frames before reporting the end of speech.
	SilenceDebounce time.Duration

	// MinSilentFrames is the number of consecutive quiet observations that
	// arms the debounce timer.
	MinSilentFrames int

	// MaxSilentChunks ends a session after more than this many consecutive
	// silent chunks. Zero disables the check.
	MaxSilentChunks int

	// StreamTimeout ends a session when no chunk at all arrives for this long.
	StreamTimeout time.Duration

	// InactivityTimeout ends a session when no non-silent chunk arrives for
	// this long. It also decides when an open session counts as stale.
	InactivityTimeout time.Duration

	// MaxSpeakingDuration caps one continuous speaking stretch.
	MaxSpeakingDuration time.Duration

	// MaxIgnoredEvents is how many duplicate speaking-start signals are
	// dropped inside IgnoredEventWindow before the next one replaces the
	// session.
	MaxIgnoredEvents int

	// IgnoredEventWindow is the sliding window for duplicate start signals.
	IgnoredEventWindow time.Duration

	// ScoreTimeout bounds a single scorer call.
	ScoreTimeout time.Duration
}

// DefaultConfig returns the stock tunables for 16 kHz Silero scoring.
func DefaultConfig() Config {
	return Config{
		FrameSize:                 512,
		SampleRate:                16000,
		VoiceProbabilityThreshold: 0.35,
		Gain:                      1.0,
		SilenceAmplitude:          100,
		SilenceDebounce:           150 * time.Millisecond,
		MinSilentFrames:           3,
		MaxSilentChunks:           250,
		StreamTimeout:             30 * time.Second,
		InactivityTimeout:         10 * time.Second,
		MaxSpeakingDuration:       60 * time.Second,
		MaxIgnoredEvents:          3,
		IgnoredEventWindow:        5 * time.Second,
		ScoreTimeout:              250 * time.Millisecond,
	}
}

// Validate reports every invalid field, each wrapping [ErrConfiguration].
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, configErrorf(format, args...))
	}

	if c.FrameSize <= 0 {
		bad("frame size must be positive, got %d", c.FrameSize)
	}
	if c.SampleRate <= 0 {
		bad("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.VoiceProbabilityThreshold < 0 || c.VoiceProbabilityThreshold > 1 {
		bad("voice probability threshold %.3f is outside [0, 1]", c.VoiceProbabilityThreshold)
	}
	if c.Gain <= 0 {
		bad("gain must be positive, got %g", c.Gain)
	}
	if c.SilenceAmplitude < 0 || c.SilenceAmplitude > 32768 {
		bad("silence amplitude %d is outside [0, 32768]", c.SilenceAmplitude)
	}
	if c.SilenceDebounce <= 0 {
		bad("silence debounce must be positive, got %s", c.SilenceDebounce)
	}
	if c.MinSilentFrames < 1 {
		bad("min silent frames must be at least 1, got %d", c.MinSilentFrames)
	}
	if c.MaxSilentChunks < 0 {
		bad("max silent chunks must not be negative, got %d", c.MaxSilentChunks)
	}
	if c.StreamTimeout <= 0 {
		bad("stream timeout must be positive, got %s", c.StreamTimeout)
	}
	if c.InactivityTimeout <= 0 {
		bad("inactivity timeout must be positive, got %s", c.InactivityTimeout)
	}
	if c.MaxSpeakingDuration <= 0 {
		bad("max speaking duration must be positive, got %s", c.MaxSpeakingDuration)
	}
	if c.MaxIgnoredEvents < 0 {
		bad("max ignored events must not be negative, got %d", c.MaxIgnoredEvents)
	}
	if c.IgnoredEventWindow <= 0 {
		bad("ignored event window must be positive, got %s", c.IgnoredEventWindow)
	}
	if c.ScoreTimeout <= 0 {
		bad("score timeout must be positive, got %s", c.ScoreTimeout)
	}
	return errors.Join(errs...)
}

// configErrorf formats a message wrapped in [ErrConfiguration].
func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// FrameBytes is the byte length of one frame of 16-bit mono PCM.
func (c Config) FrameBytes() int { return c.FrameSize * 2 }
