package detect

import (
	"errors"

	"github.com/dcaud/dcaud/internal/notify"
)

// Error classes. Concrete errors wrap one of these with %w so callers can
// branch with errors.Is.
var (
	// ErrConfiguration marks invalid settings, such as a frame size the
	// scorer cannot accept. Fatal at startup.
	ErrConfiguration = errors.New("detect: configuration error")

	// ErrInitialization marks a scorer that could not be created or
	// acquired.
	ErrInitialization = errors.New("detect: scorer initialisation failed")

	// ErrStream marks an audio source failure. It ends only the affected
	// session.
	ErrStream = errors.New("detect: audio stream failed")

	// ErrScoring marks a scorer call that failed or timed out. It ends only
	// the affected session.
	ErrScoring = errors.New("detect: scoring failed")

	// ErrReporting marks a notification that could not be delivered. It is
	// logged and never retried.
	ErrReporting = notify.ErrDelivery

	// ErrClosed is returned by Detector operations after Shutdown.
	ErrClosed = errors.New("detect: detector is shut down")
)
