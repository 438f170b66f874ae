//go:build !cgo

package silero

import (
	"errors"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// ErrUnavailable is returned by New in builds without cgo.
var ErrUnavailable = errors.New("silero: onnxruntime requires cgo")

// Config selects the model and runtime library.
type Config struct {
	ModelPath   string
	LibraryPath string
}

// Engine is not available without cgo.
type Engine struct{}

// New always fails without cgo.
func New(Config) (*Engine, error) { return nil, ErrUnavailable }

// FrameSize implements [vad.Engine].
func (e *Engine) FrameSize() int { return 512 }

// SampleRate implements [vad.Engine].
func (e *Engine) SampleRate() int { return 16000 }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession() (vad.SessionHandle, error) { return nil, ErrUnavailable }

// Close is a no-op.
func (e *Engine) Close() error { return nil }
