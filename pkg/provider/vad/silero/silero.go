//go:build cgo

// Package silero provides a [vad.Engine] backed by the Silero VAD ONNX model
// running on ONNX Runtime.
//
// The model is loaded once per Engine; each session owns its recurrent
// state tensor ([2, 1, 64]) so streams do not influence each other. Frames
// are 512 samples of 16 kHz mono PCM (32 ms).
package silero

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

const (
	frameSize  = 512
	sampleRate = 16000
	stateSize  = 2 * 1 * 64
)

var (
	envMu   sync.Mutex
	envRefs int
)

// Config selects the model and runtime library.
type Config struct {
	// ModelPath is the path to silero_vad.onnx.
	ModelPath string

	// LibraryPath overrides the onnxruntime shared library location. Empty
	// uses the platform default search path.
	LibraryPath string
}

// Engine runs Silero VAD inference. It is safe for concurrent use.
type Engine struct {
	session *ort.DynamicAdvancedSession

	closeOnce sync.Once
}

// New initialises ONNX Runtime (once per process) and loads the model.
func New(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("silero: model path is required")
	}
	if err := acquireEnv(cfg.LibraryPath); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("silero: load model %q: %w", cfg.ModelPath, err)
	}
	return &Engine{session: sess}, nil
}

// FrameSize implements [vad.Engine].
func (e *Engine) FrameSize() int { return frameSize }

// SampleRate implements [vad.Engine].
func (e *Engine) SampleRate() int { return sampleRate }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession() (vad.SessionHandle, error) {
	state, err := ort.NewTensor(ort.NewShape(2, 1, 64), make([]float32, stateSize))
	if err != nil {
		return nil, fmt.Errorf("silero: allocate state: %w", err)
	}
	return &session{eng: e, state: state}, nil
}

// Close releases the model. Sessions must be closed first.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.session.Destroy()
		releaseEnv()
	})
	return err
}

type session struct {
	eng   *Engine
	state *ort.Tensor[float32]
	input []float32
}

func (s *session) Score(frame []int16) (float64, error) {
	if s.state == nil {
		return 0, vad.ErrClosed
	}
	if err := vad.CheckFrame(frame, frameSize); err != nil {
		return 0, err
	}
	if s.input == nil {
		s.input = make([]float32, frameSize)
	}
	for i, v := range frame {
		s.input[i] = float32(v) / 32768.0
	}

	in, err := ort.NewTensor(ort.NewShape(1, frameSize), s.input)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer in.Destroy()
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{sampleRate})
	if err != nil {
		return 0, fmt.Errorf("silero: sr tensor: %w", err)
	}
	defer sr.Destroy()
	out, err := ort.NewTensor(ort.NewShape(1, 1), make([]float32, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer out.Destroy()
	next, err := ort.NewTensor(ort.NewShape(2, 1, 64), make([]float32, stateSize))
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer next.Destroy()

	if err := s.eng.session.Run([]ort.Value{in, s.state, sr}, []ort.Value{out, next}); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	copy(s.state.GetData(), next.GetData())
	return vad.Clamp01(float64(out.GetData()[0])), nil
}

func (s *session) Reset() {
	if s.state == nil {
		return
	}
	clear(s.state.GetData())
}

func (s *session) Close() error {
	if s.state == nil {
		return nil
	}
	err := s.state.Destroy()
	s.state = nil
	return err
}

func acquireEnv(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("silero: initialise onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}
