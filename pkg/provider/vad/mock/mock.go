// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to control session creation and Session to script the scores
// returned for successive frames.
//
// Example:
//
//	sess := &mock.Session{Scores: []float64{0.1, 0.9, 0.9}}
//	eng := &mock.Engine{Frame: 512, Session: sess}
//	handle, _ := eng.NewSession()
package mock

import (
	"sync"
	"time"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Frame is returned by FrameSize. Zero means 512.
	Frame int

	// Rate is returned by SampleRate. Zero means 16000.
	Rate int

	// Session is returned by NewSession. If nil, a fresh Session is created
	// per call by NewSessionFunc or as a zero Session.
	Session vad.SessionHandle

	// NewSessionFunc, if set, builds the handle for each call.
	NewSessionFunc func() (vad.SessionHandle, error)

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// NewSessionCalls counts NewSession invocations.
	NewSessionCalls int

	// Sessions records every handle returned, in order.
	Sessions []vad.SessionHandle
}

// FrameSize implements vad.Engine.
func (e *Engine) FrameSize() int {
	if e.Frame == 0 {
		return 512
	}
	return e.Frame
}

// SampleRate implements vad.Engine.
func (e *Engine) SampleRate() int {
	if e.Rate == 0 {
		return 16000
	}
	return e.Rate
}

// NewSession records the call and returns Session or a new Session.
func (e *Engine) NewSession() (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls++
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	var (
		h   vad.SessionHandle
		err error
	)
	switch {
	case e.NewSessionFunc != nil:
		h, err = e.NewSessionFunc()
		if err != nil {
			return nil, err
		}
	case e.Session != nil:
		h = e.Session
	default:
		h = &Session{}
	}
	e.Sessions = append(e.Sessions, h)
	return h, nil
}

// Calls returns NewSessionCalls under the lock.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.NewSessionCalls
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Scores are returned in order, one per Score call. After the slice is
	// exhausted Default is returned.
	Scores []float64

	// Default is returned once Scores is exhausted.
	Default float64

	// ScoreFunc, if set, overrides Scores and Default.
	ScoreFunc func(frame []int16) (float64, error)

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// Delay is slept inside Score before returning.
	Delay time.Duration

	// CloseErr is returned by the first Close call.
	CloseErr error

	// --- Call records ---

	// Frames holds a copy of every scored frame.
	Frames [][]int16

	// ResetCallCount is the number of Reset calls.
	ResetCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// Score records the frame and returns the next scripted score.
func (s *Session) Score(frame []int16) (float64, error) {
	s.mu.Lock()
	delay := s.Delay
	s.Frames = append(s.Frames, append([]int16(nil), frame...))
	idx := len(s.Frames) - 1
	fn, err := s.ScoreFunc, s.ScoreErr
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return 0, err
	}
	if fn != nil {
		return fn(frame)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < len(s.Scores) {
		return s.Scores[idx], nil
	}
	return s.Default, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call. Only the first call returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseCallCount == 1 {
		return s.CloseErr
	}
	return nil
}

// ScoredFrames returns a copy of the recorded frames.
func (s *Session) ScoredFrames() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int16(nil), s.Frames...)
}

// Closes returns CloseCallCount under the lock.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ vad.SessionHandle = (*Session)(nil)
