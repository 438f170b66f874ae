package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// CheckEngine verifies that engine accepts the frames cfg produces.
func CheckEngine(cfg Config, engine vad.Engine) error {
	var errs []error
	if engine.FrameSize() != cfg.FrameSize {
		errs = append(errs, configErrorf("frame size %d does not match scorer frame size %d", cfg.FrameSize, engine.FrameSize()))
	}
	if engine.SampleRate() != cfg.SampleRate {
		errs = append(errs, configErrorf("sample rate %d does not match scorer sample rate %d", cfg.SampleRate, engine.SampleRate()))
	}
	return errors.Join(errs...)
}

// InitEngine builds an engine with factory and proves it can open a session.
// Failed attempts are retried up to attempts times with a fixed backoff.
// The last failure is returned wrapped in [ErrInitialization].
func InitEngine(ctx context.Context, factory func() (vad.Engine, error), attempts int, backoff time.Duration) (vad.Engine, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		eng, err := probeEngine(factory)
		if err == nil {
			return eng, nil
		}
		lastErr = err
		slog.Warn("detect: scorer initialisation failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"err", err,
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("detect: init scorer: %w: %w", ErrInitialization, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("detect: init scorer after %d attempts: %w: %w", attempts, ErrInitialization, lastErr)
}

func probeEngine(factory func() (vad.Engine, error)) (eng vad.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	eng, err = factory()
	if err != nil {
		return nil, err
	}
	h, err := eng.NewSession()
	if err != nil {
		return nil, fmt.Errorf("probe session: %w", err)
	}
	if err := h.Close(); err != nil {
		return nil, fmt.Errorf("probe session close: %w", err)
	}
	return eng, nil
}

type scoreResult struct {
	p   float64
	err error
}

// Boundary owns one scorer session. Scoring runs on a dedicated worker so a
// slow or hung scorer costs the caller at most the configured timeout.
// After a timeout the boundary refuses further calls; the session is
// expected to tear down.
//
// Score and Release are called only by the owning session goroutine.
type Boundary struct {
	handle  vad.SessionHandle
	timeout time.Duration

	jobs    chan []int16
	results chan scoreResult
	stop    chan struct{}
	exited  chan struct{}

	stuck       bool
	releaseOnce sync.Once
	releaseErr  error
}

// Acquire opens a scorer session on engine. Failures wrap
// [ErrInitialization].
func Acquire(engine vad.Engine, timeout time.Duration) (*Boundary, error) {
	h, err := engine.NewSession()
	if err != nil {
		return nil, fmt.Errorf("detect: acquire scorer: %w: %w", ErrInitialization, err)
	}
	b := &Boundary{
		handle:  h,
		timeout: timeout,
		jobs:    make(chan []int16, 1),
		results: make(chan scoreResult, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go b.worker()
	return b, nil
}

func (b *Boundary) worker() {
	defer close(b.exited)
	for {
		select {
		case <-b.stop:
			return
		case frame := <-b.jobs:
			p, err := b.safeScore(frame)
			b.results <- scoreResult{p: p, err: err}
		}
	}
}

func (b *Boundary) safeScore(frame []int16) (p float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = 0, fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return b.handle.Score(frame)
}

// Score returns the speech probability of frame. Scorer errors, panics and
// calls exceeding the timeout are returned wrapped in [ErrScoring].
func (b *Boundary) Score(ctx context.Context, frame []int16) (float64, error) {
	if b.stuck {
		return 0, fmt.Errorf("detect: score: %w: previous call still running", ErrScoring)
	}
	select {
	case <-b.stop:
		return 0, fmt.Errorf("detect: score: %w: scorer released", ErrScoring)
	default:
	}

	b.jobs <- frame
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-b.results:
		if res.err != nil {
			return 0, fmt.Errorf("detect: score: %w: %w", ErrScoring, res.err)
		}
		return vad.Clamp01(res.p), nil
	case <-timer.C:
		b.stuck = true
		return 0, fmt.Errorf("detect: score: %w: no result within %s", ErrScoring, b.timeout)
	case <-ctx.Done():
		b.stuck = true
		return 0, fmt.Errorf("detect: score: %w: %w", ErrScoring, ctx.Err())
	}
}

// Release stops the worker and closes the scorer session. If a scorer call
// is still running, closing happens in the background once it returns and
// Release returns nil. Calling Release more than once is a no-op.
func (b *Boundary) Release() error {
	b.releaseOnce.Do(func() {
		close(b.stop)
		if b.stuck {
			go func() {
				<-b.exited
				if err := b.handle.Close(); err != nil {
					slog.Warn("detect: deferred scorer close failed", "err", err)
				}
			}()
			return
		}
		<-b.exited
		b.releaseErr = b.handle.Close()
	})
	return b.releaseErr
}
