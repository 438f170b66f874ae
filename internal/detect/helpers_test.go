package detect

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	notifymock "github.com/dcaud/dcaud/internal/notify/mock"
	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/audio"
	audiomock "github.com/dcaud/dcaud/pkg/audio/mock"
	vadmock "github.com/dcaud/dcaud/pkg/provider/vad/mock"
)

// ─── fake clock ───────────────────────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, running due callbacks synchronously in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Jump moves time forward by d without running any callback.
func (c *fakeClock) Jump(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// ─── session harness ──────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig is DefaultConfig with a small frame so tests stay readable.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSize = 160
	return cfg
}

// harness drives a Session on the test goroutine without starting its run
// loop. Timer firings queue on the signal channel and are handled by pump.
type harness struct {
	t        *testing.T
	cfg      Config
	clock    *fakeClock
	rec      *notifymock.Recorder
	scorer   *vadmock.Session
	sub      *audiomock.Subscription
	s        *Session
	closedMu sync.Mutex
	closed   []*Session
}

func newHarness(t *testing.T, cfg Config, scores ...float64) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		cfg:    cfg,
		clock:  newFakeClock(),
		rec:    &notifymock.Recorder{},
		scorer: &vadmock.Session{Scores: scores},
		sub:    audiomock.NewSubscription(16),
	}
	eng := &vadmock.Engine{Frame: cfg.FrameSize, Rate: cfg.SampleRate, Session: h.scorer}
	b, err := Acquire(eng, cfg.ScoreTimeout)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.s = newSession(context.Background(), sessionParams{
		key:      Key{GuildID: "g1", UserID: "u1"},
		id:       "s1",
		username: "alice",
		cfg:      cfg,
		clock:    h.clock,
		reporter: h.rec,
		metrics:  testMetrics(t),
		onClosed: func(s *Session) {
			h.closedMu.Lock()
			h.closed = append(h.closed, s)
			h.closedMu.Unlock()
		},
		sub:      h.sub,
		boundary: b,
	})
	t.Cleanup(func() {
		if !h.isDone() {
			h.s.cleanup(ReasonShutdown, nil)
		}
	})
	return h
}

// loud feeds one full frame of non-silent audio.
func (h *harness) loud() {
	h.s.handleChunk(audio.Int16sToBytes(constPCM(h.cfg.FrameSize, 1000)))
	h.pump()
}

// silent feeds one chunk below the silence amplitude.
func (h *harness) silent() {
	h.s.handleChunk(audio.Int16sToBytes(constPCM(h.cfg.FrameSize, 10)))
	h.pump()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.pump()
}

// pump handles every queued signal.
func (h *harness) pump() {
	for {
		select {
		case sig := <-h.s.signals:
			h.s.handleSignal(sig)
		default:
			return
		}
	}
}

func (h *harness) reports() []bool { return h.rec.Speaking() }

func (h *harness) wantReports(want ...bool) {
	h.t.Helper()
	if got := h.reports(); !slices.Equal(got, want) {
		h.t.Fatalf("reports = %v, want %v", got, want)
	}
}

func (h *harness) isDone() bool {
	select {
	case <-h.s.Done():
		return true
	default:
		return false
	}
}

func (h *harness) wantClosed(reason string) {
	h.t.Helper()
	if !h.isDone() {
		h.t.Fatalf("session not closed, want reason %q", reason)
	}
	if got, _ := h.s.Result(); got != reason {
		h.t.Fatalf("close reason = %q, want %q", got, reason)
	}
}

func constPCM(n int, v int16) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = v
	}
	return pcm
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
