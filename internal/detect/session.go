package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dcaud/dcaud/internal/notify"
	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/audio"
)

// Reasons a session ends. They appear in logs and as the reason attribute of
// the sessions-closed metric.
const (
	ReasonStreamEnded     = "stream_ended"
	ReasonStreamError     = "stream_error"
	ReasonStreamTimeout   = "stream_timeout"
	ReasonInactivity      = "inactivity"
	ReasonMaxSpeaking     = "max_speaking"
	ReasonSilence         = "silence"
	ReasonScoring         = "scoring"
	ReasonSpeakingStopped = "speaking_stopped"
	ReasonUserLeft        = "user_left"
	ReasonReplaced        = "replaced"
	ReasonDisconnect      = "disconnect"
	ReasonShutdown        = "shutdown"
	ReasonPanic           = "panic"
)

// signalBuffer bounds the queue of timer firings and stop requests. Senders
// block only while the session is still running.
const signalBuffer = 16

// Reporter receives debounced speaking transitions. Report must not block.
type Reporter interface {
	Report(u notify.Update)
}

type reported int

const (
	reportedUnknown reported = iota
	reportedTrue
	reportedFalse
)

type signal interface{ isSignal() }

type timerFired struct {
	kind timerKind
	gen  uint64
}

type stopRequest struct{ reason string }

func (timerFired) isSignal()  {}
func (stopRequest) isSignal() {}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Speaking  bool      `json:"speaking"`
	StartedAt time.Time `json:"started_at"`
	LastAudio time.Time `json:"last_audio,omitzero"`
}

// Session tracks one user's audio stream. All detection state is owned by
// a single goroutine; audio chunks, timer firings and stop requests reach it
// through channels. Teardown always goes through cleanup, which runs once.
type Session struct {
	key      Key
	id       string
	username string
	cfg      Config
	clock    Clock
	log      *slog.Logger
	reporter Reporter
	metrics  *observe.Metrics
	onClosed func(*Session)

	ctx  context.Context
	span trace.Span

	sub      audio.Subscription
	boundary *Boundary
	asm      *FrameAssembler
	sm       *SpeechStateMachine
	timers   sessionTimers

	signals chan signal
	done    chan struct{}

	// Owned by the session goroutine.
	lastReported reported
	streamActive bool
	silentChunks int
	cleaning     bool

	mu        sync.Mutex
	startedAt time.Time
	lastAudio time.Time
	speaking  bool
	stopping  bool
	reason    string
	closeErr  error
}

type sessionParams struct {
	key      Key
	id       string
	username string
	cfg      Config
	clock    Clock
	reporter Reporter
	metrics  *observe.Metrics
	onClosed func(*Session)
	sub      audio.Subscription
	boundary *Boundary
}

func newSession(ctx context.Context, p sessionParams) *Session {
	ctx, span := observe.StartSpan(ctx, "detect.session",
		trace.WithAttributes(
			attribute.String("session_id", p.id),
			attribute.String("guild_id", p.key.GuildID),
			attribute.String("user_id", p.key.UserID),
		),
	)
	s := &Session{
		key:      p.key,
		id:       p.id,
		username: p.username,
		cfg:      p.cfg,
		clock:    p.clock,
		reporter: p.reporter,
		metrics:  p.metrics,
		onClosed: p.onClosed,
		ctx:      ctx,
		span:     span,
		sub:      p.sub,
		boundary: p.boundary,
		asm:      NewFrameAssembler(p.cfg.FrameSize, p.cfg.Gain, p.cfg.SilenceAmplitude),
		sm:       NewSpeechStateMachine(p.cfg.VoiceProbabilityThreshold, p.cfg.MinSilentFrames),
		signals:  make(chan signal, signalBuffer),
		done:     make(chan struct{}),

		streamActive: true,
		startedAt:    p.clock.Now(),
	}
	s.log = observe.Logger(ctx).With(
		"session_id", p.id,
		"guild_id", p.key.GuildID,
		"user_id", p.key.UserID,
		"username", p.username,
	)
	s.timers = sessionTimers{clock: p.clock, fire: s.post}
	s.timers.arm(timerStream, p.cfg.StreamTimeout)
	s.timers.arm(timerInactivity, p.cfg.InactivityTimeout)
	return s
}

// post delivers a timer firing to the session goroutine. Firings after the
// session finished are discarded.
func (s *Session) post(k timerKind, gen uint64) {
	select {
	case s.signals <- timerFired{kind: k, gen: gen}:
	case <-s.done:
	}
}

func (s *Session) start() { go s.run() }

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to tear down with reason. It returns without waiting;
// use [Session.Done] for that.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	select {
	case s.signals <- stopRequest{reason: reason}:
	case <-s.done:
	}
}

// Result returns the close reason and cause. Both are empty until Done is
// closed.
func (s *Session) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closeErr
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		GuildID:   s.key.GuildID,
		UserID:    s.key.UserID,
		Username:  s.username,
		Speaking:  s.speaking,
		StartedAt: s.startedAt,
		LastAudio: s.lastAudio,
	}
}

// stale reports whether no audio (or, before the first audio, no start)
// happened within idle of now.
func (s *Session) stale(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastAudio
	if last.IsZero() {
		last = s.startedAt
	}
	return now.Sub(last) >= idle
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("detect: session panic", "panic", r)
			s.cleanup(ReasonPanic, fmt.Errorf("detect: session panic: %v", r))
		}
	}()

	s.log.Info("detect: session started")
	frames := s.sub.Frames()
	for s.streamActive {
		select {
		case f, ok := <-frames:
			if !ok {
				s.streamClosed()
				return
			}
			s.handleChunk(f.Data)
		case sig := <-s.signals:
			s.handleSignal(sig)
		}
	}
}

func (s *Session) streamClosed() {
	if err := s.sub.Err(); err != nil {
		s.cleanup(ReasonStreamError, fmt.Errorf("detect: audio stream: %w: %w", ErrStream, err))
		return
	}
	s.cleanup(ReasonStreamEnded, nil)
}

// handleChunk processes one PCM chunk.
func (s *Session) handleChunk(data []byte) {
	if !s.streamActive {
		return
	}
	s.timers.arm(timerStream, s.cfg.StreamTimeout)
	if len(data) == 0 {
		return
	}

	if s.asm.IsSilent(data) {
		s.metrics.RecordChunk(s.ctx, true)
		s.silentChunks++
		s.apply(s.sm.Observe(0, s.clock.Now()))
		if s.cfg.MaxSilentChunks > 0 && s.silentChunks > s.cfg.MaxSilentChunks {
			s.cleanup(ReasonSilence, nil)
		}
		return
	}

	s.metrics.RecordChunk(s.ctx, false)
	s.silentChunks = 0
	s.mu.Lock()
	s.lastAudio = s.clock.Now()
	s.mu.Unlock()
	s.timers.arm(timerInactivity, s.cfg.InactivityTimeout)

	for _, frame := range s.asm.Feed(data) {
		start := time.Now()
		p, err := s.boundary.Score(s.ctx, frame)
		s.metrics.RecordScore(s.ctx, time.Since(start).Seconds(), err)
		if err != nil {
			s.cleanup(ReasonScoring, err)
			return
		}
		s.log.Debug("detect: frame scored", "p", p)
		s.apply(s.sm.Observe(p, s.clock.Now()))
		if !s.streamActive {
			return
		}
	}
}

func (s *Session) handleSignal(sig signal) {
	if !s.streamActive {
		return
	}
	switch sig := sig.(type) {
	case timerFired:
		if !s.timers.accept(sig.kind, sig.gen) {
			return
		}
		switch sig.kind {
		case timerDebounce:
			s.apply(s.sm.DebounceElapsed())
		case timerStream:
			s.cleanup(ReasonStreamTimeout, nil)
		case timerInactivity:
			s.cleanup(ReasonInactivity, nil)
		case timerMaxSpeaking:
			s.apply(s.sm.ForceSilent())
			s.cleanup(ReasonMaxSpeaking, nil)
		}
	case stopRequest:
		s.cleanup(sig.reason, nil)
	}
}

// apply carries out the timer and notification work a state machine step
// asks for.
func (s *Session) apply(eff Effects) {
	if eff.CancelDebounce {
		s.timers.cancel(timerDebounce)
	}
	if eff.ArmDebounce {
		s.timers.arm(timerDebounce, s.cfg.SilenceDebounce)
	}
	if eff.Entered {
		s.timers.arm(timerMaxSpeaking, s.cfg.MaxSpeakingDuration)
		s.report(true)
	}
	if eff.Exited {
		s.timers.cancel(timerMaxSpeaking)
		s.report(false)
	}
	if eff.Entered || eff.Exited {
		s.mu.Lock()
		s.speaking = s.sm.State() == StateSpeaking
		s.mu.Unlock()
	}
}

// report is the only writer of lastReported. It emits an update only when
// the value changes.
func (s *Session) report(speaking bool) {
	want := reportedFalse
	if speaking {
		want = reportedTrue
	}
	if s.lastReported == want {
		return
	}
	s.lastReported = want

	s.metrics.RecordTransition(s.ctx, speaking)
	s.span.AddEvent("speaking", trace.WithAttributes(attribute.Bool("speaking", speaking)))
	s.log.Info("detect: speaking changed", "speaking", speaking)
	s.reporter.Report(notify.Update{
		GuildID:   s.key.GuildID,
		UserID:    s.key.UserID,
		Username:  s.username,
		Speaking:  speaking,
		SessionID: s.id,
		At:        s.clock.Now(),
	})
}

// cleanup tears the session down. The first call wins; later calls return
// immediately. Every step runs even if an earlier one fails or panics.
func (s *Session) cleanup(reason string, cause error) {
	if s.cleaning {
		return
	}
	s.cleaning = true
	s.streamActive = false
	defer close(s.done)
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("detect: cleanup %s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("detect: cleanup %s: %w", name, err))
		}
	}

	step("subscription", func() error {
		if err := s.sub.Close(); err != nil && !errors.Is(err, audio.ErrClosed) {
			return err
		}
		return nil
	})
	step("timers", func() error {
		s.timers.stopAll()
		return nil
	})
	step("scorer", func() error {
		b := s.boundary
		s.boundary = nil
		if b == nil {
			return nil
		}
		return b.Release()
	})
	step("final report", func() error {
		if s.lastReported == reportedTrue {
			s.report(false)
		}
		return nil
	})
	step("state", func() error {
		s.sm.Reset()
		s.asm.Reset()
		s.silentChunks = 0
		s.mu.Lock()
		s.speaking = false
		s.mu.Unlock()
		return nil
	})
	step("unregister", func() error {
		if s.onClosed != nil {
			s.onClosed(s)
		}
		return nil
	})

	teardownErr := errors.Join(errs...)
	attrs := []any{"reason", reason}
	if cause != nil {
		attrs = append(attrs, "cause", cause)
	}
	if teardownErr != nil {
		s.log.Warn("detect: session teardown incomplete", append(attrs, "err", teardownErr)...)
	} else {
		s.log.Info("detect: session closed", attrs...)
	}

	s.metrics.RecordSessionClosed(s.ctx, reason)
	s.span.SetAttributes(attribute.String("reason", reason))
	if cause != nil {
		s.span.RecordError(cause)
		s.span.SetStatus(codes.Error, cause.Error())
	}
	s.span.End()

	s.mu.Lock()
	s.reason = reason
	s.closeErr = cause
	s.mu.Unlock()
}
