package detect

import (
	"errors"
	"testing"
	"time"

	"github.com/dcaud/dcaud/internal/notify"
	"github.com/dcaud/dcaud/pkg/audio"
)

func TestSession_DebouncedTransitions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.VoiceProbabilityThreshold = 0.35
	cfg.MinSilentFrames = 3
	cfg.SilenceDebounce = 150 * time.Millisecond

	scores := []float64{0.1, 0.5, 0.5, 0.2, 0.2, 0.2}
	h := newHarness(t, cfg, scores...)

	for i := range scores {
		h.loud()
		switch i {
		case 0:
			h.wantReports()
		case 1, 2, 3, 4, 5:
			h.wantReports(true)
		}
		if i < len(scores)-1 {
			h.advance(20 * time.Millisecond)
		}
	}

	h.advance(149 * time.Millisecond)
	h.wantReports(true)

	h.advance(time.Millisecond)
	h.wantReports(true, false)

	if h.isDone() {
		t.Error("session closed after a normal transition")
	}
	if h.s.sm.State() != StateSilent {
		t.Errorf("state = %v, want silent", h.s.sm.State())
	}
}

func TestSession_ScoreEqualToThresholdIsSilence(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := newHarness(t, cfg, cfg.VoiceProbabilityThreshold, cfg.VoiceProbabilityThreshold)
	h.loud()
	h.loud()
	h.advance(time.Second)
	h.wantReports()
}

func TestSession_SpeechCancelsPendingDebounce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := newHarness(t, cfg, 0.9, 0.1, 0.1, 0.1, 0.9, 0.1, 0.1, 0.1)

	h.loud()
	for range 3 {
		h.loud()
	}
	if !h.s.timers.isPending(timerDebounce) {
		t.Fatal("debounce not armed after min silent frames")
	}
	h.advance(cfg.SilenceDebounce / 2)
	h.loud() // 0.9 again
	if h.s.timers.isPending(timerDebounce) {
		t.Fatal("debounce still pending after speech resumed")
	}
	h.advance(cfg.SilenceDebounce * 2)
	h.wantReports(true)

	for range 3 {
		h.loud()
	}
	h.advance(cfg.SilenceDebounce)
	h.wantReports(true, false)
}

func TestSession_StaleDebounceFiringIgnored(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := newHarness(t, cfg, 0.9, 0.1, 0.1, 0.1, 0.9)
	for range 4 {
		h.loud()
	}

	// The timer fires and queues its signal, but speech resumes before the
	// session goroutine gets to it.
	h.clock.Advance(cfg.SilenceDebounce)
	h.s.handleChunk(audio.Int16sToBytes(constPCM(cfg.FrameSize, 1000)))
	h.pump()

	h.wantReports(true)
	if h.s.sm.State() != StateSpeaking {
		t.Errorf("state = %v, want speaking", h.s.sm.State())
	}
}

func TestSession_SilentChunksBypassScorer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := newHarness(t, cfg, 0.9)
	h.loud()
	for range cfg.MinSilentFrames {
		h.silent()
	}
	if n := len(h.scorer.ScoredFrames()); n != 1 {
		t.Errorf("scored frames = %d, want 1", n)
	}
	h.advance(cfg.SilenceDebounce)
	h.wantReports(true, false)
}

func TestSession_MaxSilentChunks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSilentChunks = 2
	h := newHarness(t, cfg)

	h.silent()
	h.silent()
	if h.isDone() {
		t.Fatal("closed at the silent chunk limit, want only beyond it")
	}
	h.silent()
	h.wantClosed(ReasonSilence)
}

func TestSession_LoudChunkResetsSilentCount(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSilentChunks = 2
	h := newHarness(t, cfg)

	h.silent()
	h.silent()
	h.loud()
	h.silent()
	h.silent()
	if h.isDone() {
		t.Fatal("silent counter not reset by a loud chunk")
	}
}

func TestSession_StreamTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StreamTimeout = time.Second
	cfg.InactivityTimeout = time.Minute
	cfg.MaxSilentChunks = 0
	h := newHarness(t, cfg)

	h.advance(900 * time.Millisecond)
	h.silent() // any chunk rearms
	h.advance(900 * time.Millisecond)
	if h.isDone() {
		t.Fatal("stream timeout fired although a chunk arrived")
	}
	h.advance(100 * time.Millisecond)
	h.wantClosed(ReasonStreamTimeout)
}

func TestSession_InactivityTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StreamTimeout = time.Minute
	cfg.InactivityTimeout = time.Second
	cfg.MaxSilentChunks = 0
	h := newHarness(t, cfg, 0.1)

	h.loud()
	for range 2 {
		h.advance(400 * time.Millisecond)
		h.silent() // silent chunks do not count as activity
	}
	h.advance(199 * time.Millisecond)
	if h.isDone() {
		t.Fatal("closed before the inactivity timeout")
	}
	h.advance(time.Millisecond)
	h.wantClosed(ReasonInactivity)
	if h.s.lastAudio.IsZero() {
		t.Error("lastAudio not recorded")
	}
}

func TestSession_MaxSpeakingDuration(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSpeakingDuration = time.Second
	h := newHarness(t, cfg)
	h.scorer.Default = 0.9

	for range 9 {
		h.loud()
		h.advance(100 * time.Millisecond)
	}
	if h.isDone() {
		t.Fatal("closed before max speaking duration")
	}
	h.loud()
	h.advance(100 * time.Millisecond)

	h.wantClosed(ReasonMaxSpeaking)
	h.wantReports(true, false)
}

func TestSession_ScoringErrorClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.scorer.ScoreErr = errors.New("onnx exploded")

	h.loud()
	h.wantClosed(ReasonScoring)
	_, cause := h.s.Result()
	if !errors.Is(cause, ErrScoring) {
		t.Errorf("cause = %v, want ErrScoring", cause)
	}
}

func TestSession_CleanupRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), 0.9)
	h.loud()
	h.wantReports(true)

	h.s.Stop(ReasonUserLeft)
	h.pump()
	h.wantClosed(ReasonUserLeft)
	h.wantReports(true, false)

	h.s.cleanup(ReasonShutdown, nil)
	h.s.Stop(ReasonShutdown)
	h.loud()
	h.advance(time.Minute)

	h.wantClosed(ReasonUserLeft)
	h.wantReports(true, false)
	if got := h.sub.CloseCalls(); got != 1 {
		t.Errorf("subscription Close calls = %d, want 1", got)
	}
	if got := h.scorer.Closes(); got != 1 {
		t.Errorf("scorer Close calls = %d, want 1", got)
	}
	if got := len(h.closed); got != 1 {
		t.Errorf("unregister calls = %d, want 1", got)
	}
	if got := len(h.scorer.ScoredFrames()); got != 1 {
		t.Errorf("scored frames after close = %d, want 1", got)
	}
	if got := h.clock.pending(); got != 0 {
		t.Errorf("pending timers after close = %d, want 0", got)
	}
	if h.s.boundary != nil {
		t.Error("scorer handle kept after close")
	}
}

func TestSession_NoFinalReportWhenSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), 0.1)
	h.loud()
	h.s.Stop(ReasonSpeakingStopped)
	h.pump()
	h.wantClosed(ReasonSpeakingStopped)
	h.wantReports()
}

func TestSession_CleanupContinuesAfterFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), 0.9)
	h.sub.CloseErr = errors.New("socket gone")
	h.scorer.CloseErr = errors.New("handle gone")
	h.loud()

	h.s.cleanup(ReasonStreamError, nil)

	h.wantClosed(ReasonStreamError)
	h.wantReports(true, false)
	if len(h.closed) != 1 {
		t.Error("unregister skipped after failing steps")
	}
}

func TestSession_AlreadyClosedSubscriptionIsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.sub.CloseErr = audio.ErrClosed
	h.s.cleanup(ReasonStreamEnded, nil)
	h.wantClosed(ReasonStreamEnded)
}

type panicReporter struct{}

func (panicReporter) Report(notify.Update) { panic("sink exploded") }

func TestSession_CleanupSurvivesReporterPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.s.reporter = panicReporter{}
	h.s.lastReported = reportedTrue

	h.s.cleanup(ReasonUserLeft, nil)

	h.wantClosed(ReasonUserLeft)
	if len(h.closed) != 1 {
		t.Error("unregister skipped after panicking step")
	}
}

func TestSession_RunLoopStreamEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "clean end", reason: ReasonStreamEnded},
		{name: "stream failure", err: errors.New("udp reset"), reason: ReasonStreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, testConfig())
			h.s.start()
			h.sub.End(tt.err)

			select {
			case <-h.s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session did not finish")
			}
			reason, cause := h.s.Result()
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
			if tt.err != nil && !errors.Is(cause, ErrStream) {
				t.Errorf("cause = %v, want ErrStream", cause)
			}
		})
	}
}

func TestSession_RunLoopRecoversPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), 0.9)
	h.s.reporter = panicReporter{}
	h.s.start()
	h.sub.Push(audio.AudioFrame{Data: audio.Int16sToBytes(constPCM(h.cfg.FrameSize, 1000))})

	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after panic")
	}
	if reason, _ := h.s.Result(); reason != ReasonPanic {
		t.Errorf("reason = %q, want %q", reason, ReasonPanic)
	}
}

func TestSession_InfoTracksSpeaking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), 0.9)
	if h.s.Info().Speaking {
		t.Fatal("speaking before any audio")
	}
	h.loud()
	info := h.s.Info()
	if !info.Speaking || info.Username != "alice" || info.ID != "s1" {
		t.Errorf("info = %+v", info)
	}
	if info.LastAudio.IsZero() {
		t.Error("LastAudio not set")
	}
}
