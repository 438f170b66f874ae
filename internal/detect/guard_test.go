package detect

import (
	"testing"
	"time"
)

func TestIgnoredEventLog(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIgnoredEventLog(5 * time.Second)

	l.Record(t0)
	l.Record(t0.Add(2 * time.Second))
	l.Record(t0.Add(4 * time.Second))
	l.Prune(t0.Add(4 * time.Second))
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}

	l.Prune(t0.Add(6 * time.Second))
	if l.Len() != 2 {
		t.Errorf("after prune Len = %d, want 2", l.Len())
	}

	l.Prune(t0.Add(time.Minute))
	if l.Len() != 0 {
		t.Errorf("after full prune Len = %d, want 0", l.Len())
	}

	l.Record(t0)
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("after Clear Len = %d, want 0", l.Len())
	}
}

func TestSessionTimers_GenerationGuards(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	type firing struct {
		k   timerKind
		gen uint64
	}
	var fired []firing
	timers := sessionTimers{clock: clock, fire: func(k timerKind, gen uint64) {
		fired = append(fired, firing{k, gen})
	}}

	timers.arm(timerDebounce, 100*time.Millisecond)
	clock.Advance(100 * time.Millisecond)
	if len(fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(fired))
	}

	// A cancel after the firing was queued makes it stale.
	timers.cancel(timerDebounce)
	if timers.accept(fired[0].k, fired[0].gen) {
		t.Error("stale firing accepted")
	}

	timers.arm(timerDebounce, 100*time.Millisecond)
	clock.Advance(100 * time.Millisecond)
	last := fired[len(fired)-1]
	if !timers.accept(last.k, last.gen) {
		t.Error("current firing rejected")
	}
	if timers.accept(last.k, last.gen) {
		t.Error("firing accepted twice")
	}
}

func TestSessionTimers_RearmReplaces(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	n := 0
	timers := sessionTimers{clock: clock, fire: func(timerKind, uint64) { n++ }}

	timers.arm(timerStream, time.Second)
	clock.Advance(900 * time.Millisecond)
	timers.arm(timerStream, time.Second)
	clock.Advance(900 * time.Millisecond)
	if n != 0 {
		t.Errorf("fired %d times, want 0 after rearm", n)
	}
	if !timers.isPending(timerStream) {
		t.Error("rearmed timer not pending")
	}
	timers.stopAll()
	clock.Advance(time.Hour)
	if n != 0 || clock.pending() != 0 {
		t.Errorf("fired=%d pending=%d after stopAll", n, clock.pending())
	}
}

func TestTimerKind_String(t *testing.T) {
	t.Parallel()
	if timerMaxSpeaking.String() != "max_speaking" {
		t.Errorf("String = %q", timerMaxSpeaking.String())
	}
}
