package detect

import "time"

// IgnoredEventLog is a sliding window of duplicate speaking-start signals
// for one user.
type IgnoredEventLog struct {
	window time.Duration
	times  []time.Time
}

// NewIgnoredEventLog returns an empty log with the given window.
func NewIgnoredEventLog(window time.Duration) *IgnoredEventLog {
	return &IgnoredEventLog{window: window}
}

// Prune drops entries older than the window relative to now.
func (l *IgnoredEventLog) Prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && l.times[i].Before(cutoff) {
		i++
	}
	l.times = l.times[i:]
}

// Record appends a signal seen at now.
func (l *IgnoredEventLog) Record(now time.Time) { l.times = append(l.times, now) }

// Len returns the number of entries currently held.
func (l *IgnoredEventLog) Len() int { return len(l.times) }

// Clear drops every entry.
func (l *IgnoredEventLog) Clear() { l.times = nil }

type timerKind int

const (
	timerDebounce timerKind = iota
	timerStream
	timerInactivity
	timerMaxSpeaking
	numTimers
)

var timerNames = [numTimers]string{"debounce", "stream_timeout", "inactivity", "max_speaking"}

func (k timerKind) String() string { return timerNames[k] }

// sessionTimers holds the named timers of one session. Each timer carries a
// generation number: arm and cancel bump it, so a firing that raced with a
// cancel is recognised as stale and ignored. Only the owning session
// goroutine calls these methods.
type sessionTimers struct {
	clock Clock
	fire  func(k timerKind, gen uint64)

	gen     [numTimers]uint64
	pending [numTimers]Timer
}

// arm (re)starts timer k. Any pending firing of k becomes stale.
func (t *sessionTimers) arm(k timerKind, d time.Duration) {
	t.cancel(k)
	gen := t.gen[k]
	t.pending[k] = t.clock.AfterFunc(d, func() { t.fire(k, gen) })
}

// cancel stops timer k if pending.
func (t *sessionTimers) cancel(k timerKind) {
	if t.pending[k] != nil {
		t.pending[k].Stop()
		t.pending[k] = nil
	}
	t.gen[k]++
}

// accept reports whether a firing of k with gen is current, and clears the
// pending slot if so.
func (t *sessionTimers) accept(k timerKind, gen uint64) bool {
	if gen != t.gen[k] || t.pending[k] == nil {
		return false
	}
	t.pending[k] = nil
	return true
}

func (t *sessionTimers) isPending(k timerKind) bool { return t.pending[k] != nil }

// stopAll cancels every timer.
func (t *sessionTimers) stopAll() {
	for k := range numTimers {
		t.cancel(k)
	}
}
