package detect

import "time"

// SpeechState is the debounced speaking state of a session.
type SpeechState int

const (
	// StateSilent is the initial state.
	StateSilent SpeechState = iota

	// StateSpeaking is entered when a frame scores above the threshold.
	StateSpeaking
)

// String returns the lower-case state name.
func (s SpeechState) String() string {
	if s == StateSpeaking {
		return "speaking"
	}
	return "silent"
}

// Effects tells the session what a state machine step requires. The state
// machine itself owns no timers and sends no notifications.
type Effects struct {
	// Entered is set on the Silent → Speaking edge.
	Entered bool

	// Exited is set on the Speaking → Silent edge.
	Exited bool

	// ArmDebounce asks for the silence debounce timer to be started.
	ArmDebounce bool

	// CancelDebounce asks for a pending debounce timer to be cancelled.
	CancelDebounce bool
}

// SpeechStateMachine converts per-frame scores into debounced transitions.
//
// A score strictly above the threshold enters (or sustains) Speaking. While
// Speaking, each score at or below the threshold counts as a quiet frame;
// once minSilentFrames consecutive quiet frames are seen the debounce timer
// is armed, at most once per quiet stretch. Only DebounceElapsed or
// ForceSilent leave Speaking.
type SpeechStateMachine struct {
	threshold       float64
	minSilentFrames int

	state           SpeechState
	silentFrames    int
	debouncePending bool
	speakingStart   time.Time
}

// NewSpeechStateMachine returns a machine in StateSilent.
func NewSpeechStateMachine(threshold float64, minSilentFrames int) *SpeechStateMachine {
	return &SpeechStateMachine{threshold: threshold, minSilentFrames: minSilentFrames}
}

// Observe feeds one score observed at now.
func (m *SpeechStateMachine) Observe(score float64, now time.Time) Effects {
	var eff Effects
	if score > m.threshold {
		m.silentFrames = 0
		if m.debouncePending {
			m.debouncePending = false
			eff.CancelDebounce = true
		}
		if m.state == StateSilent {
			m.state = StateSpeaking
			m.speakingStart = now
			eff.Entered = true
		}
		return eff
	}

	m.silentFrames++
	if m.state == StateSpeaking && m.silentFrames >= m.minSilentFrames && !m.debouncePending {
		m.debouncePending = true
		eff.ArmDebounce = true
	}
	return eff
}

// DebounceElapsed handles the debounce timer firing.
func (m *SpeechStateMachine) DebounceElapsed() Effects {
	if !m.debouncePending {
		return Effects{}
	}
	m.debouncePending = false
	return m.exit()
}

// ForceSilent leaves Speaking immediately, cancelling any pending debounce.
func (m *SpeechStateMachine) ForceSilent() Effects {
	var eff Effects
	if m.debouncePending {
		m.debouncePending = false
		eff.CancelDebounce = true
	}
	x := m.exit()
	eff.Exited = x.Exited
	return eff
}

func (m *SpeechStateMachine) exit() Effects {
	if m.state != StateSpeaking {
		return Effects{}
	}
	m.state = StateSilent
	m.speakingStart = time.Time{}
	return Effects{Exited: true}
}

// Reset returns the machine to its initial state.
func (m *SpeechStateMachine) Reset() {
	m.state = StateSilent
	m.silentFrames = 0
	m.debouncePending = false
	m.speakingStart = time.Time{}
}

// State returns the current state.
func (m *SpeechStateMachine) State() SpeechState { return m.state }

// SilentFrames returns the consecutive quiet observation count.
func (m *SpeechStateMachine) SilentFrames() int { return m.silentFrames }

// SpeakingSince returns when the current speaking stretch began, or the zero
// time when Silent.
func (m *SpeechStateMachine) SpeakingSince() time.Time { return m.speakingStart }

// DebouncePending reports whether the debounce timer should be running.
func (m *SpeechStateMachine) DebouncePending() bool { return m.debouncePending }
