package detect

import "time"

// Clock abstracts time so timer behaviour can be tested deterministically.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the call if it has not fired yet. It reports whether
	// the call was stopped.
	Stop() bool
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements [Clock].
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc implements [Clock].
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
