// Package mock provides test doubles for the notify package.
package mock

import (
	"context"
	"sync"

	"github.com/dcaud/dcaud/internal/notify"
)

// Recorder records every update it receives. It satisfies both
// [notify.Notifier] and the synchronous Report form used by the detector.
type Recorder struct {
	mu      sync.Mutex
	updates []notify.Update

	// Label is returned by Name. Defaults to "mock".
	Label string

	// NotifyErr is returned by Notify after recording.
	NotifyErr error

	// Block, when non-nil, makes Notify wait until it is closed or ctx is
	// done.
	Block chan struct{}
}

// Name implements [notify.Notifier].
func (r *Recorder) Name() string {
	if r.Label == "" {
		return "mock"
	}
	return r.Label
}

// Notify implements [notify.Notifier].
func (r *Recorder) Notify(ctx context.Context, u notify.Update) error {
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.record(u)
	return r.NotifyErr
}

// Report records u.
func (r *Recorder) Report(u notify.Update) { r.record(u) }

func (r *Recorder) record(u notify.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

// Updates returns a copy of everything recorded.
func (r *Recorder) Updates() []notify.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// Speaking returns the Speaking flag of each recorded update in order.
func (r *Recorder) Speaking() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Speaking
	}
	return out
}

// Len returns the number of recorded updates.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// Reset discards recorded updates.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}
