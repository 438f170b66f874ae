// Package notify delivers debounced speaking transitions to external
// consumers.
//
// A [Notifier] is one delivery sink (webhook, websocket feed, journal).
// [Dispatcher] decouples the detection sessions from delivery: it queues
// updates in arrival order and fans each one out to every sink on a single
// worker, so a slow sink never blocks audio processing and transitions reach
// consumers in the order they happened.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrDelivery marks a failed delivery to a sink. Delivery failures are
// logged and counted but never retried synchronously.
var ErrDelivery = errors.New("notify: delivery failed")

// Update is one speaking transition of one user.
type Update struct {
	GuildID   string
	UserID    string
	Username  string
	Speaking  bool
	SessionID string
	At        time.Time
}

// Payload is the JSON body sent to external consumers.
type Payload struct {
	Username string `json:"username"`
	Speaking bool   `json:"speaking"`
}

// Payload returns the wire form of u.
func (u Update) Payload() Payload {
	return Payload{Username: u.Username, Speaking: u.Speaking}
}

// Notifier delivers updates to one sink. Implementations must be safe for
// concurrent use.
type Notifier interface {
	// Name is a short label used in logs and metrics.
	Name() string

	// Notify delivers u, honouring ctx cancellation. Failures should wrap
	// [ErrDelivery].
	Notify(ctx context.Context, u Update) error
}
