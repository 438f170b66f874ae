// Package audio defines the boundary between voice transports and the
// speech detector.
//
// The abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] is a live voice channel. It hands out per-user
//     [Subscription] values carrying PCM audio and reports participant
//     lifecycle changes as [Event] values.
//
// Adapters live in sub-packages (audio/discord). The interfaces are kept
// narrow so the detector never sees transport details.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Connection.Subscribe] after the connection has
// been torn down.
var ErrClosed = errors.New("audio: connection closed")

// EventType classifies participant events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave

	// EventSpeakingStart is emitted when a participant starts transmitting.
	EventSpeakingStart

	// EventSpeakingStop is emitted when a participant stops transmitting.
	EventSpeakingStop

	// EventDisconnected is emitted once when the connection was closed by
	// the remote side (the bot was kicked or moved). UserID is empty.
	EventDisconnected
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventSpeakingStart:
		return "SPEAKING_START"
	case EventSpeakingStop:
		return "SPEAKING_STOP"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change on a voice channel.
type Event struct {
	Type EventType

	// GuildID identifies the room the event belongs to.
	GuildID string

	// UserID is the platform-specific participant identifier.
	UserID string

	// Username is the participant's display name. It may be empty when the
	// platform cannot resolve it.
	Username string
}

// Subscription is an ordered stream of PCM chunks for one participant.
//
// The channel returned by Frames is closed when the stream ends, either
// because the participant's audio was detached, the connection went away or
// the stream failed. After the channel is closed, Err reports nil for a clean
// end and a non-nil error for a failure.
type Subscription interface {
	// Frames returns the chunk channel. The same channel is returned on
	// every call.
	Frames() <-chan AudioFrame

	// Err returns the terminal error once Frames is closed.
	Err() error

	// Close detaches the subscription and closes Frames. Calling Close on
	// an already closed subscription returns nil.
	Close() error
}

// Connection represents an active voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the room this connection belongs to.
	GuildID() string

	// ChannelID returns the joined voice channel.
	ChannelID() string

	// Subscribe opens an audio stream for userID. Only one subscription per
	// user is live at a time; subscribing again closes the previous one.
	Subscribe(userID string) (Subscription, error)

	// OnParticipantChange registers cb for participant events. Only one
	// callback is kept; later calls replace it. Events are delivered in the
	// order they happened on a single goroutine; a slow cb delays the
	// events queued behind it but never the audio path.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel and closes every subscription. Calling it
	// more than once is a no-op that returns nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID. ctx bounds only the join attempt; the returned
	// Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
