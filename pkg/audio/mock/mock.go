// Package mock provides in-memory implementations of [audio.Platform],
// [audio.Connection] and [audio.Subscription] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	sub := mock.NewSubscription(16)
//	conn := &mock.Connection{Guild: "g1", SubscribeResult: sub}
//	sub.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	sub.End(nil) // clean end of stream
package mock

import (
	"context"
	"sync"

	"github.com/dcaud/dcaud/pkg/audio"
)

// ─── Subscription ─────────────────────────────────────────────────────────────

// Subscription is a mock [audio.Subscription] fed by the test.
type Subscription struct {
	frames chan audio.AudioFrame

	mu     sync.Mutex
	closed bool
	err    error

	// CloseErr is returned by every Close call that actually closes.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSubscription returns a Subscription whose channel buffers size chunks.
func NewSubscription(size int) *Subscription {
	return &Subscription{frames: make(chan audio.AudioFrame, size)}
}

// Frames implements [audio.Subscription].
func (s *Subscription) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.Subscription].
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers f to the subscriber. It reports false when the
// subscription is already closed or its buffer is full.
func (s *Subscription) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// End terminates the stream with err (nil for a clean end).
func (s *Subscription) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}

// Close implements [audio.Subscription].
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseErr
}

// Closed reports whether the stream has ended.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns CallCountClose under the lock.
func (s *Subscription) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

var _ audio.Subscription = (*Subscription)(nil)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// Guild and Channel are returned by GuildID and ChannelID.
	Guild   string
	Channel string

	// SubscribeResult is returned by Subscribe when SubscribeFunc is nil.
	// A fresh Subscription is created when both are nil.
	SubscribeResult audio.Subscription

	// SubscribeFunc, if set, builds the subscription for each call.
	SubscribeFunc func(userID string) (audio.Subscription, error)

	// SubscribeErr is returned by Subscribe when non-nil.
	SubscribeErr error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// SubscribeCalls records the userID of every Subscribe call.
	SubscribeCalls []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	cb func(audio.Event)
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.Guild }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.Channel }

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string) (audio.Subscription, error) {
	c.mu.Lock()
	c.SubscribeCalls = append(c.SubscribeCalls, userID)
	fn, res, err := c.SubscribeFunc, c.SubscribeResult, c.SubscribeErr
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(userID)
	}
	if res != nil {
		return res, nil
	}
	return NewSubscription(64), nil
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitEvent synchronously invokes the registered callback with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Subscribed returns a copy of SubscribeCalls.
func (c *Connection) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.SubscribeCalls...)
}

// Disconnects returns CallCountDisconnect under the lock.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect.
	ConnectError error

	// ConnectCalls records the channelID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Connects returns a copy of ConnectCalls.
func (p *Platform) Connects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ConnectCalls...)
}

var _ audio.Platform = (*Platform)(nil)
