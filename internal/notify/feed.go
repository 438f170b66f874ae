package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// FeedEvent is the message pushed to websocket clients.
type FeedEvent struct {
	Username  string    `json:"username"`
	Speaking  bool      `json:"speaking"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

const (
	feedClientBuffer = 32
	feedWriteTimeout = 5 * time.Second
)

type feedClient struct {
	send chan FeedEvent
	// gone is closed when the feed drops the client.
	gone chan struct{}
	once sync.Once
}

func (c *feedClient) drop() { c.once.Do(func() { close(c.gone) }) }

// Feed is a live websocket broadcast of speaking transitions, served at
// /ws. A client that cannot keep up is disconnected rather than slowing
// the other clients down.
type Feed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
	origins []string
}

// NewFeed returns an empty feed. originPatterns are passed to
// [websocket.AcceptOptions]; empty means same-origin only.
func NewFeed(originPatterns ...string) *Feed {
	return &Feed{
		clients: make(map[*feedClient]struct{}),
		origins: originPatterns,
	}
}

// Name implements [Notifier].
func (f *Feed) Name() string { return "websocket" }

// Notify implements [Notifier]. It never blocks on a client.
func (f *Feed) Notify(_ context.Context, u Update) error {
	ev := FeedEvent{
		Username:  u.Username,
		Speaking:  u.Speaking,
		GuildID:   u.GuildID,
		UserID:    u.UserID,
		SessionID: u.SessionID,
		At:        u.At,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- ev:
		default:
			slog.Warn("notify: websocket client too slow, disconnecting")
			delete(f.clients, c)
			c.drop()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		slog.Warn("notify: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &feedClient{send: make(chan FeedEvent, feedClientBuffer), gone: make(chan struct{})}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	defer f.remove(c)

	// The feed is write-only; CloseRead handles pings and notices the
	// client closing.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(websocket.StatusPolicyViolation, "client too slow or feed closed")
			return
		case ev := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				slog.Debug("notify: websocket write failed", "err", err)
				return
			}
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
	c.drop()
}

// Close disconnects every client and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.drop()
	}
}
