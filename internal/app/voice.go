// Package app connects voice channels to the speech detector.
//
// A [VoiceManager] holds at most one voice connection per guild. It forwards
// the connection's participant events to the [Detector]: speaking start
// opens (or deduplicates) a detection session for tracked users, speaking
// stop and leave end it, and a lost connection ends every session of the
// guild. Join and Leave are serialised so a move between channels is atomic.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dcaud/dcaud/internal/detect"
	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/audio"
)

var (
	// ErrAlreadyJoined is returned by [VoiceManager.Join] when the guild is
	// already connected to the requested channel.
	ErrAlreadyJoined = errors.New("app: already in that voice channel")

	// ErrNotJoined is returned by [VoiceManager.Leave] when the guild has no
	// voice connection.
	ErrNotJoined = errors.New("app: not in a voice channel")

	// ErrClosed is returned after [VoiceManager.Close].
	ErrClosed = errors.New("app: voice manager closed")
)

// defaultEventTimeout bounds the handling of one participant event.
const defaultEventTimeout = 10 * time.Second

// Detector is the part of [detect.Detector] the manager drives.
type Detector interface {
	SpeakingStarted(ctx context.Context, src detect.Source, userID, username string) (detect.Outcome, error)
	SpeakingStopped(ctx context.Context, guildID, userID string) error
	UserLeft(ctx context.Context, guildID, userID string) error
	DisconnectGuild(ctx context.Context, guildID string) error
}

var _ Detector = (*detect.Detector)(nil)

// PlatformFunc returns the voice platform for a guild.
type PlatformFunc func(guildID string) audio.Platform

// ConnectionInfo describes one joined voice channel.
type ConnectionInfo struct {
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Option configures a [VoiceManager].
type Option func(*VoiceManager)

// WithTarget sets the speaker filter. The default tracks everyone.
func WithTarget(t *Target) Option {
	return func(m *VoiceManager) {
		if t != nil {
			m.target = t
		}
	}
}

// WithMetrics records on mt instead of [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option { return func(m *VoiceManager) { m.metrics = mt } }

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *VoiceManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEventTimeout bounds how long one participant event may take to
// handle.
func WithEventTimeout(d time.Duration) Option {
	return func(m *VoiceManager) {
		if d > 0 {
			m.eventTimeout = d
		}
	}
}

// VoiceManager owns the voice connections. All methods are safe for
// concurrent use.
type VoiceManager struct {
	platforms    PlatformFunc
	detector     Detector
	target       *Target
	metrics      *observe.Metrics
	log          *slog.Logger
	eventTimeout time.Duration

	// ops serialises Join, Leave and Close.
	ops sync.Mutex

	mu     sync.Mutex
	conns  map[string]*voiceConn
	closed bool
}

// voiceConn is one joined channel. mu is held while an event is handled so
// teardown never races a session being opened on the same connection.
type voiceConn struct {
	conn     audio.Connection
	joinedAt time.Time

	mu     sync.Mutex
	closed bool
}

// NewVoiceManager creates a manager that joins channels through platforms
// and reports speakers to detector.
func NewVoiceManager(platforms PlatformFunc, detector Detector, opts ...Option) *VoiceManager {
	m := &VoiceManager{
		platforms:    platforms,
		detector:     detector,
		target:       NewTarget(""),
		log:          slog.Default(),
		eventTimeout: defaultEventTimeout,
		conns:        make(map[string]*voiceConn),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Target returns the speaker filter.
func (m *VoiceManager) Target() *Target { return m.target }

// Join connects the guild to channelID. An existing connection to another
// channel of the guild is torn down first.
func (m *VoiceManager) Join(ctx context.Context, guildID, channelID string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cur := m.conns[guildID]
	m.mu.Unlock()

	if cur != nil {
		if cur.conn.ChannelID() == channelID {
			return ErrAlreadyJoined
		}
		m.detach(guildID, cur)
		if err := m.teardown(ctx, guildID, cur, "moved"); err != nil {
			m.log.Warn("app: teardown before move", "guild_id", guildID, "err", err)
		}
	}

	platform := m.platforms(guildID)
	if platform == nil {
		return fmt.Errorf("app: join %s: no voice platform for guild", guildID)
	}
	conn, err := platform.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("app: join %s/%s: %w", guildID, channelID, err)
	}

	vc := &voiceConn{conn: conn, joinedAt: time.Now()}
	m.mu.Lock()
	m.conns[guildID] = vc
	m.mu.Unlock()
	conn.OnParticipantChange(func(ev audio.Event) { m.handleEvent(guildID, vc, ev) })

	m.metrics.VoiceConnections.Add(ctx, 1)
	m.log.Info("app: joined voice channel",
		"guild_id", guildID,
		"channel_id", channelID,
		"target", m.target.Name(),
	)
	return nil
}

// Leave disconnects the guild and ends every detection session on it.
func (m *VoiceManager) Leave(ctx context.Context, guildID string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	cur := m.conns[guildID]
	m.mu.Unlock()
	if cur == nil {
		return ErrNotJoined
	}
	m.detach(guildID, cur)
	return m.teardown(ctx, guildID, cur, "left")
}

// Status returns the connection of guildID.
func (m *VoiceManager) Status(guildID string) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vc := m.conns[guildID]
	if vc == nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{GuildID: guildID, ChannelID: vc.conn.ChannelID(), JoinedAt: vc.joinedAt}, true
}

// Connections lists every joined channel ordered by guild.
func (m *VoiceManager) Connections() []ConnectionInfo {
	m.mu.Lock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for g, vc := range m.conns {
		out = append(out, ConnectionInfo{GuildID: g, ChannelID: vc.conn.ChannelID(), JoinedAt: vc.joinedAt})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b ConnectionInfo) int { return strings.Compare(a.GuildID, b.GuildID) })
	return out
}

// Close leaves every channel and rejects further joins.
func (m *VoiceManager) Close(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*voiceConn)
	m.mu.Unlock()

	var errs []error
	for g, vc := range conns {
		if err := m.teardown(ctx, g, vc, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// detach removes vc from the registry if it is still the guild's
// connection.
func (m *VoiceManager) detach(guildID string, vc *voiceConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[guildID] == vc {
		delete(m.conns, guildID)
	}
}

// teardown ends every session of the guild and then leaves the channel. It
// runs at most once per connection.
func (m *VoiceManager) teardown(ctx context.Context, guildID string, vc *voiceConn, reason string) error {
	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return nil
	}
	vc.closed = true
	vc.mu.Unlock()

	var errs []error
	if err := m.detector.DisconnectGuild(ctx, guildID); err != nil {
		errs = append(errs, fmt.Errorf("app: end sessions of %s: %w", guildID, err))
	}
	if err := vc.conn.Disconnect(); err != nil && !errors.Is(err, audio.ErrClosed) {
		errs = append(errs, fmt.Errorf("app: disconnect %s: %w", guildID, err))
	}
	m.metrics.VoiceConnections.Add(ctx, -1)
	m.log.Info("app: left voice channel",
		"guild_id", guildID,
		"channel_id", vc.conn.ChannelID(),
		"reason", reason,
	)
	return errors.Join(errs...)
}

func (m *VoiceManager) handleEvent(guildID string, vc *voiceConn, ev audio.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.eventTimeout)
	defer cancel()
	log := observe.Logger(ctx).With("guild_id", guildID, "user_id", ev.UserID)

	if ev.Type == audio.EventDisconnected {
		log.Warn("app: voice connection lost")
		m.detach(guildID, vc)
		if err := m.teardown(ctx, guildID, vc, "disconnected"); err != nil {
			log.Warn("app: teardown after disconnect", "err", err)
		}
		return
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.closed {
		return
	}

	switch ev.Type {
	case audio.EventJoin:
		log.Debug("app: participant joined", "username", ev.Username)

	case audio.EventSpeakingStart:
		if !m.target.Matches(ev.Username) {
			if score, ok := m.target.NearMiss(ev.Username); ok {
				log.Info("app: ignoring speaker whose name resembles the target",
					"username", ev.Username,
					"target", m.target.Name(),
					"similarity", score,
				)
			}
			return
		}
		outcome, err := m.detector.SpeakingStarted(ctx, vc.conn, ev.UserID, ev.Username)
		if err != nil {
			log.Warn("app: speaking start not handled", "username", ev.Username, "err", err)
			return
		}
		log.Debug("app: speaking start", "username", ev.Username, "outcome", outcome.String())

	case audio.EventSpeakingStop:
		if err := m.detector.SpeakingStopped(ctx, guildID, ev.UserID); err != nil {
			log.Warn("app: speaking stop not handled", "err", err)
		}

	case audio.EventLeave:
		if err := m.detector.UserLeft(ctx, guildID, ev.UserID); err != nil {
			log.Warn("app: leave not handled", "err", err)
		}
		log.Debug("app: participant left", "username", ev.Username)
	}
}
