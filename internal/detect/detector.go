// Package detect turns a user's PCM stream into debounced speaking
// transitions.
//
// A [Detector] keeps at most one [Session] per (guild, user). Each session
// runs on its own goroutine: chunks are cut into fixed frames by a
// [FrameAssembler], scored through a [Boundary] around the VAD engine, and
// folded into a [SpeechStateMachine]. Guards end a session on stream
// timeouts, inactivity, excessive silence, overlong speech and scorer
// faults. Every ending funnels into the same one-shot teardown.
package detect

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/audio"
	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// Key identifies a session.
type Key struct {
	GuildID string
	UserID  string
}

// Source opens per-user audio streams. [audio.Connection] satisfies it.
type Source interface {
	GuildID() string
	Subscribe(userID string) (audio.Subscription, error)
}

// Outcome describes what SpeakingStarted did.
type Outcome int

const (
	// OutcomeOpened means a new session was started.
	OutcomeOpened Outcome = iota

	// OutcomeIgnored means a session was already active and the signal was
	// recorded as a duplicate.
	OutcomeIgnored

	// OutcomeReplaced means a stale or repeatedly re-triggered session was
	// closed and a fresh one started.
	OutcomeReplaced
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOpened:
		return "opened"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClock replaces the wall clock. Used in tests.
func WithClock(c Clock) Option { return func(d *Detector) { d.clock = c } }

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(d *Detector) { d.metrics = m } }

// WithLogger sets the detector logger.
func WithLogger(l *slog.Logger) Option { return func(d *Detector) { d.log = l } }

// Detector is the session registry. Lifecycle operations (start, stop,
// leave, disconnect, shutdown) are serialised, so closing a stale session
// and opening its replacement happen atomically with respect to each other.
// All methods are safe for concurrent use.
type Detector struct {
	engine   vad.Engine
	reporter Reporter
	clock    Clock
	metrics  *observe.Metrics
	log      *slog.Logger

	lifecycle sync.Mutex

	mu       sync.Mutex
	cfg      Config
	sessions map[Key]*Session
	ignored  map[Key]*IgnoredEventLog
	closed   bool
}

// New builds a detector. cfg is validated and checked against engine; a
// mismatch wraps [ErrConfiguration].
func New(cfg Config, engine vad.Engine, reporter Reporter, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := CheckEngine(cfg, engine); err != nil {
		return nil, err
	}
	d := &Detector{
		engine:   engine,
		reporter: reporter,
		clock:    RealClock{},
		log:      slog.Default(),
		cfg:      cfg,
		sessions: make(map[Key]*Session),
		ignored:  make(map[Key]*IgnoredEventLog),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Config returns the tunables used for new sessions.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the tunables. Running sessions keep the values they
// started with.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := CheckEngine(cfg, d.engine); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// SpeakingStarted handles a speaking-start signal for userID on src.
//
// Without an active session one is opened. With an active session the
// signal is a duplicate: it is dropped and logged unless the session has
// been idle for the inactivity timeout or enough duplicates have already
// been dropped within the window, in which case the session is closed and a
// fresh one opened.
func (d *Detector) SpeakingStarted(ctx context.Context, src Source, userID, username string) (Outcome, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	key := Key{GuildID: src.GuildID(), UserID: userID}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return OutcomeIgnored, ErrClosed
	}
	cfg := d.cfg
	cur := d.sessions[key]
	d.mu.Unlock()

	outcome := OutcomeOpened
	if cur != nil {
		if !cur.isStopping() {
			now := d.clock.Now()
			log := d.ignoredLog(key)
			log.Prune(now)
			if log.Len() < cfg.MaxIgnoredEvents && !cur.stale(now, cfg.InactivityTimeout) {
				log.Record(now)
				d.metrics.IgnoredStarts.Add(ctx, 1)
				d.log.Debug("detect: duplicate speaking start ignored",
					"guild_id", key.GuildID,
					"user_id", key.UserID,
					"ignored", log.Len(),
				)
				return OutcomeIgnored, nil
			}
			d.log.Info("detect: replacing session",
				"guild_id", key.GuildID,
				"user_id", key.UserID,
				"session_id", cur.ID(),
				"ignored", log.Len(),
			)
			cur.Stop(ReasonReplaced)
		}
		if err := waitDone(ctx, cur); err != nil {
			return OutcomeIgnored, err
		}
		outcome = OutcomeReplaced
	}

	if err := d.open(ctx, src, key, username, cfg); err != nil {
		return OutcomeIgnored, err
	}
	return outcome, nil
}

func (d *Detector) open(ctx context.Context, src Source, key Key, username string, cfg Config) error {
	sub, err := src.Subscribe(key.UserID)
	if err != nil {
		return fmt.Errorf("detect: subscribe %s: %w: %w", key.UserID, ErrStream, err)
	}
	b, err := Acquire(d.engine, cfg.ScoreTimeout)
	if err != nil {
		if cerr := sub.Close(); cerr != nil && !errors.Is(cerr, audio.ErrClosed) {
			d.log.Warn("detect: close subscription after failed acquire", "err", cerr)
		}
		return err
	}

	s := newSession(context.WithoutCancel(ctx), sessionParams{
		key:      key,
		id:       uuid.NewString(),
		username: username,
		cfg:      cfg,
		clock:    d.clock,
		reporter: d.reporter,
		metrics:  d.metrics,
		onClosed: d.remove,
		sub:      sub,
		boundary: b,
	})

	d.mu.Lock()
	d.sessions[key] = s
	delete(d.ignored, key)
	d.mu.Unlock()

	d.metrics.RecordSessionOpened(ctx)
	s.start()
	return nil
}

func (d *Detector) ignoredLog(key Key) *IgnoredEventLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.ignored[key]
	if !ok {
		l = NewIgnoredEventLog(d.cfg.IgnoredEventWindow)
		d.ignored[key] = l
	}
	return l
}

// remove unregisters s if it is still the registered session for its key.
func (d *Detector) remove(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[s.key]; ok && cur == s {
		delete(d.sessions, s.key)
		delete(d.ignored, s.key)
	}
}

// SpeakingStopped ends the user's session, if any, and waits for teardown.
func (d *Detector) SpeakingStopped(ctx context.Context, guildID, userID string) error {
	return d.stopKey(ctx, Key{GuildID: guildID, UserID: userID}, ReasonSpeakingStopped)
}

// UserLeft ends the session of a user who left the voice channel.
func (d *Detector) UserLeft(ctx context.Context, guildID, userID string) error {
	return d.stopKey(ctx, Key{GuildID: guildID, UserID: userID}, ReasonUserLeft)
}

func (d *Detector) stopKey(ctx context.Context, key Key, reason string) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	s := d.sessions[key]
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	s.Stop(reason)
	return waitDone(ctx, s)
}

// DisconnectGuild ends every session of guildID, used when the voice
// connection goes away.
func (d *Detector) DisconnectGuild(ctx context.Context, guildID string) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.stopWhere(ctx, ReasonDisconnect, func(k Key) bool { return k.GuildID == guildID })
}

// Shutdown ends every session and rejects further starts. It returns when
// all sessions are torn down or ctx is done.
func (d *Detector) Shutdown(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.stopWhere(ctx, ReasonShutdown, func(Key) bool { return true })
}

func (d *Detector) stopWhere(ctx context.Context, reason string, match func(Key) bool) error {
	d.mu.Lock()
	var targets []*Session
	for k, s := range d.sessions {
		if match(k) {
			targets = append(targets, s)
		}
	}
	d.mu.Unlock()

	for _, s := range targets {
		s.Stop(reason)
	}
	var errs []error
	for _, s := range targets {
		if err := waitDone(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot lists the active sessions ordered by guild and user.
func (d *Detector) Snapshot() []SessionInfo {
	d.mu.Lock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.Info())
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return cmp.Or(cmp.Compare(a.GuildID, b.GuildID), cmp.Compare(a.UserID, b.UserID))
	})
	return out
}

// Active reports whether a session exists for the key.
func (d *Detector) Active(guildID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[Key{GuildID: guildID, UserID: userID}]
	return ok
}

func waitDone(ctx context.Context, s *Session) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("detect: wait for session %s: %w", s.ID(), ctx.Err())
	}
}
