// Package discord provides an [audio.Platform] backed by Discord voice
// channels via bwmarrin/discordgo.
//
// The platform joins channels muted (the detector only listens) and hands
// out per-user subscriptions of 16 kHz mono PCM. It needs an open
// *discordgo.Session owned by the bot layer.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dcaud/dcaud/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// DefaultSpeakingEndDelay is how long a user may send no packets before
// speaking stop is reported.
const DefaultSpeakingEndDelay = time.Second

// Option configures a [Platform].
type Option func(*options)

type options struct {
	endDelay time.Duration
	onDrop   func(userID string)
	log      *slog.Logger
}

// WithSpeakingEndDelay overrides [DefaultSpeakingEndDelay].
func WithSpeakingEndDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.endDelay = d
		}
	}
}

// WithDropHook registers fn to be called whenever a chunk is dropped
// because a subscriber fell behind.
func WithDropHook(fn func(userID string)) Option {
	return func(o *options) { o.onDrop = fn }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{endDelay: DefaultSpeakingEndDelay, log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Platform implements [audio.Platform] for one guild. It is safe for
// concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	opts    options
}

// New creates a Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		opts:    buildOptions(opts),
	}
}

// Connect joins channelID muted and undeafened. ctx is only checked before
// the join; discordgo bounds the handshake itself.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	p.opts.log.Info("discord: joined voice channel", "guild_id", p.guildID, "channel_id", channelID)
	return newConnection(vc, p.session, p.guildID, channelID, p.opts), nil
}
