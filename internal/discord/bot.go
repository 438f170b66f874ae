// Package discord provides the Discord bot layer for dcaud. It owns the
// discordgo.Session lifecycle, routes slash commands and prefixed text
// commands to registered handlers, and hands out one voice platform per
// guild.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/dcaud/dcaud/pkg/audio"
	discordaudio "github.com/dcaud/dcaud/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string

	// CommandPrefix prefixes text commands. Empty disables them.
	CommandPrefix string

	// ControlRoleID restricts join and leave to members with this role.
	ControlRoleID string

	// AudioOptions configure every voice platform the bot creates.
	AudioOptions []discordaudio.Option
}

// Bot owns the Discord gateway connection and routes commands to registered
// handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	audioOpts []discordaudio.Option
	platforms map[string]*discordaudio.Platform
	commands  []*discordgo.ApplicationCommand
	connected atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction and
// message handlers.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	b := &Bot{
		session:   session,
		router:    NewCommandRouter(cfg.CommandPrefix),
		perms:     NewPermissionChecker(cfg.ControlRoleID),
		guildID:   cfg.GuildID,
		audioOpts: cfg.AudioOptions,
		platforms: make(map[string]*discordaudio.Platform),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		b.router.HandleMessage(s, m)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) { b.connected.Store(true) })
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		slog.Warn("discord: gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.connected.Store(true)

	return b, nil
}

// Platform returns the voice platform for guildID, creating it on first use.
// Its signature matches app.PlatformFunc.
func (b *Bot) Platform(guildID string) audio.Platform {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.platforms[guildID]
	if !ok {
		p = discordaudio.New(b.session, guildID, b.audioOpts...)
		b.platforms[guildID] = p
	}
	return p
}

// UserVoiceChannel returns the voice channel userID is in, from the
// session's state cache.
func (b *Bot) UserVoiceChannel(guildID, userID string) (string, bool) {
	b.mu.RLock()
	s := b.session
	b.mu.RUnlock()
	if s == nil || s.State == nil {
		return "", false
	}
	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Connected reports whether the gateway connection is up.
func (b *Bot) Connected() bool { return b.connected.Load() }

// GuildID returns the configured guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}
		b.connected.Store(false)

		slog.Info("discord bot closed")
	})
	return closeErr
}
