// Package commands implements the dcaud slash and text commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dcaud/dcaud/internal/app"
	"github.com/dcaud/dcaud/internal/detect"
	"github.com/dcaud/dcaud/internal/discord"
)

// commandTimeout bounds a join or leave triggered by a command.
const commandTimeout = 30 * time.Second

// embedColorGreen is the status embed sidebar color while listening.
const embedColorGreen = 0x2ECC71

// Voice is the voice manager the commands drive. *app.VoiceManager
// satisfies it.
type Voice interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context, guildID string) error
	Status(guildID string) (app.ConnectionInfo, bool)
	Target() *app.Target
}

// Sessions lists the active detection sessions. *detect.Detector satisfies
// it.
type Sessions interface {
	Snapshot() []detect.SessionInfo
}

// ChannelLocator returns the voice channel a member is connected to.
type ChannelLocator func(guildID, userID string) (string, bool)

// VoiceCommands holds the dependencies for /join, /leave, /status and the
// matching text commands.
type VoiceCommands struct {
	voice    Voice
	sessions Sessions
	locate   ChannelLocator
	perms    *discord.PermissionChecker
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router.
func NewVoiceCommands(bot *discord.Bot, voice Voice, sessions Sessions) *VoiceCommands {
	vc := &VoiceCommands{
		voice:    voice,
		sessions: sessions,
		locate:   bot.UserVoiceChannel,
		perms:    bot.Permissions(),
	}
	vc.Register(bot.Router())
	return vc
}

// Register registers the slash and text commands with router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	defs := vc.Definitions()
	router.RegisterCommand(defs[0], vc.handleJoin)
	router.RegisterCommand(defs[1], vc.handleLeave)
	router.RegisterCommand(defs[2], vc.handleStatus)
	router.RegisterText("join", vc.handleTextJoin)
	router.RegisterText("leave", vc.handleTextLeave)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: "join", Description: "Listen to your current voice channel"},
		{Name: "leave", Description: "Stop listening and leave the voice channel"},
		{Name: "status", Description: "Show the voice channel and active speaking sessions"},
	}
}

// handleJoin handles /join.
func (vc *VoiceCommands) handleJoin(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	if !vc.perms.Allowed(i.Member) {
		discord.RespondEphemeral(r, i, "You need the control role to move the bot.")
		return
	}

	// Defer since joining a voice channel may take a moment.
	discord.DeferReply(r, i)
	discord.FollowUp(r, i, vc.join(i.GuildID, interactionUserID(i)))
}

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	if !vc.perms.Allowed(i.Member) {
		discord.RespondEphemeral(r, i, "You need the control role to move the bot.")
		return
	}
	discord.RespondEphemeral(r, i, vc.leave(i.GuildID))
}

// handleStatus handles /status.
func (vc *VoiceCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	info, ok := vc.voice.Status(i.GuildID)
	if !ok {
		discord.RespondEphemeral(r, i, "Not in a voice channel.")
		return
	}
	discord.RespondEmbed(r, i, vc.statusEmbed(info))
}

func (vc *VoiceCommands) handleTextJoin(r discord.Responder, m *discordgo.MessageCreate, _ []string) {
	if m.GuildID == "" {
		return
	}
	if !vc.perms.Allowed(m.Member) {
		discord.Reply(r, m, "You need the control role to move the bot.")
		return
	}
	discord.Reply(r, m, vc.join(m.GuildID, m.Author.ID))
}

func (vc *VoiceCommands) handleTextLeave(r discord.Responder, m *discordgo.MessageCreate, _ []string) {
	if m.GuildID == "" {
		return
	}
	if !vc.perms.Allowed(m.Member) {
		discord.Reply(r, m, "You need the control role to move the bot.")
		return
	}
	discord.Reply(r, m, vc.leave(m.GuildID))
}

// join moves the bot into userID's voice channel and returns the reply text.
func (vc *VoiceCommands) join(guildID, userID string) string {
	channelID, ok := vc.locate(guildID, userID)
	if !ok {
		return "Join a voice channel first."
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.voice.Join(ctx, guildID, channelID)
	switch {
	case errors.Is(err, app.ErrAlreadyJoined):
		return fmt.Sprintf("Already listening in <#%s>.", channelID)
	case err != nil:
		return fmt.Sprintf("Could not join <#%s>: %v", channelID, err)
	}
	return fmt.Sprintf("Listening in <#%s>. %s", channelID, trackingLine(vc.voice.Target().Name()))
}

// leave disconnects the guild and returns the reply text.
func (vc *VoiceCommands) leave(guildID string) string {
	info, _ := vc.voice.Status(guildID)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.voice.Leave(ctx, guildID)
	switch {
	case errors.Is(err, app.ErrNotJoined):
		return "Not in a voice channel."
	case err != nil:
		return fmt.Sprintf("Left <#%s> with errors: %v", info.ChannelID, err)
	}
	return fmt.Sprintf("Left <#%s>.", info.ChannelID)
}

func (vc *VoiceCommands) statusEmbed(info app.ConnectionInfo) *discordgo.MessageEmbed {
	var speaking []string
	active := 0
	if vc.sessions != nil {
		for _, s := range vc.sessions.Snapshot() {
			if s.GuildID != info.GuildID {
				continue
			}
			active++
			if s.Speaking {
				speaking = append(speaking, s.Username)
			}
		}
	}
	now := "nobody"
	if len(speaking) > 0 {
		now = strings.Join(speaking, ", ")
	}

	return &discordgo.MessageEmbed{
		Title: "Speech detection",
		Color: embedColorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", info.ChannelID), Inline: true},
			{Name: "Listening for", Value: time.Since(info.JoinedAt).Truncate(time.Second).String(), Inline: true},
			{Name: "Target", Value: targetValue(vc.voice.Target().Name()), Inline: true},
			{Name: "Active sessions", Value: fmt.Sprintf("%d", active), Inline: true},
			{Name: "Speaking now", Value: now, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func trackingLine(target string) string {
	if target == "" {
		return "Tracking everyone."
	}
	return fmt.Sprintf("Tracking **%s**.", target)
}

func targetValue(target string) string {
	if target == "" {
		return "everyone"
	}
	return target
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
