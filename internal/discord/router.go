package discord

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc is the signature for slash command handlers.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

// TextHandlerFunc is the signature for prefixed text command handlers. args
// holds the words after the command name.
type TextHandlerFunc func(r Responder, m *discordgo.MessageCreate, args []string)

// commandEntry stores a command definition along with its handler.
type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches slash command interactions and prefixed text
// messages to registered handlers.
type CommandRouter struct {
	mu       sync.RWMutex
	prefix   string
	commands map[string]commandEntry    // slash command name → entry
	text     map[string]TextHandlerFunc // lower-case text command name → handler
}

// NewCommandRouter creates an empty router. Text commands must start with
// prefix; an empty prefix disables them.
func NewCommandRouter(prefix string) *CommandRouter {
	return &CommandRouter{
		prefix:   prefix,
		commands: make(map[string]commandEntry),
		text:     make(map[string]TextHandlerFunc),
	}
}

// RegisterCommand registers a handler for the slash command cmd.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = commandEntry{command: cmd, handler: handler}
}

// RegisterText registers a handler for the text command name, invoked as
// prefix+name.
func (r *CommandRouter) RegisterText(name string, handler TextHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[strings.ToLower(name)] = handler
}

// ApplicationCommands returns the command definitions for registration with
// the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, entry := range r.commands {
		cmds = append(cmds, entry.command)
	}
	return cmds
}

// Handle dispatches an interaction to the appropriate handler.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
		return
	}
	name := i.ApplicationCommandData().Name

	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("discord: unknown command", "name", name)
		RespondEphemeral(resp, i, "Unknown command.")
		return
	}
	entry.handler(resp, i)
}

// HandleMessage dispatches a prefixed text message. Messages from bots,
// without the prefix or naming an unknown command are ignored. It reports
// whether a handler ran.
func (r *CommandRouter) HandleMessage(resp Responder, m *discordgo.MessageCreate) bool {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || r.prefix == "" {
		return false
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(m.Content), r.prefix)
	if !ok {
		return false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return false
	}

	r.mu.RLock()
	handler, ok := r.text[strings.ToLower(fields[0])]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	handler(resp, m, fields[1:])
	return true
}
