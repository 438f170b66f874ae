// Package mock provides test doubles for Discord command testing.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Reply is one recorded ChannelMessageSendReply call.
type Reply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// Responder records interaction responses and message replies for test
// assertions. It satisfies discord.Responder.
type Responder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Replies records all ChannelMessageSendReply calls.
	Replies []Reply

	// Err is returned by every method when non-nil, allowing error
	// injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *Responder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *Responder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// ChannelMessageSendReply records the reply and returns a stub message.
func (m *Responder) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, Reply{ChannelID: channelID, Content: content, Reference: ref})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-reply", ChannelID: channelID, Content: content}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Responder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *Responder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// LastReply returns the most recently recorded reply and whether there was
// one.
func (m *Responder) LastReply() (Reply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Replies) == 0 {
		return Reply{}, false
	}
	return m.Replies[len(m.Replies)-1], true
}

// Reset clears all recorded calls and errors.
func (m *Responder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Replies = nil
	m.Err = nil
}
