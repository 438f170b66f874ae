package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dcaud/dcaud/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

// subscriptionBuffer is the number of converted chunks a subscriber may lag
// behind before chunks are dropped. At 20 ms per packet this is ~1.3 s.
const subscriptionBuffer = 64

// Connection adapts a discordgo voice connection to [audio.Connection].
//
// Incoming Opus packets are attributed to users through the SSRC mapping
// announced in VoiceSpeakingUpdate, decoded per SSRC and converted to
// 16 kHz mono for the user's subscriber. Speaking start is reported on the
// first packet of a stretch and speaking stop once no packet arrived for the
// configured end delay. Joins and leaves come from VoiceStateUpdate.
//
// Events are queued under the connection lock and delivered in order by a
// single dispatch goroutine.
type Connection struct {
	vc         *discordgo.VoiceConnection
	guildID    string
	channelID  string
	botUserID  string
	endDelay   time.Duration
	onDrop     func(userID string)
	lookupName func(userID string) string
	log        *slog.Logger

	mu       sync.Mutex
	ssrcUser map[uint32]string
	names    map[string]string
	subs     map[string]*subscription
	talk     map[string]*talkState
	queue    []audio.Event
	closed   bool

	cbMu sync.Mutex
	cb   func(audio.Event)

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()
	disconnectVC  func() error
}

// talkState tracks one speaking stretch. The idle timer is created once per
// stretch; packets only move last forward.
type talkState struct {
	last  time.Time
	timer *time.Timer
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string, o options) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		botUserID:    vc.UserID,
		endDelay:     o.endDelay,
		onDrop:       o.onDrop,
		lookupName:   stateUsername(session, guildID),
		log:          o.log.With("guild_id", guildID, "channel_id", channelID),
		ssrcUser:     make(map[uint32]string),
		names:        make(map[string]string),
		subs:         make(map[string]*subscription),
		talk:         make(map[string]*talkState),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	if session != nil {
		c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	}
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop(vc.OpusRecv)
	go c.dispatchLoop()
	return c
}

// stateUsername resolves usernames from the session's member cache.
func stateUsername(s *discordgo.Session, guildID string) func(string) string {
	return func(userID string) string {
		if s == nil || s.State == nil {
			return ""
		}
		m, err := s.State.Member(guildID, userID)
		if err != nil || m.User == nil {
			return ""
		}
		return m.User.Username
	}
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// Subscribe implements [audio.Connection]. A previous subscription for the
// same user is ended.
func (c *Connection) Subscribe(userID string) (audio.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, audio.ErrClosed
	}
	if old := c.subs[userID]; old != nil {
		old.end()
	}
	s := &subscription{
		conn:   c,
		userID: userID,
		frames: make(chan audio.AudioFrame, subscriptionBuffer),
		conv:   audio.FormatConverter{Target: audio.DetectorFormat},
	}
	c.subs[userID] = s
	return s, nil
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb = cb
}

// Disconnect implements [audio.Connection]. Every subscription ends cleanly
// and queued events are discarded.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = make(map[string]*subscription)
		for _, ts := range c.talk {
			ts.timer.Stop()
		}
		c.talk = make(map[string]*talkState)
		c.queue = nil
		c.mu.Unlock()

		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		for _, s := range subs {
			s.end()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.log.Info("discord: voice connection closed")
	})
	return err
}

// Speaking reports whether userID is in a speaking stretch.
func (c *Connection) Speaking(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.talk[userID]
	return ok
}

func (c *Connection) recvLoop(packets <-chan *discordgo.Packet) {
	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt != nil {
				c.handlePacket(pkt, decoders)
			}
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet, decoders map[uint32]*opusDecoder) {
	c.mu.Lock()
	userID, known := c.ssrcUser[pkt.SSRC]
	if !known || c.closed {
		c.mu.Unlock()
		return
	}
	c.markActiveLocked(userID)
	sub := c.subs[userID]
	c.mu.Unlock()

	if sub == nil {
		return
	}
	dec := decoders[pkt.SSRC]
	if dec == nil {
		var err error
		if dec, err = newOpusDecoder(); err != nil {
			c.log.Error("discord: create decoder", "ssrc", pkt.SSRC, "err", err)
			return
		}
		decoders[pkt.SSRC] = dec
	}
	pcm, err := dec.decode(pkt.Opus)
	if err != nil {
		c.log.Warn("discord: dropping undecodable packet", "user_id", userID, "err", err)
		return
	}
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  time.Duration(pkt.Timestamp) * time.Second / opusSampleRate,
	}
	if !sub.deliver(frame) && c.onDrop != nil {
		c.onDrop(userID)
	}
}

// markActiveLocked records a packet from userID, opening a speaking
// stretch if none is running. c.mu must be held.
func (c *Connection) markActiveLocked(userID string) {
	if ts := c.talk[userID]; ts != nil {
		ts.last = time.Now()
		return
	}
	ts := &talkState{last: time.Now()}
	ts.timer = time.AfterFunc(c.endDelay, func() { c.speakingIdle(userID, ts) })
	c.talk[userID] = ts
	c.enqueueLocked(audio.Event{
		Type:     audio.EventSpeakingStart,
		GuildID:  c.guildID,
		UserID:   userID,
		Username: c.nameLocked(userID),
	})
}

// speakingIdle ends the stretch ts unless a packet arrived within the end
// delay, in which case the timer is re-armed for the remainder.
func (c *Connection) speakingIdle(userID string, ts *talkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.talk[userID] != ts {
		return
	}
	if rest := c.endDelay - time.Since(ts.last); rest > 0 {
		ts.timer.Reset(rest)
		return
	}
	delete(c.talk, userID)
	c.enqueueLocked(audio.Event{
		Type:     audio.EventSpeakingStop,
		GuildID:  c.guildID,
		UserID:   userID,
		Username: c.names[userID],
	})
}

// nameLocked returns the cached username, resolving and caching it on
// first use. c.mu must be held.
func (c *Connection) nameLocked(userID string) string {
	if n := c.names[userID]; n != "" {
		return n
	}
	n := c.lookupName(userID)
	c.names[userID] = n
	return n
}

func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcUser[uint32(su.SSRC)] = su.UserID
}

func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}
	name := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		name = vsu.Member.User.Username
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if vsu.UserID == c.botUserID {
		if vsu.ChannelID != c.channelID {
			c.enqueueLocked(audio.Event{Type: audio.EventDisconnected, GuildID: c.guildID})
		}
		return
	}

	_, known := c.names[vsu.UserID]
	wasHere := known || (vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID)

	switch {
	case vsu.ChannelID == c.channelID && !known:
		c.names[vsu.UserID] = name
		c.enqueueLocked(audio.Event{Type: audio.EventJoin, GuildID: c.guildID, UserID: vsu.UserID, Username: name})
	case vsu.ChannelID == c.channelID:
		if name != "" {
			c.names[vsu.UserID] = name
		}
	case wasHere:
		if name == "" {
			name = c.names[vsu.UserID]
		}
		c.forgetLocked(vsu.UserID)
		c.enqueueLocked(audio.Event{Type: audio.EventLeave, GuildID: c.guildID, UserID: vsu.UserID, Username: name})
	}
}

// forgetLocked drops every trace of userID. c.mu must be held.
func (c *Connection) forgetLocked(userID string) {
	delete(c.names, userID)
	if ts := c.talk[userID]; ts != nil {
		ts.timer.Stop()
		delete(c.talk, userID)
	}
	for ssrc, uid := range c.ssrcUser {
		if uid == userID {
			delete(c.ssrcUser, ssrc)
		}
	}
}

// enqueueLocked appends ev to the event queue. c.mu must be held.
func (c *Connection) enqueueLocked(ev audio.Event) {
	c.queue = append(c.queue, ev)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.cbMu.Lock()
			cb := c.cb
			c.cbMu.Unlock()
			if cb != nil {
				cb(ev)
			}
		}
	}
}

// subscription is the per-user PCM stream handed to the detector.
type subscription struct {
	conn   *Connection
	userID string
	frames chan audio.AudioFrame

	mu     sync.Mutex
	closed bool
	conv   audio.FormatConverter
}

func (s *subscription) Frames() <-chan audio.AudioFrame { return s.frames }

// Err is always nil: a Discord stream only ends by detaching or by the
// connection going away.
func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	s.conn.mu.Lock()
	if s.conn.subs[s.userID] == s {
		delete(s.conn.subs, s.userID)
	}
	s.conn.mu.Unlock()
	s.end()
	return nil
}

// deliver converts and hands frame to the subscriber without blocking. It
// reports false if the frame was dropped.
func (s *subscription) deliver(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	frame = s.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return true
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}
