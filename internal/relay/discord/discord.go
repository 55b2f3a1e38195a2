// Package discord implements the relay Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/harborgate/deskhand/internal/relay"
)

// session abstracts the discordgo.Session methods the adapter uses,
// enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements relay.Adapter for Discord via the Gateway WebSocket.
// Gateway reconnection is discordgo's job; the adapter only surfaces
// connection state and converts events.
type Adapter struct {
	botToken string
	channel  string // default conversation when a reply carries none

	mu        sync.Mutex
	sess      session
	botUserID string
	connected bool
	closed    bool
	inbound   chan relay.InboundMessage
	cancel    context.CancelFunc
	removeFns []func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default conversation for replies that carry none
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken: opts.BotToken,
		channel:  opts.ChannelID,
		inbound:  make(chan relay.InboundMessage, 100),
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect opens the Gateway WebSocket and registers the connection
// handlers. Calling Connect again after Close opens a fresh inbound channel.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.closed {
		a.inbound = make(chan relay.InboundMessage, 100)
		a.closed = false
	}

	// Create a real session if none was injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	var added []func()

	// Ready fires on connect and reconnect; it carries the bot user id
	// needed for self-message filtering.
	added = append(added, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (id %s)", r.User.Username, r.User.ID)
	}))
	added = append(added, a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	}))
	added = append(added, a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	}))

	if err := a.sess.Open(); err != nil {
		for _, remove := range added {
			remove()
		}
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.removeFns = append(a.removeFns, added...)
	a.connected = true
	return nil
}

// Listen registers the message handler and returns the inbound channel.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	out := a.inbound

	// Handler goroutines push into the queue; the pump owns the inbound
	// channel and its close.
	queue := make(chan relay.InboundMessage, 100)
	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(listenCtx, m, queue)
	})
	a.removeFns = append(a.removeFns, remove)
	a.mu.Unlock()

	go a.pump(listenCtx, queue, out)

	return out, nil
}

// Send posts one reply. Threads are channels in Discord, so a threaded
// reply goes straight to the thread id.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	sess := a.sess
	a.mu.Unlock()

	channelID := msg.ThreadID
	if channelID == "" {
		channelID = msg.ConversationID
	}
	if channelID == "" {
		channelID = a.channel
	}
	if channelID == "" {
		return relay.Permanent(fmt.Errorf("discord: no conversation specified"))
	}

	if _, err := sess.ChannelMessageSend(channelID, msg.Text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", classifySendError(err))
	}
	return nil
}

// Close shuts down the Gateway session and removes all handlers. The
// inbound channel closes once the pump drains. Connect may be called again
// afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	for _, remove := range a.removeFns {
		remove()
	}
	a.removeFns = nil
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user id (available once Ready fires).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user id used for self-message filtering.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// pump bridges handler goroutines to the inbound channel and owns its
// close, so a handler send can never race one.
func (a *Adapter) pump(ctx context.Context, queue <-chan relay.InboundMessage, out chan<- relay.InboundMessage) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage converts a Discord message event to an InboundMessage.
// The snowflake message id doubles as the idempotency key downstream.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate, out chan<- relay.InboundMessage) {
	if m.Author == nil {
		return
	}
	if m.Author.ID == a.BotUserID() || m.Author.Bot {
		return
	}

	// Threads are channels: a message sent inside one carries the thread
	// id as its ChannelID. Resolve the parent from the state cache so
	// downstream sees conversation plus thread.
	conversationID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		conversationID = ch.ParentID
		threadID = m.ChannelID
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	msg := relay.InboundMessage{
		ID:             m.ID,
		ConversationID: conversationID,
		ThreadID:       threadID,
		SenderID:       m.Author.ID,
		Text:           m.Content,
		Timestamp:      ts,
	}
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// classifySendError wraps Discord REST errors that cannot succeed on
// retry. Rate limits (429) and server errors stay retryable for the
// dispatcher.
func classifySendError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return relay.Permanent(err)
		}
	}
	return err
}
