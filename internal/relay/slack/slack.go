// Package slack implements the relay Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harborgate/deskhand/internal/relay"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// baseBackoff is the initial wait before rerunning a failed socket.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff between socket runs.
	maxBackoff = 2 * time.Minute
	// maxSocketRuns limits socket restarts before the adapter drops the
	// connection and lets the relay daemon rebuild it from scratch.
	maxSocketRuns = 10
)

// apiClient abstracts the Slack Web API methods the adapter uses, enabling
// test mocks.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// socketRunner abstracts the Socket Mode client methods the adapter uses.
type socketRunner interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketRunner wraps *socketmode.Client to implement socketRunner.
type realSocketRunner struct {
	client *socketmode.Client
}

func (r *realSocketRunner) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketRunner) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketRunner) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// permanentSendErrors are Slack API errors that retrying cannot fix. The
// dispatcher stops immediately and dead-letters when it sees one.
var permanentSendErrors = map[string]bool{
	"channel_not_found": true,
	"is_archived":       true,
	"not_in_channel":    true,
	"msg_too_long":      true,
	"no_text":           true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
}

// Adapter implements relay.Adapter for Slack Socket Mode.
type Adapter struct {
	appToken string
	botToken string
	channel  string // default conversation when a reply carries none

	mu        sync.Mutex
	client    apiClient
	socket    socketRunner
	botUserID string
	connected bool
	closed    bool
	inbound   chan relay.InboundMessage
	cancel    context.CancelFunc

	baseBackoff time.Duration // socket restart base backoff (default: baseBackoff const)
	maxBackoff  time.Duration // socket restart backoff cap (default: maxBackoff const)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // default conversation for replies that carry none
	// For testing: inject mock clients instead of the real Slack API.
	Client apiClient
	Socket socketRunner
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:    opts.AppToken,
		botToken:    opts.BotToken,
		channel:     opts.ChannelID,
		inbound:     make(chan relay.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

// Connect verifies credentials and resolves the bot user id for self-message
// filtering. Calling Connect again after Close opens a fresh inbound channel.
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

	// Create real clients if none were injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketRunner{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound channel.
// The channel closes when the adapter is closed or the socket gives up,
// which is the daemon's cue to reconnect. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	out := a.inbound
	a.mu.Unlock()

	go a.runSocket(listenCtx)
	go a.pumpEvents(listenCtx, out)

	return out, nil
}

// Send posts one reply to Slack. Rate-limit errors propagate typed so the
// dispatcher can honor Retry-After inside its own delivery budget; API
// errors that retrying cannot fix come back wrapped as permanent.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	client := a.client
	a.mu.Unlock()

	channel := msg.ConversationID
	if channel == "" {
		channel = a.channel
	}
	if channel == "" {
		return relay.Permanent(fmt.Errorf("slack: no conversation specified"))
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}

	if _, _, err := client.PostMessageContext(ctx, channel, options...); err != nil {
		return fmt.Errorf("slack: post message: %w", classifySendError(err))
	}
	return nil
}

// Close tears down the socket and stops the event pump. The inbound channel
// closes once the pump drains. Connect may be called again afterwards.
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
	return nil
}

// BotUserID returns the bot's Slack user id (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runSocket keeps the Socket Mode client running, restarting it with
// exponential backoff after failures. After maxSocketRuns consecutive
// failures it drops the connection so the inbound channel closes and the
// relay daemon takes over reconnection.
func (a *Adapter) runSocket(ctx context.Context) {
	for attempt := 0; attempt < maxSocketRuns; attempt++ {
		err := a.socket.RunContext(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, retrying in %v",
			attempt+1, maxSocketRuns, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode failed %d times, dropping connection", maxSocketRuns)
	a.dropConnection()
}

// dropConnection abandons the current socket. The pump exits on the
// cancelled context and closes the inbound channel behind it.
func (a *Adapter) dropConnection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// pumpEvents converts Socket Mode events to inbound messages. The pump owns
// the channel close so a send can never race one.
func (a *Adapter) pumpEvents(ctx context.Context, out chan<- relay.InboundMessage) {
	defer close(out)
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt, out)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event, out chan<- relay.InboundMessage) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge receipt before processing. Orchestration idempotency
		// lives downstream, keyed on the message ts.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(ctx, apiEvent, out)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent, out chan<- relay.InboundMessage) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ctx, ev, out)
	}
}

// handleMessage converts a Slack message event to an InboundMessage. The
// message ts doubles as the idempotency key downstream, so edits, deletes,
// and other subtypes are dropped rather than replayed under a stale id.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent, out chan<- relay.InboundMessage) {
	// Filter the bot's own messages, other bots, and subtypes.
	if ev.User != "" && ev.User == a.BotUserID() {
		return
	}
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	msg := relay.InboundMessage{
		ID:             ev.TimeStamp,
		ConversationID: ev.Channel,
		ThreadID:       ev.ThreadTimeStamp,
		SenderID:       ev.User,
		Text:           ev.Text,
		Timestamp:      parseSlackTimestamp(ev.TimeStamp),
	}
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// classifySendError wraps Slack API errors that cannot succeed on retry.
// Rate limits and transport blips pass through untouched.
func classifySendError(err error) error {
	if permanentSendErrors[err.Error()] {
		return relay.Permanent(err)
	}
	return err
}

// parseSlackTimestamp converts a Slack ts (e.g. "1234567890.123456") to a
// time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
