// Package webhook implements the relay Adapter as a plain HTTP intake for
// platforms without a native adapter. Events arrive by POST; replies go out
// to a configured reply URL, or nowhere.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harborgate/deskhand/internal/relay"
)

// inboundEvent is the JSON envelope accepted by the events endpoint. The
// same endpoint answers Slack-style url_verification challenges so the hook
// can be registered with an events provider.
type inboundEvent struct {
	Type           string    `json:"type"`
	Challenge      string    `json:"challenge"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ThreadID       string    `json:"threadId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"` // RFC 3339, defaults to receipt time
}

// outboundEvent is the JSON body posted to the reply URL.
type outboundEvent struct {
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId,omitempty"`
	Text           string `json:"text"`
}

// Adapter implements relay.Adapter over HTTP.
type Adapter struct {
	addr     string
	replyURL string
	client   *http.Client

	mu        sync.Mutex
	ln        net.Listener
	srv       *http.Server
	connected bool
	closed    bool
	inbound   chan relay.InboundMessage
}

// AdapterOpts holds parameters for creating a webhook Adapter.
type AdapterOpts struct {
	Addr     string // listen address, e.g. ":9090"
	ReplyURL string // where Send posts replies; empty makes Send fail permanent
	// For testing: inject an HTTP client for outbound replies.
	Client *http.Client
}

// New creates a webhook Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("webhook: listen address is required")
	}

	a := &Adapter{
		addr:     opts.Addr,
		replyURL: opts.ReplyURL,
		client:   opts.Client,
		inbound:  make(chan relay.InboundMessage, 100),
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 10 * time.Second}
	}
	return a, nil
}

// Connect binds the listen address and starts serving the events endpoint.
// Calling Connect again after Close opens a fresh inbound channel.
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

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/webhook/events", a.handleEvent)

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("webhook: listen on %s: %w", a.addr, err)
	}
	a.ln = ln
	a.srv = &http.Server{Handler: router}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("webhook: serve: %v", err)
		}
	}(a.srv, ln)

	a.connected = true
	return nil
}

// Listen returns the inbound channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("webhook: not connected")
	}
	return a.inbound, nil
}

// Send posts the reply to the configured reply URL. Webhook intake is
// one-way, so without a reply URL the failure is permanent: the dispatcher
// dead-letters instead of retrying.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("webhook: not connected")
	}
	a.mu.Unlock()

	if a.replyURL == "" {
		return relay.Permanent(fmt.Errorf("webhook: no reply url configured"))
	}

	body, err := json.Marshal(outboundEvent{
		ConversationID: msg.ConversationID,
		ThreadID:       msg.ThreadID,
		Text:           msg.Text,
	})
	if err != nil {
		return relay.Permanent(fmt.Errorf("webhook: encode reply: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.replyURL, bytes.NewReader(body))
	if err != nil {
		return relay.Permanent(fmt.Errorf("webhook: build reply request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook: reply endpoint returned %s", resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return relay.Permanent(err)
	}
	return err
}

// Close stops the HTTP server, waits for in-flight requests, then closes
// the inbound channel. Connect may be called again afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	srv := a.srv
	inbound := a.inbound
	a.srv = nil
	a.ln = nil
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("webhook: shutdown: %w", err)
		}
	}
	close(inbound)
	return nil
}

// Addr returns the bound listen address (useful with ":0").
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// handleEvent accepts one events POST: either a url_verification challenge
// or a chat message to queue for orchestration.
func (a *Adapter) handleEvent(c *gin.Context) {
	var ev inboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if ev.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": ev.Challenge})
		return
	}

	if strings.TrimSpace(ev.MessageID) == "" || strings.TrimSpace(ev.ConversationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageId and conversationId are required"})
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := relay.InboundMessage{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		ThreadID:       ev.ThreadID,
		SenderID:       ev.SenderID,
		Text:           ev.Text,
		Timestamp:      ts,
	}

	a.mu.Lock()
	out := a.inbound
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	select {
	case out <- msg:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
	}
}
