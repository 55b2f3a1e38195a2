package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/harborgate/deskhand/internal/relay"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	sent        []sentMessage
	sendErr     error
	handlers    []interface{}
	removeCount int
	channels    map[string]*discordgo.Channel // for Channel() lookups
}

type sentMessage struct {
	channelID string
	content   string
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *mockSession) handlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *mockSession) removed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeCount
}

// dispatchMessage invokes every registered MessageCreate handler, the way
// the gateway would.
func (m *mockSession) dispatchMessage(mc *discordgo.MessageCreate) {
	m.mu.Lock()
	handlers := make([]interface{}, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, mc)
		}
	}
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()

	a, err := New(AdapterOpts{
		Session:   sess,
		ChannelID: "C_DEFAULT",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	return a, sess
}

func userMessage(id, channelID, userID, text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: channelID,
			Content:   text,
			Author:    &discordgo.User{ID: userID},
		},
	}
}

// --- New tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithMockSession(t *testing.T) {
	a, err := New(AdapterOpts{Session: newMockSession()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil {
		t.Fatal("expected non-nil adapter")
	}
}

// --- Connect tests ---

func TestConnect_OpensGateway(t *testing.T) {
	_, sess := newTestAdapter(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
}

func TestConnect_RegistersGatewayHandlers(t *testing.T) {
	_, sess := newTestAdapter(t)
	// Ready, Disconnect, Resumed.
	if got := sess.handlerCount(); got != 3 {
		t.Errorf("expected 3 handlers registered, got %d", got)
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")

	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil {
		t.Fatal("expected open error")
	}
	if !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %q, want open gateway error", err.Error())
	}
	// Handlers added for the failed attempt must be removed so a retry
	// loop does not accumulate them.
	if got := sess.removed(); got != 3 {
		t.Errorf("removed handlers = %d, want 3", got)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should not error: %v", err)
	}
	if got := sess.handlerCount(); got != 3 {
		t.Errorf("second connect should not add handlers, got %d", got)
	}
}

// --- Listen tests ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_ConvertsMessages(t *testing.T) {
	a, sess := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sess.dispatchMessage(userMessage("123456789012345678", "C1", "U_ALICE", "create a task"))

	select {
	case msg := <-ch:
		if msg.ID != "123456789012345678" {
			t.Errorf("id = %q, want the snowflake", msg.ID)
		}
		if msg.ConversationID != "C1" {
			t.Errorf("conversation = %q, want C1", msg.ConversationID)
		}
		if msg.ThreadID != "" {
			t.Errorf("thread = %q, want empty for a top-level message", msg.ThreadID)
		}
		if msg.SenderID != "U_ALICE" {
			t.Errorf("sender = %q, want U_ALICE", msg.SenderID)
		}
		if msg.Text != "create a task" {
			t.Errorf("text = %q", msg.Text)
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp should come from the snowflake")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
}

func TestListen_FiltersSelfMessages(t *testing.T) {
	a, sess := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := a.Listen(ctx)

	sess.dispatchMessage(userMessage("100", "C1", "BOT_USER_ID", "bot message"))
	sess.dispatchMessage(userMessage("101", "C1", "U_ALICE", "real message"))

	select {
	case msg := <-ch:
		if msg.Text != "real message" {
			t.Errorf("expected real message first, got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestListen_FiltersBotMessages(t *testing.T) {
	a, sess := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := a.Listen(ctx)

	sess.dispatchMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "200",
			ChannelID: "C1",
			Content:   "other bot",
			Author:    &discordgo.User{ID: "OTHER_BOT", Bot: true},
		},
	})
	sess.dispatchMessage(userMessage("201", "C1", "U_BOB", "from human"))

	select {
	case msg := <-ch:
		if msg.Text != "from human" {
			t.Errorf("expected human message first, got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestListen_IgnoresNilAuthor(t *testing.T) {
	a, sess := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := a.Listen(ctx)

	sess.dispatchMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "300", ChannelID: "C1", Content: "no author"},
	})
	sess.dispatchMessage(userMessage("301", "C1", "U1", "real"))

	select {
	case msg := <-ch:
		if msg.Text != "real" {
			t.Errorf("expected real message, got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestListen_ResolvesThreadParent(t *testing.T) {
	a, sess := newTestAdapter(t)

	sess.mu.Lock()
	sess.channels["thread-999"] = &discordgo.Channel{
		ID:       "thread-999",
		Type:     discordgo.ChannelTypeGuildPublicThread,
		ParentID: "parent-channel",
	}
	sess.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := a.Listen(ctx)

	sess.dispatchMessage(userMessage("400", "thread-999", "U1", "hello from thread"))

	select {
	case msg := <-ch:
		if msg.ConversationID != "parent-channel" {
			t.Errorf("conversation = %q, want parent-channel", msg.ConversationID)
		}
		if msg.ThreadID != "thread-999" {
			t.Errorf("thread = %q, want thread-999", msg.ThreadID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestListen_ChannelClosesOnClose(t *testing.T) {
	a, _ := newTestAdapter(t)

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

// --- Send tests ---

func TestSend_PostsToConversation(t *testing.T) {
	a, sess := newTestAdapter(t)

	err := a.Send(context.Background(), relay.OutboundMessage{
		ConversationID: "C1",
		Text:           "Added listing: 9 Oak Avenue (rental)",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", sess.sentCount())
	}
	last := sess.lastSent()
	if last.channelID != "C1" {
		t.Errorf("channel = %q, want C1", last.channelID)
	}
	if last.content != "Added listing: 9 Oak Avenue (rental)" {
		t.Errorf("content = %q", last.content)
	}
}

func TestSend_ThreadTakesPriority(t *testing.T) {
	a, sess := newTestAdapter(t)

	err := a.Send(context.Background(), relay.OutboundMessage{
		ConversationID: "C1",
		ThreadID:       "thread-999",
		Text:           "reply",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.lastSent().channelID != "thread-999" {
		t.Errorf("channel = %q, want thread-999 (threads are channels)", sess.lastSent().channelID)
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	a, sess := newTestAdapter(t)

	if err := a.Send(context.Background(), relay.OutboundMessage{Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.lastSent().channelID != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", sess.lastSent().channelID)
	}
}

func TestSend_NoChannelIsPermanent(t *testing.T) {
	sess := newMockSession()
	a, _ := New(AdapterOpts{Session: sess})
	a.Connect(context.Background())

	err := a.Send(context.Background(), relay.OutboundMessage{Text: "nowhere"})
	if err == nil {
		t.Fatal("expected error for no channel")
	}
	if !relay.IsPermanent(err) {
		t.Errorf("missing channel should be permanent, got %v", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "C1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_PermanentRESTErrors(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden, Status: "403 Forbidden"},
	}

	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "C1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !relay.IsPermanent(err) {
		t.Errorf("403 should be permanent, got %v", err)
	}
}

func TestSend_RateLimitIsTransient(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"},
	}

	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "C1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if relay.IsPermanent(err) {
		t.Errorf("429 should stay retryable, got %v", err)
	}
}

// --- Close tests ---

func TestClose_ClosesSessionAndRemovesHandlers(t *testing.T) {
	a, sess := newTestAdapter(t)
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("expected session close")
	}
	// Ready, Disconnect, Resumed, MessageCreate.
	if got := sess.removed(); got != 4 {
		t.Errorf("removed handlers = %d, want 4", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

func TestConnect_ReopensAfterClose(t *testing.T) {
	a, sess := newTestAdapter(t)

	ch1, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a.Close()
	select {
	case _, ok := <-ch1:
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	ch2, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("second listen: %v", err)
	}

	sess.dispatchMessage(userMessage("500", "C1", "U_ALICE", "after reconnect"))

	select {
	case msg := <-ch2:
		if msg.Text != "after reconnect" {
			t.Errorf("text = %q, want after reconnect", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on new channel")
	}
}

// --- Verify Adapter interface compliance ---

var _ relay.Adapter = (*Adapter)(nil)
