package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborgate/deskhand/internal/relay"
)

var _ relay.Adapter = (*Adapter)(nil)

func newTestAdapter(t *testing.T, opts AdapterOpts) (*Adapter, string) {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, "http://" + a.Addr() + "/webhook/events"
}

func postJSON(t *testing.T, url, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func receiveOne(t *testing.T, ch <-chan relay.InboundMessage) relay.InboundMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("inbound channel closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	return relay.InboundMessage{}
}

// --- construction tests ---

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Error("expected error for missing listen address")
	}
}

func TestConnect_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	a, err := New(AdapterOpts{Addr: ln.Addr().String()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err == nil {
		a.Close()
		t.Error("expected bind error for occupied address")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t, AdapterOpts{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

// --- intake tests ---

func TestEvents_QueuesMessage(t *testing.T) {
	a, url := newTestAdapter(t, AdapterOpts{})
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	status, body := postJSON(t, url, `{
		"messageId": "evt-1",
		"conversationId": "conv-9",
		"threadId": "thread-3",
		"senderId": "user-42",
		"text": "add listing at 9 Pine Rd",
		"timestamp": "2026-08-25T10:00:00Z"
	}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %v)", status, http.StatusAccepted, body)
	}

	msg := receiveOne(t, ch)
	if msg.ID != "evt-1" {
		t.Errorf("ID = %q, want evt-1", msg.ID)
	}
	if msg.ConversationID != "conv-9" {
		t.Errorf("ConversationID = %q, want conv-9", msg.ConversationID)
	}
	if msg.ThreadID != "thread-3" {
		t.Errorf("ThreadID = %q, want thread-3", msg.ThreadID)
	}
	if msg.SenderID != "user-42" {
		t.Errorf("SenderID = %q, want user-42", msg.SenderID)
	}
	if msg.Text != "add listing at 9 Pine Rd" {
		t.Errorf("Text = %q", msg.Text)
	}
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, want)
	}
}

func TestEvents_StampsMissingTimestamp(t *testing.T) {
	a, url := newTestAdapter(t, AdapterOpts{})
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	status, _ := postJSON(t, url, `{"messageId":"evt-2","conversationId":"conv-1","senderId":"u","text":"hi"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", status, http.StatusAccepted)
	}

	msg := receiveOne(t, ch)
	if msg.Timestamp.IsZero() {
		t.Error("expected receipt timestamp for event without one")
	}
}

func TestEvents_AnswersChallenge(t *testing.T) {
	_, url := newTestAdapter(t, AdapterOpts{})

	status, body := postJSON(t, url, `{"type":"url_verification","challenge":"abc123"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if body["challenge"] != "abc123" {
		t.Errorf("challenge = %v, want abc123", body["challenge"])
	}
}

func TestEvents_RejectsMissingIDs(t *testing.T) {
	_, url := newTestAdapter(t, AdapterOpts{})

	cases := []struct {
		name string
		body string
	}{
		{"no message id", `{"conversationId":"conv-1","senderId":"u","text":"hi"}`},
		{"no conversation id", `{"messageId":"m-1","senderId":"u","text":"hi"}`},
		{"blank message id", `{"messageId":"  ","conversationId":"conv-1","text":"hi"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := postJSON(t, url, tc.body)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
			}
		})
	}
}

func TestEvents_RejectsMalformedJSON(t *testing.T) {
	_, url := newTestAdapter(t, AdapterOpts{})

	status, _ := postJSON(t, url, `{not json`)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

// --- send tests ---

func TestSend_NoReplyURLIsPermanent(t *testing.T) {
	a, _ := newTestAdapter(t, AdapterOpts{})

	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "conv-1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error without reply url")
	}
	if !relay.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestSend_PostsReply(t *testing.T) {
	var mu sync.Mutex
	var got outboundEvent
	reply := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer reply.Close()

	a, _ := newTestAdapter(t, AdapterOpts{ReplyURL: reply.URL})
	err := a.Send(context.Background(), relay.OutboundMessage{
		ConversationID: "conv-7",
		ThreadID:       "thread-2",
		Text:           "Created task: Call John",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ConversationID != "conv-7" {
		t.Errorf("conversationId = %q, want conv-7", got.ConversationID)
	}
	if got.ThreadID != "thread-2" {
		t.Errorf("threadId = %q, want thread-2", got.ThreadID)
	}
	if got.Text != "Created task: Call John" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestSend_ClientErrorIsPermanent(t *testing.T) {
	reply := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer reply.Close()

	a, _ := newTestAdapter(t, AdapterOpts{ReplyURL: reply.URL})
	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "c", Text: "t"})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !relay.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestSend_ServerErrorIsTransient(t *testing.T) {
	reply := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	}))
	defer reply.Close()

	a, _ := newTestAdapter(t, AdapterOpts{ReplyURL: reply.URL})
	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "c", Text: "t"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if relay.IsPermanent(err) {
		t.Errorf("expected transient error, got permanent: %v", err)
	}
}

func TestSend_RateLimitIsTransient(t *testing.T) {
	reply := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer reply.Close()

	a, _ := newTestAdapter(t, AdapterOpts{ReplyURL: reply.URL})
	err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "c", Text: "t"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if relay.IsPermanent(err) {
		t.Errorf("expected transient error, got permanent: %v", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, err := New(AdapterOpts{Addr: "127.0.0.1:0", ReplyURL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Send(context.Background(), relay.OutboundMessage{ConversationID: "c", Text: "t"}); err == nil {
		t.Error("expected error before Connect")
	}
}

// --- lifecycle tests ---

func TestClose_ClosesChannelAndStopsServer(t *testing.T) {
	a, url := newTestAdapter(t, AdapterOpts{})
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound channel not closed after Close")
	}

	if _, err := http.Post(url, "application/json", strings.NewReader(`{}`)); err == nil {
		t.Error("expected connection error after server shutdown")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t, AdapterOpts{})
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnect_ReopensAfterClose(t *testing.T) {
	a, _ := newTestAdapter(t, AdapterOpts{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen after reconnect: %v", err)
	}

	url := "http://" + a.Addr() + "/webhook/events"
	status, _ := postJSON(t, url, `{"messageId":"evt-3","conversationId":"conv-2","text":"after reconnect"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", status, http.StatusAccepted)
	}
	msg := receiveOne(t, ch)
	if msg.Text != "after reconnect" {
		t.Errorf("Text = %q, want %q", msg.Text, "after reconnect")
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, err := New(AdapterOpts{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("expected error before Connect")
	}
}
