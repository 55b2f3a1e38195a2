package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages,
// allows simulating inbound messages via SimulateInbound, and can be told to
// fail sends or connects to exercise retry paths.
type MockAdapter struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan InboundMessage
	sent         []OutboundMessage
	sendCalls    int
	failNext     int
	failWith     error
	failConnects int
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
	}
}

// Connect marks the adapter as connected. After Close a fresh inbound
// channel is created, so the adapter can be reconnected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConnects != 0 {
		if m.failConnects > 0 {
			m.failConnects--
		}
		return fmt.Errorf("mock adapter: injected connect failure")
	}
	if m.closed {
		m.inbound = make(chan InboundMessage, 100)
		m.closed = false
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message, or fails if failure injection is armed.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.sendCalls++
	if m.failNext != 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		if m.failWith != nil {
			return m.failWith
		}
		return fmt.Errorf("mock adapter: injected send failure")
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Close disconnects the adapter and closes the current inbound channel.
// Connect may be called again afterwards.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.mu.Lock()
	ch := m.inbound
	m.mu.Unlock()
	ch <- msg
}

// FailConnects makes the next n Connect calls fail. Pass a negative n to
// fail every connect until cleared.
func (m *MockAdapter) FailConnects(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
}

// FailSends makes the next n Send calls fail with a generic transient error.
// Pass a negative n to fail every send until cleared.
func (m *MockAdapter) FailSends(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = nil
}

// FailSendsWith makes the next n Send calls fail with err. Pass a negative n
// to fail every send until cleared.
func (m *MockAdapter) FailSendsWith(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = err
}

// SendCalls returns the total number of Send attempts, including failed ones.
func (m *MockAdapter) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

// LastSent returns the most recently delivered outbound message.
// Returns zero value and false if nothing has been delivered.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of delivered outbound messages.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all delivered outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
