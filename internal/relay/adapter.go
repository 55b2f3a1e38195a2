// Package relay connects the orchestration pipeline to chat platforms
// (Slack, Discord, plain webhooks).
package relay

import (
	"context"
	"errors"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage is a message received from the chat platform. The ID is the
// platform-assigned message id and serves as the idempotency key downstream.
// Immutable once received.
type InboundMessage struct {
	ID             string    // platform message identifier
	ConversationID string    // channel / DM the message arrived in
	ThreadID       string    // thread identifier (empty if top-level)
	SenderID       string    // platform user identifier
	Text           string    // raw message text
	Timestamp      time.Time // when the message was sent
}

// OutboundMessage is a reply to be sent to the chat platform.
type OutboundMessage struct {
	ConversationID string // target conversation
	ThreadID       string // thread to reply in (empty for top-level)
	Text           string // message text
}

// PermanentError marks a transport failure as non-retryable: an invalid
// conversation id, revoked credentials, a rejected payload. Retrying cannot
// help, so the dispatcher stops as soon as it sees one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable transport failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a non-retryable transport
// failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
