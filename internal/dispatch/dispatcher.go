// Package dispatch delivers acknowledgments to the originating conversation
// with retry, backoff, and a dead-letter path for the undeliverable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/relay"
	"github.com/harborgate/deskhand/internal/store"
	slackapi "github.com/slack-go/slack"
)

const (
	// defaultMaxAttempts bounds delivery retries per message.
	defaultMaxAttempts = 5
	// defaultBudget caps the total time spent delivering one message.
	defaultBudget = 60 * time.Second
	// baseBackoff is the initial wait between delivery retries.
	baseBackoff = time.Second
	// maxBackoff caps the exponential backoff between retries.
	maxBackoff = 10 * time.Second
)

// Sender is the transport surface the dispatcher needs; satisfied by any
// relay.Adapter.
type Sender interface {
	Send(ctx context.Context, msg relay.OutboundMessage) error
}

// Delivery is one acknowledgment to deliver.
type Delivery struct {
	MessageID      string
	ConversationID string
	ThreadID       string
	Text           string
}

// DeliveryResult reports how a delivery went. Failure is a value, never an
// error return: undeliverable messages are expected and must not crash the
// pipeline.
type DeliveryResult struct {
	Delivered bool
	Attempts  int
	Permanent bool  // stopped on a non-retryable failure
	Err       error // last error when not delivered
}

// Dispatcher retries transient transport failures with exponential backoff
// and writes a dead letter when the budget is exhausted or the failure is
// permanent.
type Dispatcher struct {
	sender      Sender
	store       *store.Store
	maxAttempts int
	budget      time.Duration
	backoff     time.Duration
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	Sender Sender
	Store  *store.Store

	MaxAttempts int           // delivery attempts per message (default: 5)
	Budget      time.Duration // total time budget per message (default: 60s)
	Backoff     time.Duration // initial retry backoff (default: 1s)
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("dispatch: sender is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}

	d := &Dispatcher{
		sender:      opts.Sender,
		store:       opts.Store,
		maxAttempts: opts.MaxAttempts,
		budget:      opts.Budget,
		backoff:     opts.Backoff,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.budget <= 0 {
		d.budget = defaultBudget
	}
	if d.backoff <= 0 {
		d.backoff = baseBackoff
	}
	return d, nil
}

// Deliver sends one acknowledgment. Transient failures (timeouts, rate
// limits, flaky transports) are retried; permanent ones (invalid
// conversation) stop immediately. On final failure a dead letter is written
// for operator replay.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) DeliveryResult {
	res := d.deliver(ctx, del)
	if !res.Delivered {
		d.deadLetter(ctx, del, res)
	}
	return res
}

// Redeliver retries a previously dead-lettered acknowledgment. No new dead
// letter is written on failure; the original stays in the queue.
func (d *Dispatcher) Redeliver(ctx context.Context, del Delivery) DeliveryResult {
	return d.deliver(ctx, del)
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery) DeliveryResult {
	var res DeliveryResult

	if strings.TrimSpace(del.ConversationID) == "" {
		res.Permanent = true
		res.Err = fmt.Errorf("dispatch: no conversation id")
		return res
	}

	budgetCtx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		res.Attempts = attempt

		err := d.sender.Send(budgetCtx, relay.OutboundMessage{
			ConversationID: del.ConversationID,
			ThreadID:       del.ThreadID,
			Text:           del.Text,
		})
		if err == nil {
			res.Delivered = true
			return res
		}
		res.Err = err

		if relay.IsPermanent(err) {
			res.Permanent = true
			log.Printf("dispatch: permanent failure for message %s: %v", del.MessageID, err)
			break
		}
		if attempt == d.maxAttempts {
			break
		}

		log.Printf("dispatch: send failed for message %s (attempt %d/%d): %v",
			del.MessageID, attempt, d.maxAttempts, err)

		select {
		case <-budgetCtx.Done():
			res.Err = fmt.Errorf("dispatch: budget exhausted after %d attempts: %w", attempt, err)
			return res
		case <-time.After(d.retryWait(attempt, err)):
		}
	}

	return res
}

// retryWait picks the wait before the next attempt: the transport's own
// Retry-After when it rate-limited us, exponential backoff otherwise.
func (d *Dispatcher) retryWait(attempt int, err error) time.Duration {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * d.backoff
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// deadLetter records the undeliverable message for operator replay. The
// write uses the caller's context, not the delivery budget, so an exhausted
// budget cannot lose the record.
func (d *Dispatcher) deadLetter(ctx context.Context, del Delivery, res DeliveryResult) {
	reason := "delivery failed"
	switch {
	case res.Permanent && res.Err != nil:
		reason = "permanent: " + res.Err.Error()
	case res.Err != nil:
		reason = fmt.Sprintf("exhausted %d attempts: %v", res.Attempts, res.Err)
	}

	dl := &models.DeadLetter{
		MessageID:      del.MessageID,
		ConversationID: del.ConversationID,
		ThreadID:       del.ThreadID,
		Text:           del.Text,
		Reason:         reason,
		Attempts:       res.Attempts,
	}
	if err := d.store.AddDeadLetter(ctx, dl); err != nil {
		log.Printf("dispatch: record dead letter for message %s: %v", del.MessageID, err)
		return
	}
	log.Printf("dispatch: dead-lettered message %s after %d attempts: %s",
		del.MessageID, res.Attempts, reason)
}
