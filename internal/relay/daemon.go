package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harborgate/deskhand/internal/models"
)

const (
	defaultWorkers       = 4
	defaultShutdownGrace = 30 * time.Second
	reconnectBase        = 2 * time.Second
	reconnectMax         = time.Minute
)

// Processor handles one inbound message end to end: claim, classify, act,
// acknowledge. Implementations must be safe for concurrent use.
type Processor interface {
	Process(ctx context.Context, msg InboundMessage) (*models.OrchestrationRecord, error)
}

// Daemon owns the adapter lifecycle. It pulls inbound messages and schedules
// them on a bounded worker pool, keeping messages within one conversation
// thread in arrival order. When the adapter drops its connection the daemon
// reconnects with backoff; when the context is cancelled it stops intake,
// lets in-flight work finish within a grace period, and closes the adapter.
type Daemon struct {
	adapter   Adapter
	processor Processor
	digest    *Digest
	workers   int
	grace     time.Duration
	backoff   time.Duration
	out       io.Writer

	slots chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string][]InboundMessage

	workCtx    context.Context
	workCancel context.CancelFunc
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapter       Adapter
	Processor     Processor
	Digest        *Digest       // optional; enables the scheduled digest
	Workers       int           // concurrent orchestrations (default: 4)
	ShutdownGrace time.Duration // how long in-flight work may run after stop (default: 30s)
	ReconnectBase time.Duration // initial reconnect backoff (default: 2s)
	Out           io.Writer     // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: adapter is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("relay: processor is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	backoff := opts.ReconnectBase
	if backoff <= 0 {
		backoff = reconnectBase
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		adapter:   opts.Adapter,
		processor: opts.Processor,
		digest:    opts.Digest,
		workers:   workers,
		grace:     grace,
		backoff:   backoff,
		out:       out,
		slots:     make(chan struct{}, workers),
		pending:   make(map[string][]InboundMessage),
	}, nil
}

// Run connects the adapter and pumps inbound messages until the context is
// cancelled. A closed inbound channel without a cancelled context means the
// connection dropped; Run reconnects with exponential backoff.
func (d *Daemon) Run(ctx context.Context) error {
	d.workCtx, d.workCancel = context.WithCancel(context.Background())
	defer d.workCancel()

	fmt.Fprintf(d.out, "Deskhand relay connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	if d.digest != nil {
		go d.runDigestScheduler(ctx)
	}

	fmt.Fprintf(d.out, "Deskhand relay online (%d workers)\n", d.workers)

	for {
		inbound, err := d.adapter.Listen(ctx)
		if err != nil {
			d.drainAndClose()
			return fmt.Errorf("relay: listen: %w", err)
		}

		closed := d.pump(ctx, inbound)
		if !closed || ctx.Err() != nil {
			fmt.Fprintf(d.out, "Deskhand relay shutting down...\n")
			d.drainAndClose()
			fmt.Fprintf(d.out, "Deskhand relay stopped\n")
			return nil
		}

		// The adapter closed its channel without a shutdown request.
		fmt.Fprintf(d.out, "Deskhand relay connection lost\n")
		if err := d.adapter.Close(); err != nil {
			log.Printf("relay: close before reconnect: %v", err)
		}
		if !d.reconnect(ctx) {
			d.drainAndClose()
			return nil
		}
		fmt.Fprintf(d.out, "Deskhand relay reconnected\n")
	}
}

// pump reads inbound messages until the channel closes or the context is
// cancelled. Returns true when the channel closed.
func (d *Daemon) pump(ctx context.Context, inbound <-chan InboundMessage) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-inbound:
			if !ok {
				return true
			}
			if strings.TrimSpace(msg.ID) == "" {
				log.Printf("relay: dropping message with no id (conversation %s)", msg.ConversationID)
				continue
			}
			d.enqueue(msg)
		}
	}
}

// enqueue hands msg to the worker that owns its thread, or claims the thread
// and starts one. Messages within a thread process in arrival order; distinct
// threads run concurrently up to the worker limit.
func (d *Daemon) enqueue(msg InboundMessage) {
	key := threadKey(msg)
	d.mu.Lock()
	if _, owned := d.pending[key]; owned {
		d.pending[key] = append(d.pending[key], msg)
		d.mu.Unlock()
		return
	}
	d.pending[key] = nil
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drain(key, msg)
}

// drain processes first and then everything queued behind it for the same
// thread, holding one worker slot for the whole run.
func (d *Daemon) drain(key string, first InboundMessage) {
	defer d.wg.Done()

	select {
	case d.slots <- struct{}{}:
	case <-d.workCtx.Done():
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return
	}
	defer func() { <-d.slots }()

	msg := first
	for {
		d.handle(msg)

		d.mu.Lock()
		queue := d.pending[key]
		if len(queue) == 0 {
			delete(d.pending, key)
			d.mu.Unlock()
			return
		}
		msg = queue[0]
		d.pending[key] = queue[1:]
		d.mu.Unlock()
	}
}

// handle runs one orchestration. Work runs on the daemon's work context,
// which outlives Run's context until the shutdown grace expires, so an
// in-flight message can still deliver its acknowledgment during shutdown.
func (d *Daemon) handle(msg InboundMessage) {
	rec, err := d.processor.Process(d.workCtx, msg)
	if err != nil {
		log.Printf("relay: process %s: %v", msg.ID, err)
		return
	}
	fmt.Fprintf(d.out, "relay: message %s -> %s (delivered=%t)\n",
		rec.MessageID, rec.Status, rec.AckDelivered)
}

// drainAndClose waits for in-flight orchestrations up to the grace period,
// hard-cancels stragglers, and closes the adapter. Cancelled work leaves its
// record non-terminal; the recovery sweep resumes it at next start.
func (d *Daemon) drainAndClose() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.grace):
		fmt.Fprintf(d.out, "Deskhand relay grace period expired; abandoning in-flight work\n")
		d.workCancel()
		<-done
	}
	if err := d.adapter.Close(); err != nil {
		log.Printf("relay: close adapter: %v", err)
	}
}

// reconnect retries Connect with exponential backoff until it succeeds.
// Returns false when the context was cancelled first.
func (d *Daemon) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		wait := d.reconnectWait(attempt)
		fmt.Fprintf(d.out, "Deskhand relay reconnecting in %s (attempt %d)\n", wait, attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if err := d.adapter.Connect(ctx); err != nil {
			log.Printf("relay: reconnect attempt %d: %v", attempt, err)
			continue
		}
		return true
	}
}

func (d *Daemon) reconnectWait(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * d.backoff
	if wait > reconnectMax {
		wait = reconnectMax
	}
	return wait
}

// threadKey serializes processing per conversation thread. Top-level messages
// key on the conversation itself, so replies that start a thread still order
// after their root.
func threadKey(msg InboundMessage) string {
	if msg.ThreadID == "" {
		return msg.ConversationID
	}
	return msg.ConversationID + "/" + msg.ThreadID
}

// runDigestScheduler fires the digest on its cron schedule until the context
// is cancelled.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	wait := nextCronDuration(d.digest.cron)
	if wait <= 0 {
		log.Printf("relay: digest cron %q did not parse; digest disabled", d.digest.cron)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx)
			if wait := nextCronDuration(d.digest.cron); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireDigest builds and posts one digest. An empty digest is suppressed.
func (d *Daemon) fireDigest(ctx context.Context) {
	text, err := d.digest.Build(ctx)
	if err != nil {
		log.Printf("relay: build digest: %v", err)
		return
	}
	if text == "" {
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{
		ConversationID: d.digest.conversation,
		Text:           text,
	}); err != nil {
		log.Printf("relay: send digest: %v", err)
	}
}
