package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/store"
)

const defaultDigestCron = "0 9 * * *"

// Digest builds the scheduled operational summary: orchestration counts by
// status since the previous digest plus the dead letters still awaiting
// replay.
type Digest struct {
	store        *store.Store
	cron         string
	conversation string

	mu        sync.Mutex
	lastFired time.Time
}

// DigestOpts holds parameters for creating a Digest.
type DigestOpts struct {
	Store        *store.Store
	Cron         string // 5-field cron expression (default: "0 9 * * *")
	Conversation string // where the digest is posted
}

// NewDigest creates a Digest with the given options.
func NewDigest(opts DigestOpts) (*Digest, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: digest: store is required")
	}
	if opts.Conversation == "" {
		return nil, fmt.Errorf("relay: digest: conversation is required")
	}
	expr := opts.Cron
	if expr == "" {
		expr = defaultDigestCron
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, fmt.Errorf("relay: digest: cron %q: %w", expr, err)
	}
	return &Digest{store: opts.Store, cron: expr, conversation: opts.Conversation}, nil
}

// digestOrder fixes the line order in the digest body.
var digestOrder = []models.Status{
	models.StatusAcknowledged,
	models.StatusFailed,
	models.StatusDeadLettered,
	models.StatusActing,
	models.StatusClassified,
	models.StatusPending,
}

// Build assembles the digest text for activity since the previous digest;
// the first digest covers the trailing 24 hours. Returns "" when there is
// nothing to report.
func (g *Digest) Build(ctx context.Context) (string, error) {
	now := time.Now()
	g.mu.Lock()
	since := g.lastFired
	g.mu.Unlock()
	if since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}

	counts, err := g.store.CountByStatus(ctx, since)
	if err != nil {
		return "", fmt.Errorf("relay: digest: count records: %w", err)
	}
	pending, err := g.store.CountDeadLetters(ctx, false)
	if err != nil {
		return "", fmt.Errorf("relay: digest: count dead letters: %w", err)
	}

	g.mu.Lock()
	g.lastFired = now
	g.mu.Unlock()

	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 && pending == 0 {
		return "", nil
	}

	lines := []string{
		"Deskhand daily digest",
		fmt.Sprintf("Messages since %s: %d", since.Format("Jan 2 15:04"), total),
	}
	for _, status := range digestOrder {
		if n := counts[status]; n > 0 {
			lines = append(lines, fmt.Sprintf("  %s: %d", status, n))
		}
	}
	if pending > 0 {
		lines = append(lines, fmt.Sprintf("Dead letters awaiting replay: %d", pending))
	}
	return strings.Join(lines, "\n"), nil
}
