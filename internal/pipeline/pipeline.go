// Package pipeline orchestrates one inbound message end to end: claim,
// classify, act, acknowledge. Its core guarantee is that every claimed
// message produces exactly one visible reply attempt, whatever else fails.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/harborgate/deskhand/internal/classify"
	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/reconcile"
	"github.com/harborgate/deskhand/internal/relay"
	"github.com/harborgate/deskhand/internal/store"
	"github.com/harborgate/deskhand/internal/tool"
)

// defaultThreshold gates mutating tools when no threshold is configured.
const defaultThreshold = 0.6

// Acknowledgment texts for the degraded paths.
const (
	ackProcessingFailed = "Sorry, I couldn't process that message."
	ackActionFailed     = "Sorry, I couldn't complete that action."
	ackNotUnderstood    = "Sorry, I couldn't understand that message."
)

// ErrDuplicateMessage reports that a message id was already claimed. The
// prior record is returned alongside it; side effects are not re-run.
var ErrDuplicateMessage = errors.New("pipeline: duplicate message")

// sequences declares the tool order for each category. Sequencing is data,
// not tool logic: tools never choose what runs next. send-acknowledgment
// closes every sequence; the pipeline runs it as the acknowledgment step
// with the text built from the tools before it.
var sequences = map[classify.Category][]string{
	classify.CategoryTaskRequest:    {tool.NameCreateTask, tool.NameSendAck},
	classify.CategoryListingRequest: {tool.NameCreateListing, tool.NameSendAck},
	classify.CategoryQuery:          {tool.NameSearchListings, tool.NameSendAck},
	classify.CategoryUnclassifiable: {tool.NameSendAck},
}

// Classifier labels one message. Implemented by classify.Classifier.
type Classifier interface {
	Classify(ctx context.Context, messageID, text string) (*classify.Result, error)
}

// Publisher hands entity mutations to the reconciliation bridge.
type Publisher interface {
	Publish(ctx context.Context, muts []reconcile.Mutation) error
}

// Orchestrator drives the per-message state machine. Constructed once at
// startup with its dependencies injected; safe for concurrent use.
type Orchestrator struct {
	store      *store.Store
	classifier Classifier
	registry   *tool.Registry
	bridge     Publisher
	threshold  float64
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store      *store.Store
	Classifier Classifier
	Registry   *tool.Registry
	Bridge     Publisher

	// ConfidenceThreshold gates entity-mutating tools (default: 0.6).
	ConfidenceThreshold float64
}

// New creates an Orchestrator. The registry must contain the
// send-acknowledgment tool; without it the always-reply guarantee cannot
// hold.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("pipeline: classifier is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("pipeline: tool registry is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("pipeline: bridge is required")
	}
	if _, ok := opts.Registry.Get(tool.NameSendAck); !ok {
		return nil, fmt.Errorf("pipeline: registry is missing %s", tool.NameSendAck)
	}
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("pipeline: confidence threshold %v outside [0,1]", opts.ConfidenceThreshold)
	}

	threshold := opts.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	return &Orchestrator{
		store:      opts.Store,
		classifier: opts.Classifier,
		registry:   opts.Registry,
		bridge:     opts.Bridge,
		threshold:  threshold,
	}, nil
}

// Process runs one inbound message through the state machine and returns its
// final record. A redelivered message id returns the prior record together
// with ErrDuplicateMessage; nothing is re-invoked.
func (o *Orchestrator) Process(ctx context.Context, msg relay.InboundMessage) (*models.OrchestrationRecord, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return nil, fmt.Errorf("pipeline: message id is required")
	}

	received := msg.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	rec := &models.OrchestrationRecord{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ThreadID:       msg.ThreadID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		ReceivedAt:     received,
	}

	rec, claimed, err := o.store.ClaimMessage(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Printf("pipeline: message %s already claimed (status %s)", rec.MessageID, rec.Status)
		return rec, fmt.Errorf("pipeline: message %s: %w", rec.MessageID, ErrDuplicateMessage)
	}

	return o.run(ctx, rec)
}

// run drives a claimed record from its current status to a terminal one.
// Records resumed by recovery enter here mid-flight.
func (o *Orchestrator) run(ctx context.Context, rec *models.OrchestrationRecord) (*models.OrchestrationRecord, error) {
	if rec.Status.Terminal() {
		return rec, nil
	}

	var result *classify.Result
	if rec.Status == models.StatusPending {
		res, err := o.classifier.Classify(ctx, rec.MessageID, rec.Text)
		if err != nil {
			// The degraded path: mark the record failed, but the
			// conversation still gets a reply.
			log.Printf("pipeline: classification unavailable for %s: %v", rec.MessageID, err)
			if terr := o.store.Transition(ctx, rec.MessageID, models.StatusFailed, nil); terr != nil {
				return nil, terr
			}
			rec.Status = models.StatusFailed
			o.acknowledge(ctx, rec, ackProcessingFailed)
			return o.store.GetRecord(ctx, rec.MessageID)
		}

		now := time.Now()
		set := map[string]interface{}{
			"category":      string(res.Category),
			"confidence":    res.Confidence,
			"classified_at": now,
		}
		if fj := fieldsJSON(res.Fields); fj != "" {
			set["fields"] = fj
		}
		if err := o.store.Transition(ctx, rec.MessageID, models.StatusClassified, set); err != nil {
			return nil, err
		}
		rec.Status = models.StatusClassified
		result = res
	} else {
		result = resultFromRecord(rec)
	}

	actions := actionTools(result.Category)
	var ackText string
	switch {
	case result.Category == classify.CategoryUnclassifiable:
		ackText = ackNotUnderstood

	case result.Confidence < o.threshold:
		// Below the gate nothing may mutate; a human reviews the extraction.
		ackText = manualReviewText(result)

	default:
		if rec.Status != models.StatusActing {
			if err := o.store.Transition(ctx, rec.MessageID, models.StatusActing,
				map[string]interface{}{"acting_at": time.Now()}); err != nil {
				return nil, err
			}
			rec.Status = models.StatusActing
		}

		responses := make([]tool.Response, 0, len(actions))
		for _, name := range actions {
			resp := o.invokeTool(ctx, rec, name, tool.Request{
				MessageID:      rec.MessageID,
				ConversationID: rec.ConversationID,
				ThreadID:       rec.ThreadID,
				Text:           rec.Text,
				Fields:         result.Fields,
			})
			responses = append(responses, resp)

			if resp.OK && len(resp.Mutations) > 0 {
				if err := o.bridge.Publish(ctx, resp.Mutations); err != nil {
					log.Printf("pipeline: publish mutations for %s: %v", rec.MessageID, err)
				}
			}
		}
		ackText = buildActionAck(responses)
	}

	o.acknowledge(ctx, rec, ackText)
	return o.store.GetRecord(ctx, rec.MessageID)
}

// acknowledge runs the send-acknowledgment tool and records the outcome.
// A record that was already marked failed keeps that status; otherwise
// delivery success decides acknowledged vs dead_lettered.
func (o *Orchestrator) acknowledge(ctx context.Context, rec *models.OrchestrationRecord, text string) {
	resp := o.invokeTool(ctx, rec, tool.NameSendAck, tool.Request{
		MessageID:      rec.MessageID,
		ConversationID: rec.ConversationID,
		ThreadID:       rec.ThreadID,
		Text:           text,
	})

	attempts, _ := resp.Payload["attempts"].(int)
	set := map[string]interface{}{
		"ack_text":          text,
		"ack_delivered":     resp.OK,
		"delivery_attempts": attempts,
		"completed_at":      time.Now(),
	}

	to := models.StatusAcknowledged
	switch {
	case rec.Status == models.StatusFailed:
		to = models.StatusFailed
	case !resp.OK:
		to = models.StatusDeadLettered
	}
	if err := o.store.Transition(ctx, rec.MessageID, to, set); err != nil {
		log.Printf("pipeline: record ack outcome for %s: %v", rec.MessageID, err)
	}
}

// invokeTool executes one tool and appends the attempt to the record's
// invocation log. Tool failure is logged, never fatal: a failed tool must
// not stop the acknowledgment.
func (o *Orchestrator) invokeTool(ctx context.Context, rec *models.OrchestrationRecord, name string, req tool.Request) tool.Response {
	started := time.Now()

	var resp tool.Response
	if tl, ok := o.registry.Get(name); ok {
		resp = tl.Execute(ctx, req)
	} else {
		resp = tool.Response{Err: fmt.Sprintf("unknown tool %q", name)}
	}

	inv := &models.ToolInvocation{
		MessageID:  rec.MessageID,
		Tool:       name,
		OK:         resp.OK,
		Error:      resp.Err,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if len(resp.Payload) > 0 {
		if b, err := json.Marshal(resp.Payload); err == nil {
			inv.Result = string(b)
		}
	}
	if err := o.store.AppendInvocation(ctx, inv); err != nil {
		log.Printf("pipeline: log invocation %s for %s: %v", name, rec.MessageID, err)
	}
	if !resp.OK {
		log.Printf("pipeline: tool %s failed for %s: %s", name, rec.MessageID, resp.Err)
	}
	return resp
}

// buildActionAck composes the reply from the action tools' summaries. When
// every tool failed the reply says so instead of going silent.
func buildActionAck(responses []tool.Response) string {
	var parts []string
	failures := 0
	for _, r := range responses {
		switch {
		case r.OK && r.Summary != "":
			parts = append(parts, r.Summary)
		case !r.OK:
			failures++
		}
	}
	if len(parts) == 0 {
		if failures > 0 {
			return ackActionFailed
		}
		return ackNotUnderstood
	}
	return strings.Join(parts, "\n")
}

// manualReviewText describes a below-threshold classification for a human,
// carrying the extracted fields so nothing is lost.
func manualReviewText(res *classify.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This message needs manual review: %s at confidence %.2f.", res.Category, res.Confidence)
	if len(res.Fields) == 0 {
		b.WriteString(" No fields were extracted.")
		return b.String()
	}

	keys := make([]string, 0, len(res.Fields))
	for k := range res.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(" Extracted: ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", k, res.Fields[k])
	}
	b.WriteString(".")
	return b.String()
}

// actionTools returns the declared sequence for a category minus the closing
// acknowledgment step.
func actionTools(category classify.Category) []string {
	seq, ok := sequences[category]
	if !ok {
		seq = sequences[classify.CategoryUnclassifiable]
	}
	var actions []string
	for _, name := range seq {
		if name != tool.NameSendAck {
			actions = append(actions, name)
		}
	}
	return actions
}

// resultFromRecord rebuilds the classification outcome persisted on a
// record, for resuming after a crash.
func resultFromRecord(rec *models.OrchestrationRecord) *classify.Result {
	res := &classify.Result{
		MessageID:  rec.MessageID,
		Category:   classify.Category(rec.Category),
		Confidence: rec.Confidence,
	}
	if rec.Fields != "" {
		if err := json.Unmarshal([]byte(rec.Fields), &res.Fields); err != nil {
			log.Printf("pipeline: decode fields for %s: %v", rec.MessageID, err)
		}
	}
	if !res.Category.Valid() {
		res.Category = classify.CategoryUnclassifiable
	}
	return res
}

// fieldsJSON encodes extracted fields for persistence. Empty maps store as
// empty strings, not "{}".
func fieldsJSON(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
