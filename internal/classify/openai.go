package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// defaultModel is used when no model is configured.
	defaultModel = "gpt-4o-mini"
	// defaultAttempts bounds retries against the model service.
	defaultAttempts = 3
	// defaultTimeout caps a single model call.
	defaultTimeout = 30 * time.Second
	// baseBackoff is the initial wait between model retries.
	baseBackoff = time.Second
)

const systemPrompt = `You classify messages sent to a realty operations assistant.

Reply with a single JSON object and nothing else:
{"category": "...", "confidence": 0.0, "fields": {...}}

category must be one of:
- "task-request": the sender wants a to-do item created (call someone, schedule a showing, follow up).
- "listing-request": the sender wants a property listing added.
- "query": the sender is asking about existing listings or tasks.
- "unclassifiable": none of the above, or the intent is unclear.

confidence is your calibrated probability that the category is correct, between 0 and 1.

fields holds values extracted verbatim from the message, only when present. Recognized keys:
title, description, address, listing_type ("sale" or "lease"), priority (1-9),
due_date (YYYY-MM-DD), assignee (a name, email, or phone number), notes, status, query.`

// chatCaller abstracts the one model API call we make, enabling test fakes.
type chatCaller interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
}

// openaiCaller wraps the OpenAI client to implement chatCaller.
type openaiCaller struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func (c *openaiCaller) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// Classifier calls a chat-completion model and validates its answer into a
// Result. Stateless per call; safe for concurrent use.
type Classifier struct {
	caller   chatCaller
	attempts int
	backoff  time.Duration
}

// Opts holds parameters for creating a Classifier.
type Opts struct {
	APIKey  string        // model service API key
	BaseURL string        // override for OpenAI-compatible services (e.g. OpenRouter)
	Model   string        // model name (default: gpt-4o-mini)
	Timeout time.Duration // per-call timeout (default: 30s)

	Attempts int // retry bound for the model service (default: 3)

	// For testing: inject a fake caller instead of the real API.
	Caller chatCaller
}

// New creates a Classifier.
func New(opts Opts) (*Classifier, error) {
	if opts.Caller == nil && strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("classify: api key is required")
	}

	c := &Classifier{
		caller:   opts.Caller,
		attempts: opts.Attempts,
		backoff:  baseBackoff,
	}
	if c.attempts <= 0 {
		c.attempts = defaultAttempts
	}

	if c.caller == nil {
		model := strings.TrimSpace(opts.Model)
		if model == "" {
			model = defaultModel
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		clientOpts := []option.RequestOption{
			option.WithAPIKey(strings.TrimSpace(opts.APIKey)),
		}
		if trimmed := strings.TrimRight(opts.BaseURL, "/"); trimmed != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(trimmed))
		}

		c.caller = &openaiCaller{
			client:  openai.NewClient(clientOpts...),
			model:   model,
			timeout: timeout,
		}
	}

	return c, nil
}

// Classify labels one message. Empty text (after trimming) is unclassifiable
// with confidence 0 and costs no model call. Transient model failures and
// malformed model output are retried with exponential backoff; when the bound
// is exhausted the returned error wraps ErrClassificationUnavailable.
func (c *Classifier) Classify(ctx context.Context, messageID, text string) (*Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Result{MessageID: messageID, Category: CategoryUnclassifiable, Confidence: 0}, nil
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * c.backoff
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrClassificationUnavailable, ctx.Err())
			case <-time.After(wait):
			}
		}

		raw, err := c.caller.ChatCompletion(ctx, systemPrompt, trimmed)
		if err != nil {
			lastErr = err
			log.Printf("classify: model call failed (attempt %d/%d): %v", attempt+1, c.attempts, err)
			continue
		}

		result, err := parseResult(messageID, raw)
		if err != nil {
			// Schema violations are retried like transport errors: the model
			// may well produce valid output on the next attempt.
			lastErr = err
			log.Printf("classify: bad model output (attempt %d/%d): %v", attempt+1, c.attempts, err)
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrClassificationUnavailable, c.attempts, lastErr)
}

// parseResult validates the model's JSON answer into a Result.
func parseResult(messageID, raw string) (*Result, error) {
	var wire struct {
		Category   string            `json:"category"`
		Confidence float64           `json:"confidence"`
		Fields     map[string]string `json:"fields"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON from model: %w", err)
	}

	category := Category(wire.Category)
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", wire.Category)
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", wire.Confidence)
	}

	return &Result{
		MessageID:  messageID,
		Category:   category,
		Confidence: wire.Confidence,
		Fields:     wire.Fields,
	}, nil
}

// stripFences removes a markdown code fence around the model answer. Some
// OpenAI-compatible services ignore the JSON response format and fence the
// object anyway.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
