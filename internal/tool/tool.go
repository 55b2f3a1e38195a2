// Package tool holds the catalog of side-effecting actions the pipeline can
// invoke: create-task, create-listing, search-listings, and
// send-acknowledgment. Tools report success or failure in their Response and
// never pick the next tool; sequencing belongs to the pipeline.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/harborgate/deskhand/internal/reconcile"
)

// Tool names as registered in the catalog.
const (
	NameCreateTask     = "create-task"
	NameCreateListing  = "create-listing"
	NameSearchListings = "search-listings"
	NameSendAck        = "send-acknowledgment"
)

// Param declares one input a tool accepts.
type Param struct {
	Name     string
	Type     string // "string" or "int"
	Required bool
	Desc     string
}

// Request carries the inputs for one tool invocation. Text is the message
// body the tool operates on: the inbound text for entity tools (title
// fallback), the acknowledgment body for send-acknowledgment. MessageID
// doubles as the deduplication token for mutating tools.
type Request struct {
	MessageID      string
	ConversationID string
	ThreadID       string
	Text           string
	Fields         map[string]string
}

// Field returns the named extracted field, or "" when absent.
func (r Request) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Response is the outcome of one tool invocation. Failure is a value here,
// not an error return: a failed tool must never abort the rest of the
// pipeline.
type Response struct {
	OK        bool
	Err       string               // failure detail when !OK
	Summary   string               // one-line outcome used for acknowledgment text
	Payload   map[string]any       // structured result, logged with the invocation
	Mutations []reconcile.Mutation // entity changes for the reconciliation bridge
}

// Tool is one catalog entry.
type Tool interface {
	Name() string
	Desc() string
	Inputs() []Param
	Execute(ctx context.Context, req Request) Response
}

// Registry holds the tool catalog. Registration order is preserved for
// listing.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the catalog. Registering the same name twice is an
// error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
