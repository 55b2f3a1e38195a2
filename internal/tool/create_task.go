package tool

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/reconcile"
	"github.com/harborgate/deskhand/internal/store"
)

// maxTitleExcerpt bounds the title derived from raw message text when the
// classifier extracted none.
const maxTitleExcerpt = 80

// CreateTask creates a follow-up task from extracted fields. The message id
// is the dedup token: a redelivered message returns the original task instead
// of creating a second one.
type CreateTask struct {
	store *store.Store
}

// NewCreateTask creates the create-task tool.
func NewCreateTask(st *store.Store) *CreateTask {
	return &CreateTask{store: st}
}

func (t *CreateTask) Name() string { return NameCreateTask }

func (t *CreateTask) Desc() string {
	return "Create a follow-up task (call, showing, paperwork) for the team."
}

func (t *CreateTask) Inputs() []Param {
	return []Param{
		{Name: "title", Type: "string", Required: true, Desc: "short task title; falls back to an excerpt of the message"},
		{Name: "description", Type: "string", Desc: "longer detail"},
		{Name: "address", Type: "string", Desc: "property address the task is about"},
		{Name: "priority", Type: "int", Desc: "1 (urgent) to 9 (whenever)"},
		{Name: "due_date", Type: "string", Desc: "YYYY-MM-DD"},
		{Name: "assignee", Type: "string", Desc: "realtor name, email, or phone"},
	}
}

func (t *CreateTask) Execute(ctx context.Context, req Request) Response {
	title := strings.TrimSpace(req.Field("title"))
	if title == "" {
		title = truncate(strings.TrimSpace(req.Text), maxTitleExcerpt)
	}
	if title == "" {
		return Response{Err: "no title and no message text to derive one from"}
	}

	draft := store.TaskDraft{
		Title:       title,
		Description: req.Field("description"),
		Address:     req.Field("address"),
	}
	if p, err := strconv.Atoi(req.Field("priority")); err == nil && p >= 1 && p <= 9 {
		draft.Priority = p
	}
	if due, err := time.Parse("2006-01-02", req.Field("due_date")); err == nil {
		draft.DueDate = &due
	}
	if hint := req.Field("assignee"); hint != "" {
		realtor, err := t.store.ResolveRealtor(ctx, hint)
		if err != nil {
			return Response{Err: "resolve assignee: " + err.Error()}
		}
		if realtor != nil {
			draft.RealtorID = &realtor.ID
		}
	}

	task, existed, err := t.store.CreateTask(ctx, draft, req.MessageID)
	if err != nil {
		return Response{Err: "create task: " + err.Error()}
	}

	resp := Response{
		OK:      true,
		Summary: "Created task: " + task.Title,
		Payload: map[string]any{
			"taskId":  task.ID,
			"title":   task.Title,
			"existed": existed,
		},
	}
	if task.Address != "" {
		resp.Summary += " about " + task.Address
		resp.Payload["address"] = task.Address
	}
	// A dedup hit changed nothing, so there is nothing to reconcile.
	if !existed {
		resp.Mutations = []reconcile.Mutation{{
			EntityType: models.EntityTask,
			EntityID:   task.ID,
			Op:         models.OpCreate,
			Snapshot:   task,
		}}
	}
	return resp
}
