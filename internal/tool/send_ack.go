package tool

import (
	"context"

	"github.com/harborgate/deskhand/internal/dispatch"
)

// Deliverer is the dispatcher surface the acknowledgment tool wraps.
type Deliverer interface {
	Deliver(ctx context.Context, del dispatch.Delivery) dispatch.DeliveryResult
}

// SendAck delivers the acknowledgment back to the originating conversation.
// It lives in the catalog so the invocation log records delivery attempts the
// same way it records entity mutations.
type SendAck struct {
	deliver Deliverer
}

// NewSendAck creates the send-acknowledgment tool.
func NewSendAck(d Deliverer) *SendAck {
	return &SendAck{deliver: d}
}

func (t *SendAck) Name() string { return NameSendAck }

func (t *SendAck) Desc() string {
	return "Send the reply for this message back to its conversation."
}

func (t *SendAck) Inputs() []Param {
	return []Param{
		{Name: "conversation", Type: "string", Required: true, Desc: "target conversation id"},
		{Name: "thread", Type: "string", Desc: "thread to reply in"},
		{Name: "text", Type: "string", Required: true, Desc: "reply body"},
	}
}

func (t *SendAck) Execute(ctx context.Context, req Request) Response {
	if req.Text == "" {
		return Response{Err: "empty acknowledgment text"}
	}

	res := t.deliver.Deliver(ctx, dispatch.Delivery{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		ThreadID:       req.ThreadID,
		Text:           req.Text,
	})

	resp := Response{
		OK: res.Delivered,
		Payload: map[string]any{
			"delivered": res.Delivered,
			"attempts":  res.Attempts,
			"permanent": res.Permanent,
		},
	}
	if !res.Delivered {
		if res.Err != nil {
			resp.Err = res.Err.Error()
		} else {
			resp.Err = "delivery failed"
		}
	}
	return resp
}
