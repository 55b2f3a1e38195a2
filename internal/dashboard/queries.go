package dashboard

import (
	"encoding/json"
	"time"

	"github.com/harborgate/deskhand/internal/models"
)

// RecordRow holds an orchestration record in its API form.
type RecordRow struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	ThreadID       string          `json:"threadId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Text           string          `json:"text"`
	Status         models.Status   `json:"status"`
	Category       string          `json:"category,omitempty"`
	Confidence     float64         `json:"confidence"`
	Fields         json.RawMessage `json:"fields,omitempty"`
	AckText        string          `json:"ackText,omitempty"`
	AckDelivered   bool            `json:"ackDelivered"`
	Attempts       int             `json:"deliveryAttempts"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	ClassifiedAt   *time.Time      `json:"classifiedAt,omitempty"`
	ActingAt       *time.Time      `json:"actingAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Invocations    []InvocationRow `json:"invocations"`
}

// InvocationRow holds one invocation-log entry in its API form.
type InvocationRow struct {
	Seq        int             `json:"seq"`
	Tool       string          `json:"tool"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// DeadLetterRow holds a dead letter in its API form.
type DeadLetterRow struct {
	ID             uint       `json:"id"`
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	ThreadID       string     `json:"threadId,omitempty"`
	Text           string     `json:"text"`
	Reason         string     `json:"reason"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReplayedAt     *time.Time `json:"replayedAt,omitempty"`
}

func recordRow(rec *models.OrchestrationRecord) RecordRow {
	row := RecordRow{
		MessageID:      rec.MessageID,
		ConversationID: rec.ConversationID,
		ThreadID:       rec.ThreadID,
		SenderID:       rec.SenderID,
		Text:           rec.Text,
		Status:         rec.Status,
		Category:       rec.Category,
		Confidence:     rec.Confidence,
		AckText:        rec.AckText,
		AckDelivered:   rec.AckDelivered,
		Attempts:       rec.DeliveryAttempts,
		ReceivedAt:     rec.ReceivedAt,
		ClassifiedAt:   rec.ClassifiedAt,
		ActingAt:       rec.ActingAt,
		CompletedAt:    rec.CompletedAt,
		Invocations:    make([]InvocationRow, len(rec.Invocations)),
	}
	if rec.Fields != "" {
		row.Fields = json.RawMessage(rec.Fields)
	}
	for i, inv := range rec.Invocations {
		row.Invocations[i] = InvocationRow{
			Seq:        inv.Seq,
			Tool:       inv.Tool,
			OK:         inv.OK,
			Error:      inv.Error,
			StartedAt:  inv.StartedAt,
			FinishedAt: inv.FinishedAt,
		}
		if inv.Result != "" {
			row.Invocations[i].Result = json.RawMessage(inv.Result)
		}
	}
	return row
}

func deadLetterRow(dl *models.DeadLetter) DeadLetterRow {
	return DeadLetterRow{
		ID:             dl.ID,
		MessageID:      dl.MessageID,
		ConversationID: dl.ConversationID,
		ThreadID:       dl.ThreadID,
		Text:           dl.Text,
		Reason:         dl.Reason,
		Attempts:       dl.Attempts,
		CreatedAt:      dl.CreatedAt,
		ReplayedAt:     dl.ReplayedAt,
	}
}
