// Package classify labels inbound chat messages with an intent category, a
// calibrated confidence score, and whatever structured fields the model can
// extract. It never decides whether to act; routing on confidence belongs to
// the pipeline.
package classify

import (
	"errors"
)

// Category is the intent label assigned to a message.
type Category string

const (
	CategoryTaskRequest    Category = "task-request"
	CategoryListingRequest Category = "listing-request"
	CategoryQuery          Category = "query"
	CategoryUnclassifiable Category = "unclassifiable"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTaskRequest, CategoryListingRequest, CategoryQuery, CategoryUnclassifiable:
		return true
	}
	return false
}

// ErrClassificationUnavailable is returned after the retry budget for the
// model service is exhausted. Callers detect it with errors.Is.
var ErrClassificationUnavailable = errors.New("classify: classification unavailable")

// Result is the outcome of classifying one message. Produced once, never
// mutated.
type Result struct {
	MessageID  string            `json:"messageId"`
	Category   Category          `json:"category"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
}
