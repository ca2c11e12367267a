package domain

import "time"

// SaveEvent — событие мониторинга, которое координатор отправляет при каждом переходе состояния.
type SaveEvent struct {
	AttemptID string      `json:"attemptId"`
	Try       int         `json:"try,omitempty"`
	QuoteID   string      `json:"quoteId"`
	Outcome   SaveOutcome `json:"outcome"`
	State     string      `json:"state,omitempty"`
	ErrorKind string      `json:"errorKind,omitempty"`
	LatencyMs int64       `json:"latencyMs"`
	Timestamp time.Time   `json:"timestamp"`
}
