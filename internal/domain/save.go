package domain

import "time"

// SaveReason — причина неуспешного сохранения в ответе save endpoint.
type SaveReason string

const (
	SaveReasonConflict     SaveReason = "conflict"
	SaveReasonHashMismatch SaveReason = "hash_mismatch"
	SaveReasonError        SaveReason = "error"
)

// ServerSnapshot — состояние котировки на сервере в момент конфликта.
type ServerSnapshot struct {
	Version     int64        `json:"version"`
	Content     QuoteContent `json:"content"`
	PricingHash string       `json:"pricingHash,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// SaveRequest — тело запроса на сохранение черновика.
// ExpectedVersion фиксируется в момент отправки, а не в момент редактирования.
type SaveRequest struct {
	AttemptID       string            `json:"-"`
	QuoteID         string            `json:"-"`
	ExpectedVersion int64             `json:"expectedVersion"`
	Content         QuoteContent      `json:"content"`
	PricingHash     string            `json:"pricingHash"`
	Resolution      *ConflictDecision `json:"resolution,omitempty"`
}

// SaveResponse — ответ save endpoint.
// Клиент считает черновик сохранённым только при Success == true.
type SaveResponse struct {
	Success        bool            `json:"success"`
	NewVersion     int64           `json:"newVersion,omitempty"`
	Reason         SaveReason      `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	ServerSnapshot *ServerSnapshot `json:"serverSnapshot,omitempty"`
}

// SaveOutcome — итог одной попытки сохранения.
type SaveOutcome string

const (
	SaveOutcomePending      SaveOutcome = "pending"
	SaveOutcomeSuccess      SaveOutcome = "success"
	SaveOutcomeConflict     SaveOutcome = "conflict"
	SaveOutcomeHashMismatch SaveOutcome = "hash_mismatch"
	SaveOutcomeError        SaveOutcome = "error"
)

// Terminal сообщает, что попытка завершена.
func (o SaveOutcome) Terminal() bool {
	switch o {
	case SaveOutcomeSuccess, SaveOutcomeConflict, SaveOutcomeHashMismatch, SaveOutcomeError:
		return true
	default:
		return false
	}
}

// SaveAttempt — эфемерная запись об одной попытке сохранения.
type SaveAttempt struct {
	ID              string
	// Try — номер отправки этой попытки: 1 для первой, растёт с каждым Retry.
	Try             int
	QuoteID         string
	ExpectedVersion int64
	PricingHash     string
	Content         QuoteContent
	Resolution      *ConflictDecision
	Outcome         SaveOutcome
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Request собирает тело запроса из попытки.
func (a SaveAttempt) Request() SaveRequest {
	return SaveRequest{
		AttemptID:       a.ID,
		QuoteID:         a.QuoteID,
		ExpectedVersion: a.ExpectedVersion,
		Content:         a.Content.Clone(),
		PricingHash:     a.PricingHash,
		Resolution:      a.Resolution,
	}
}

// Latency возвращает длительность завершённой попытки.
func (a SaveAttempt) Latency() time.Duration {
	if a.FinishedAt.IsZero() || a.FinishedAt.Before(a.StartedAt) {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
