package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// CreateQuoteRequest — тело POST /api/v1/quotes.
type CreateQuoteRequest struct {
	ID          string              `json:"id" validate:"omitempty,max=64"`
	AgentID     string              `json:"agentId" validate:"required,max=64"`
	ClientID    string              `json:"clientId" validate:"required,max=64"`
	Content     domain.QuoteContent `json:"content"`
	PricingHash string              `json:"pricingHash" validate:"required"`
}

// SaveQuoteRequest — тело POST /api/v1/quotes/:id/save.
type SaveQuoteRequest struct {
	ExpectedVersion int64               `json:"expectedVersion" validate:"required,min=1"`
	Content         domain.QuoteContent `json:"content"`
	PricingHash     string              `json:"pricingHash" validate:"required"`
	Resolution      *ResolutionRequest  `json:"resolution,omitempty"`
}

// ChangeStatusRequest — тело POST /api/v1/quotes/:id/status.
type ChangeStatusRequest struct {
	ExpectedVersion int64              `json:"expectedVersion" validate:"required,min=1"`
	Status          domain.QuoteStatus `json:"status" validate:"required,oneof=draft sent accepted declined expired"`
}

// ResolutionRequest — решение пользователя по конфликту, переданное вместе с повторной отправкой.
type ResolutionRequest struct {
	Choice            domain.ConflictChoice `json:"choice" validate:"required,oneof=keepMine takeServer manual"`
	ConflictAttemptID string                `json:"conflictAttemptId"`
	ServerVersion     int64                 `json:"serverVersion" validate:"min=0"`
	DecidedAt         time.Time             `json:"decidedAt"`
}

func (r SaveQuoteRequest) toDomain(quoteID, attemptID string) domain.SaveRequest {
	req := domain.SaveRequest{
		AttemptID:       attemptID,
		QuoteID:         quoteID,
		ExpectedVersion: r.ExpectedVersion,
		Content:         r.Content,
		PricingHash:     r.PricingHash,
	}
	if r.Resolution != nil {
		req.Resolution = &domain.ConflictDecision{
			Choice:          r.Resolution.Choice,
			ConflictAttempt: r.Resolution.ConflictAttemptID,
			ServerVersion:   r.Resolution.ServerVersion,
			DecidedAt:       r.Resolution.DecidedAt,
		}
	}
	return req
}

// QuoteResponse — представление котировки в API.
type QuoteResponse struct {
	ID          string              `json:"id"`
	AgentID     string              `json:"agentId"`
	ClientID    string              `json:"clientId"`
	Status      domain.QuoteStatus  `json:"status"`
	Version     int64               `json:"version"`
	Content     domain.QuoteContent `json:"content"`
	PricingHash string              `json:"pricingHash"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

func newQuoteResponse(q domain.Quote) QuoteResponse {
	return QuoteResponse{
		ID:          q.ID,
		AgentID:     q.AgentID,
		ClientID:    q.ClientID,
		Status:      q.Status,
		Version:     q.Version,
		Content:     q.Content,
		PricingHash: q.PricingHash,
		CreatedAt:   q.CreatedAt,
		UpdatedAt:   q.UpdatedAt,
	}
}

// HistoryEventResponse — запись истории котировки.
type HistoryEventResponse struct {
	Type      string    `json:"type"`
	AttemptID string    `json:"attemptId,omitempty"`
	Version   int64     `json:"version"`
	Reason    string    `json:"reason,omitempty"`
	Occurred  time.Time `json:"occurred"`
}

func newHistoryResponse(events []domain.HistoryEvent) []HistoryEventResponse {
	out := make([]HistoryEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, HistoryEventResponse{
			Type:      ev.Type,
			AttemptID: ev.AttemptID,
			Version:   ev.Version,
			Reason:    ev.Reason,
			Occurred:  ev.Occurred,
		})
	}
	return out
}

// ErrorResponse — тело ошибки. Для save endpoint совпадает по форме с SaveResponse.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Reason  domain.SaveReason `json:"reason"`
	Message string            `json:"message"`
	Details any               `json:"details,omitempty"`
}
