// Package quotes реализует серверную часть сохранения котировок:
// проверку содержимого, хеша цен и версии, историю и события outbox.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
	"github.com/vladislavdragonenkov/quotesave/internal/pricing"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Service обслуживает операции над котировками поверх репозиториев.
type Service struct {
	quotes   domain.QuoteRepository
	history  domain.HistoryRepository
	outbox   domain.OutboxRepository
	idemRepo domain.IdempotencyRepository

	metrics *metrics.SaveMetrics
	logger  *log.Entry
	now     func() time.Time
	idemTTL time.Duration
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.SaveMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIdempotencyTTL задаёт срок хранения ответа по ключу попытки.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// NewService конструирует сервис. history, outbox и idemRepo могут быть nil.
func NewService(
	quotes domain.QuoteRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	idemRepo domain.IdempotencyRepository,
	opts ...Option,
) *Service {
	s := &Service{
		quotes:   quotes,
		history:  history,
		outbox:   outbox,
		idemRepo: idemRepo,
		logger:   log.New().WithField("component", "quote-service"),
		now:      func() time.Time { return time.Now().UTC() },
		idemTTL:  defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateQuoteInput — данные для создания котировки.
type CreateQuoteInput struct {
	ID          string
	AgentID     string
	ClientID    string
	Content     domain.QuoteContent
	PricingHash string
}

// Create создаёт котировку с версией 1. Хеш цен проверяется так же, как при сохранении.
func (s *Service) Create(_ context.Context, in CreateQuoteInput) (domain.Quote, error) {
	if errs := in.Content.Validate(); len(errs) > 0 {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrInvalidRequest, joinErrors(errs))
	}
	if err := pricing.VerifyHash(in.Content, in.PricingHash); err != nil {
		s.logger.WithFields(log.Fields{
			"agent_id":         in.AgentID,
			"tamper_suspected": true,
		}).Warn("pricing hash mismatch on quote create")
		return domain.Quote{}, err
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	quote := domain.Quote{
		ID:          id,
		AgentID:     in.AgentID,
		ClientID:    in.ClientID,
		Status:      domain.QuoteStatusDraft,
		Content:     in.Content.Clone(),
		PricingHash: in.PricingHash,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if errs := quote.ValidateInvariants(); len(errs) > 0 {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrInvalidRequest, joinErrors(errs))
	}

	if err := s.quotes.Create(quote); err != nil {
		if errors.Is(err, domain.ErrQuoteAlreadyExists) {
			return domain.Quote{}, err
		}
		s.logger.WithError(err).WithField("quote_id", id).Error("failed to create quote")
		return domain.Quote{}, fmt.Errorf("create quote: %w", err)
	}

	s.appendHistory(domain.HistoryEvent{
		QuoteID:  id,
		Type:     domain.HistoryQuoteCreated,
		Version:  quote.Version,
		Occurred: now,
	})
	s.emitEvent(domain.EventQuoteCreated, quoteEventPayload{
		QuoteID:  id,
		Version:  quote.Version,
		Currency: quote.Content.Currency,
		Total:    domain.FormatMoney(quote.Content.Total),
	})
	s.metrics.RecordQuoteCreated()

	s.logger.WithFields(log.Fields{
		"quote_id": id,
		"agent_id": in.AgentID,
	}).Info("quote created")

	return quote, nil
}

// Get возвращает котировку по идентификатору.
func (s *Service) Get(_ context.Context, id string) (domain.Quote, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrQuoteIDRequired)
	}
	quote, err := s.quotes.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrQuoteNotFound) {
			return domain.Quote{}, err
		}
		s.logger.WithError(err).WithField("quote_id", id).Error("failed to load quote")
		return domain.Quote{}, fmt.Errorf("get quote: %w", err)
	}
	return quote, nil
}

// ListByAgent возвращает котировки агента, новые первыми.
func (s *Service) ListByAgent(_ context.Context, agentID string, limit int) ([]domain.Quote, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	quotes, err := s.quotes.ListByAgent(agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	return quotes, nil
}

// History возвращает историю котировки в хронологическом порядке.
func (s *Service) History(ctx context.Context, id string) ([]domain.HistoryEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}
	events, err := s.history.List(id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return events, nil
}

// Save обрабатывает попытку сохранения черновика.
// key — идентификатор попытки (Idempotency-Key); повтор с тем же ключом и телом получает прежний ответ.
// Конфликт версий и несовпадение хеша возвращаются как ответ без ошибки.
func (s *Service) Save(ctx context.Context, key string, req domain.SaveRequest) (domain.SaveResponse, error) {
	if strings.TrimSpace(req.AttemptID) == "" {
		req.AttemptID = strings.TrimSpace(key)
	}
	return s.withIdempotency(ctx, key, req, s.save)
}

func (s *Service) save(_ context.Context, req domain.SaveRequest) (resp domain.SaveResponse, err error) {
	started := s.now()
	defer func() {
		s.metrics.RecordSave(saveResult(resp, err), s.now().Sub(started))
	}()

	if strings.TrimSpace(req.QuoteID) == "" {
		return domain.SaveResponse{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrQuoteIDRequired)
	}
	if req.ExpectedVersion <= 0 {
		return domain.SaveResponse{}, fmt.Errorf("%w: expectedVersion must be positive", ErrInvalidRequest)
	}
	if errs := req.Content.Validate(); len(errs) > 0 {
		return domain.SaveResponse{}, fmt.Errorf("%w: %s", ErrInvalidRequest, joinErrors(errs))
	}
	if req.Resolution != nil && !req.Resolution.Choice.Valid() {
		return domain.SaveResponse{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrConflictChoiceInvalid)
	}

	current, err := s.quotes.Get(req.QuoteID)
	if err != nil {
		if errors.Is(err, domain.ErrQuoteNotFound) {
			return domain.SaveResponse{}, err
		}
		s.logger.WithError(err).WithField("quote_id", req.QuoteID).Error("failed to load quote for save")
		return domain.SaveResponse{}, fmt.Errorf("load quote: %w", err)
	}

	if !current.Status.Editable() {
		return domain.SaveResponse{}, fmt.Errorf("%w: %w (status %s)", ErrInvalidRequest, domain.ErrQuoteNotEditable, current.Status)
	}

	if hashErr := pricing.VerifyHash(req.Content, req.PricingHash); hashErr != nil {
		return s.onHashMismatch(req, current), nil
	}

	if current.Version != req.ExpectedVersion {
		return s.onConflict(req, current), nil
	}

	updated := current
	updated.Content = req.Content.Clone()
	updated.PricingHash = req.PricingHash
	updated.Version = req.ExpectedVersion
	updated.UpdatedAt = s.now()

	if err := s.quotes.Save(updated); err != nil {
		if !domain.IsVersionConflict(err) {
			s.logger.WithError(err).WithField("quote_id", req.QuoteID).Error("failed to save quote")
			return domain.SaveResponse{}, fmt.Errorf("save quote: %w", err)
		}
		// Версию успел поменять параллельный запрос: отдаём свежий снимок.
		latest, getErr := s.quotes.Get(req.QuoteID)
		if getErr != nil {
			return domain.SaveResponse{}, fmt.Errorf("reload quote after conflict: %w", getErr)
		}
		return s.onConflict(req, latest), nil
	}

	newVersion := req.ExpectedVersion + 1
	s.onSaved(req, updated, newVersion)

	return domain.SaveResponse{Success: true, NewVersion: newVersion}, nil
}

// ChangeStatusInput — запрос на смену статуса котировки.
type ChangeStatusInput struct {
	QuoteID         string
	ExpectedVersion int64
	Status          domain.QuoteStatus
}

// ChangeStatus переводит котировку в новый статус под той же защитой версией, что и сохранение.
// Устаревшая версия даёт ErrQuoteVersionConflict, запрещённый переход — ErrQuoteStatusTransition.
func (s *Service) ChangeStatus(_ context.Context, in ChangeStatusInput) (domain.Quote, error) {
	if strings.TrimSpace(in.QuoteID) == "" {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrQuoteIDRequired)
	}
	if in.ExpectedVersion <= 0 {
		return domain.Quote{}, fmt.Errorf("%w: expectedVersion must be positive", ErrInvalidRequest)
	}
	if !in.Status.Valid() {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrQuoteStatusInvalid)
	}

	current, err := s.quotes.Get(in.QuoteID)
	if err != nil {
		if errors.Is(err, domain.ErrQuoteNotFound) {
			return domain.Quote{}, err
		}
		return domain.Quote{}, fmt.Errorf("load quote: %w", err)
	}
	if current.Version != in.ExpectedVersion {
		return domain.Quote{}, domain.ErrQuoteVersionConflict
	}
	if !current.Status.CanTransitionTo(in.Status) {
		return domain.Quote{}, fmt.Errorf("%w: %s -> %s", domain.ErrQuoteStatusTransition, current.Status, in.Status)
	}

	updated := current
	updated.Status = in.Status
	updated.UpdatedAt = s.now()
	if err := s.quotes.Save(updated); err != nil {
		if domain.IsVersionConflict(err) {
			return domain.Quote{}, err
		}
		s.logger.WithError(err).WithField("quote_id", in.QuoteID).Error("failed to change quote status")
		return domain.Quote{}, fmt.Errorf("change quote status: %w", err)
	}
	updated.Version = in.ExpectedVersion + 1

	s.appendHistory(domain.HistoryEvent{
		QuoteID:  in.QuoteID,
		Type:     domain.HistoryStatusChanged,
		Version:  updated.Version,
		Reason:   string(current.Status) + " -> " + string(in.Status),
		Occurred: updated.UpdatedAt,
	})
	s.emitEvent(domain.EventQuoteStatusChanged, quoteEventPayload{
		QuoteID:         in.QuoteID,
		Version:         updated.Version,
		ExpectedVersion: in.ExpectedVersion,
		Status:          string(in.Status),
	})

	s.logger.WithFields(log.Fields{
		"quote_id":    in.QuoteID,
		"from_status": current.Status,
		"to_status":   in.Status,
		"new_version": updated.Version,
	}).Info("quote status changed")

	return updated, nil
}

func (s *Service) onSaved(req domain.SaveRequest, quote domain.Quote, newVersion int64) {
	occurred := quote.UpdatedAt
	s.appendHistory(domain.HistoryEvent{
		QuoteID:   req.QuoteID,
		Type:      domain.HistoryQuoteSaved,
		AttemptID: req.AttemptID,
		Version:   newVersion,
		Occurred:  occurred,
	})

	payload := quoteEventPayload{
		QuoteID:         req.QuoteID,
		AttemptID:       req.AttemptID,
		Version:         newVersion,
		ExpectedVersion: req.ExpectedVersion,
		Currency:        quote.Content.Currency,
		Total:           domain.FormatMoney(quote.Content.Total),
	}
	if req.Resolution != nil {
		s.appendHistory(domain.HistoryEvent{
			QuoteID:   req.QuoteID,
			Type:      domain.HistoryConflictResolved,
			AttemptID: req.AttemptID,
			Version:   newVersion,
			Reason:    string(req.Resolution.Choice),
			Occurred:  occurred,
		})
		payload.Resolution = string(req.Resolution.Choice)
	}
	s.emitEvent(domain.EventQuoteSaved, payload)

	s.logger.WithFields(log.Fields{
		"quote_id":    req.QuoteID,
		"attempt_id":  req.AttemptID,
		"new_version": newVersion,
	}).Info("quote saved")
}

func (s *Service) onConflict(req domain.SaveRequest, current domain.Quote) domain.SaveResponse {
	s.appendHistory(domain.HistoryEvent{
		QuoteID:   req.QuoteID,
		Type:      domain.HistoryVersionConflict,
		AttemptID: req.AttemptID,
		Version:   current.Version,
		Reason:    fmt.Sprintf("expected %d, server %d", req.ExpectedVersion, current.Version),
		Occurred:  s.now(),
	})
	s.emitEvent(domain.EventQuoteVersionConflict, quoteEventPayload{
		QuoteID:         req.QuoteID,
		AttemptID:       req.AttemptID,
		Version:         current.Version,
		ExpectedVersion: req.ExpectedVersion,
	})

	s.logger.WithFields(log.Fields{
		"quote_id":         req.QuoteID,
		"attempt_id":       req.AttemptID,
		"expected_version": req.ExpectedVersion,
		"server_version":   current.Version,
	}).Info("quote version conflict")

	snapshot := current.Snapshot()
	return domain.SaveResponse{
		Success:        false,
		Reason:         domain.SaveReasonConflict,
		Message:        "quote was changed by another session",
		ServerSnapshot: &snapshot,
	}
}

func (s *Service) onHashMismatch(req domain.SaveRequest, current domain.Quote) domain.SaveResponse {
	s.appendHistory(domain.HistoryEvent{
		QuoteID:   req.QuoteID,
		Type:      domain.HistoryPricingHashMismatch,
		AttemptID: req.AttemptID,
		Version:   current.Version,
		Occurred:  s.now(),
	})
	s.emitEvent(domain.EventQuotePricingHashMismatch, quoteEventPayload{
		QuoteID:         req.QuoteID,
		AttemptID:       req.AttemptID,
		Version:         current.Version,
		ExpectedVersion: req.ExpectedVersion,
	})

	s.logger.WithFields(log.Fields{
		"quote_id":         req.QuoteID,
		"attempt_id":       req.AttemptID,
		"submitted_hash":   req.PricingHash,
		"tamper_suspected": true,
	}).Warn("pricing hash mismatch")

	return domain.SaveResponse{
		Success: false,
		Reason:  domain.SaveReasonHashMismatch,
		Message: domain.ErrPricingHashMismatch.Error(),
	}
}

func (s *Service) appendHistory(event domain.HistoryEvent) {
	if s.history == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = s.now()
	}
	if err := s.history.Append(event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"quote_id": event.QuoteID,
			"event":    event.Type,
		}).Warn("failed to append history event")
		return
	}
	s.metrics.RecordHistoryEvent()
}

// quoteEventPayload — тело события outbox.
type quoteEventPayload struct {
	QuoteID         string `json:"quote_id"`
	AttemptID       string `json:"attempt_id,omitempty"`
	Version         int64  `json:"version"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Total           string `json:"total,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	Status          string `json:"status,omitempty"`
	OccurredAt      string `json:"occurred_at"`
}

func (s *Service) emitEvent(eventType string, payload quoteEventPayload) {
	if s.outbox == nil {
		return
	}
	payload.OccurredAt = s.now().Format(time.RFC3339Nano)
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("event_type", eventType).Warn("failed to encode outbox payload")
		return
	}
	msg := domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeQuote,
		AggregateID:   payload.QuoteID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"quote_id":   payload.QuoteID,
			"event_type": eventType,
		}).Warn("failed to enqueue outbox event")
		return
	}
	s.metrics.RecordOutboxEvent()
}

func saveResult(resp domain.SaveResponse, err error) string {
	switch {
	case err == nil && resp.Success:
		return metrics.ResultSuccess
	case err == nil && resp.Reason == domain.SaveReasonConflict:
		return metrics.ResultConflict
	case err == nil && resp.Reason == domain.SaveReasonHashMismatch:
		return metrics.ResultHashMismatch
	case errors.Is(err, ErrInvalidRequest):
		return metrics.ResultInvalid
	case errors.Is(err, domain.ErrQuoteNotFound):
		return metrics.ResultNotFound
	default:
		return metrics.ResultError
	}
}

func joinErrors(errs []error) string {
	builder := strings.Builder{}
	for i, err := range errs {
		builder.WriteString(err.Error())
		if i < len(errs)-1 {
			builder.WriteString("; ")
		}
	}
	return builder.String()
}
