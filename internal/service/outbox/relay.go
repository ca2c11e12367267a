// Package outbox публикует события котировок из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// FailedEvent — тело сообщения, которое relay отправляет в DLQ, когда событие
// не удалось опубликовать за все попытки. cmd/dlq-reprocess читает его обратно.
type FailedEvent struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

// Relay переносит события котировок из outbox в брокер.
// События одной котировки уходят строго по порядку: после сбоя остальные события
// этой котировки остаются pending до следующего цикла.
type Relay struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.RelayMetrics
	now       func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryBase    time.Duration
}

// Option настраивает Relay.
type Option func(*Relay)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics подключает метрики relay.
func WithMetrics(m *metrics.RelayMetrics) Option { return func(r *Relay) { r.metrics = m } }

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(p domain.OutboxPublisher) Option { return func(r *Relay) { r.dlq = p } }

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(r *Relay) { r.retryBase = max(d, 0) }
}

// BatchResult — итог одного цикла публикации.
type BatchResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// NewRelay создаёт relay.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Relay {
	r := &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       log.WithField("component", "outbox-relay"),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		retryBase:    defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run публикует события до отмены ctx. Отмена ctx не считается ошибкой.
// Без publisher relay простаивает: события копятся в outbox до появления брокера.
func (r *Relay) Run(ctx context.Context) error {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay idle: no repository or publisher")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч и публикует его.
func (r *Relay) ProcessOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}

	r.observeBacklog()
	defer r.observeBacklog()

	batch, err := r.repo.PullPending(r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("outbox pull failed")
		return res
	}

	stalled := make(map[string]bool)
	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}
		if stalled[event.AggregateID] {
			res.Deferred++
			r.metrics.RecordDeferred()
			continue
		}

		err := r.deliver(ctx, event)
		switch {
		case err == nil:
			res.Sent++
			r.metrics.RecordPublished(event.EventType)
			if err := r.repo.MarkSent(event.ID); err != nil {
				r.logger.WithError(err).WithField("outbox_id", event.ID).Warn("outbox mark sent failed")
			}
		case ctx.Err() != nil:
			return res
		default:
			res.Failed++
			stalled[event.AggregateID] = true
			r.giveUp(event, err)
		}
	}

	if res.Sent+res.Failed > 0 {
		r.logger.WithFields(log.Fields{
			"sent":     res.Sent,
			"failed":   res.Failed,
			"deferred": res.Deferred,
		}).Debug("outbox batch processed")
	}
	return res
}

// deliver публикует событие, повторяя с удваивающейся паузой.
func (r *Relay) deliver(ctx context.Context, event domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.publisher.Publish(event); err == nil {
			r.metrics.RecordAttempt("sent")
			return nil
		}
		r.metrics.RecordAttempt("retry_error")
		if attempt >= r.maxAttempts {
			break
		}
		if wait := backoff(r.retryBase, attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, r.maxAttempts, err)
}

// giveUp отправляет событие в DLQ и помечает его failed.
func (r *Relay) giveUp(event domain.OutboxMessage, cause error) {
	entry := r.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"quote_id":   event.AggregateID,
		"event_type": event.EventType,
	})
	entry.WithError(cause).Error("outbox publish failed after retries")
	r.metrics.RecordAttempt("failed")

	if r.dlq != nil {
		if err := r.sendToDLQ(event, cause); err != nil {
			entry.WithError(err).Warn("outbox dlq publish failed")
			r.metrics.RecordAttempt("dlq_failed")
		}
	}
	if err := r.repo.MarkFailed(event.ID); err != nil {
		entry.WithError(err).Warn("outbox mark failed failed")
	}
}

func (r *Relay) sendToDLQ(event domain.OutboxMessage, cause error) error {
	body, err := json.Marshal(FailedEvent{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishError:  cause.Error(),
		FailedAt:      r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dlq event: %w", err)
	}

	dead := event
	dead.Payload = body
	if err := r.dlq.Publish(dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (r *Relay) observeBacklog() {
	stats, err := r.repo.Stats()
	if err != nil {
		r.logger.WithError(err).Warn("outbox backlog stats failed")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = r.now().Sub(stats.OldestPendingAt)
	}
	r.metrics.SetBacklog(stats.PendingCount, age)
}

// backoff возвращает base * 2^(attempt-1), не переполняя time.Duration.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	const ceiling = time.Duration(1<<63 - 1)
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return delay
}
