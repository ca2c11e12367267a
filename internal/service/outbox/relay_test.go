package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
	"github.com/vladislavdragonenkov/quotesave/internal/storage/memory"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "outbox-relay-test")
}

func quoteEvent(id, quoteID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateTypeQuote,
		AggregateID:   quoteID,
		EventType:     eventType,
		Payload:       []byte(`{"quote_id":"` + quoteID + `"}`),
	}
}

func TestRelay_ProcessOnce_MarksSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		quoteEvent("msg-1", "quote-1", domain.EventQuoteSaved),
	}}
	publisher := &stubPublisher{}

	relay := NewRelay(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3), WithLogger(quietLogger()))
	result := relay.ProcessOnce(context.Background())

	if result.Sent != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-1" {
		t.Fatalf("unexpected sent ids: %v", repo.sentIDs)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestRelay_ProcessOnce_FailureGoesToDLQ(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		quoteEvent("msg-2", "quote-2", domain.EventQuoteVersionConflict),
	}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}

	relay := NewRelay(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithLogger(quietLogger()),
	)
	result := relay.ProcessOnce(context.Background())

	if result.Failed != 1 {
		t.Fatalf("expected 1 failed event, got %+v", result)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-2" {
		t.Fatalf("unexpected failed ids: %v", repo.failedIDs)
	}
	if got := dlq.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}
}

func TestRelay_DLQPayloadCarriesOriginalEvent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		quoteEvent("msg-9", "quote-9", domain.EventQuoteSaved),
	}}
	dlq := &stubPublisher{}
	failedAt := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	relay := NewRelay(repo, &stubPublisher{err: errors.New("broker down")},
		WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(1), WithLogger(quietLogger()))
	relay.now = func() time.Time { return failedAt }
	relay.ProcessOnce(context.Background())

	if len(dlq.payloads) != 1 {
		t.Fatalf("expected one dlq message, got %d", len(dlq.payloads))
	}
	var failed FailedEvent
	if err := json.Unmarshal(dlq.payloads[0], &failed); err != nil {
		t.Fatalf("decode dlq payload: %v", err)
	}
	if failed.OutboxID != "msg-9" || failed.AggregateID != "quote-9" || !failed.FailedAt.Equal(failedAt) {
		t.Fatalf("unexpected dlq payload: %+v", failed)
	}
	if string(failed.Payload) != `{"quote_id":"quote-9"}` {
		t.Fatalf("original payload must be kept verbatim, got %s", failed.Payload)
	}
	if failed.PublishError == "" {
		t.Fatal("publish error must be recorded")
	}
}

func TestRelay_ProcessOnce_KeepsPerQuoteOrder(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		quoteEvent("msg-1", "quote-1", domain.EventQuoteVersionConflict),
		quoteEvent("msg-2", "quote-2", domain.EventQuoteSaved),
		quoteEvent("msg-3", "quote-1", domain.EventQuoteSaved),
	}}
	publisher := &stubPublisher{failFor: map[string]bool{"msg-1": true}}

	registry := prometheus.NewRegistry()
	relay := NewRelay(repo, publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
		WithLogger(quietLogger()),
		WithMetrics(metrics.NewRelayMetricsWithRegisterer(registry)),
	)
	result := relay.ProcessOnce(context.Background())

	if result.Sent != 1 || result.Failed != 1 || result.Deferred != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-2" {
		t.Fatalf("only quote-2 event must be sent, got %v", repo.sentIDs)
	}
	for _, id := range repo.failedIDs {
		if id == "msg-3" {
			t.Fatal("deferred event must stay pending")
		}
	}

	if got := counterValue(t, registry, "quotes_outbox_deferred_total"); got != 1 {
		t.Fatalf("expected deferred counter 1, got %v", got)
	}
}

func TestRelay_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		quoteEvent("msg-3", "quote-3", domain.EventQuoteSaved),
	}}
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	relay := NewRelay(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3), WithLogger(quietLogger()))
	relay.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.sentIDs) != 1 || len(repo.failedIDs) != 0 {
		t.Fatalf("unexpected marks: sent=%v failed=%v", repo.sentIDs, repo.failedIDs)
	}
}

func TestRelay_WithMemoryOutbox(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, msg := range []domain.OutboxMessage{
		quoteEvent("msg-1", "quote-1", domain.EventQuoteCreated),
		quoteEvent("msg-2", "quote-1", domain.EventQuoteSaved),
	} {
		if _, err := repo.Enqueue(msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	publisher := &stubPublisher{}

	relay := NewRelay(repo, publisher, WithRetryBaseDelay(0), WithLogger(quietLogger()))
	relay.ProcessOnce(context.Background())

	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}
	if got := publisher.published(); len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-2" {
		t.Fatalf("unexpected publish order: %v", got)
	}
}

func TestRelay_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	relay := NewRelay(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancel")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	if got := backoff(0, 3); got != 0 {
		t.Fatalf("zero base must disable backoff, got %v", got)
	}
	if got := backoff(10*time.Millisecond, 1); got != 10*time.Millisecond {
		t.Fatalf("unexpected first delay %v", got)
	}
	if got := backoff(10*time.Millisecond, 3); got != 40*time.Millisecond {
		t.Fatalf("unexpected third delay %v", got)
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			family = f
		}
	}
	if family == nil {
		t.Fatalf("metric %s not found", name)
	}
	return family.GetMetric()[0].GetCounter().GetValue()
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats() (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	failFor        map[string]bool
	sequenceErrors []error
	callCount      int
	sent           []string
	payloads       [][]byte
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.payloads = append(s.payloads, event.Payload)
	if s.failFor[event.ID] {
		return errors.New("publish rejected")
	}
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		if err != nil {
			return err
		}
		s.sent = append(s.sent, event.ID)
		return nil
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, event.ID)
	return nil
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)
