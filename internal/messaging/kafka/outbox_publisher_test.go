package kafka

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event QuoteEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.AggregateID != "quote-123" || event.EventType != domain.EventQuoteSaved {
			return errors.New("unexpected envelope")
		}
		if string(event.Payload) != `{"version":3}` {
			return errors.New("payload must be embedded as raw json")
		}
		return nil
	})

	publisher := NewOutboxPublisher(newProducer(mockProducer), "")
	if publisher.Topic() != TopicQuoteEvents {
		t.Fatalf("unexpected default topic %q", publisher.Topic())
	}

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateTypeQuote,
		AggregateID:   "quote-123",
		EventType:     domain.EventQuoteSaved,
		Payload:       []byte(`{"version":3}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(newProducer(mockProducer), TopicDeadLetterQueue)
	err := publisher.Publish(domain.OutboxMessage{
		ID:          "outbox-2",
		AggregateID: "quote-234",
		EventType:   domain.EventQuoteVersionConflict,
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicQuoteEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
