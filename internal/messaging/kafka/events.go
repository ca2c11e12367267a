package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// Topics для Kafka
const (
	TopicQuoteEvents     = "quotes.events"
	TopicSaveMonitoring  = "quotes.save.monitoring"
	TopicDeadLetterQueue = "quotes.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// ErrPoisonMessage — сообщение, которое не станет валидным при повторе. Сразу уходит в DLQ.
var ErrPoisonMessage = errors.New("poison kafka message")

// QuoteEvent — конверт outbox-события котировки в топике quotes.events.
type QuoteEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewQuoteEvent оборачивает outbox-сообщение.
func NewQuoteEvent(msg domain.OutboxMessage, publishedAt time.Time) QuoteEvent {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return QuoteEvent{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// DeadLetter — запись в DLQ о сообщении, которое не удалось обработать.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

// ParseQuoteEvent парсит QuoteEvent из сообщения
func ParseQuoteEvent(message *sarama.ConsumerMessage) (QuoteEvent, error) {
	var event QuoteEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return QuoteEvent{}, fmt.Errorf("%w: unmarshal quote event: %v", ErrPoisonMessage, err)
	}
	return event, nil
}

// ParseSaveEvent парсит клиентское событие мониторинга сохранения.
func ParseSaveEvent(message *sarama.ConsumerMessage) (domain.SaveEvent, error) {
	var event domain.SaveEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return domain.SaveEvent{}, fmt.Errorf("%w: unmarshal save event: %v", ErrPoisonMessage, err)
	}
	return event, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
