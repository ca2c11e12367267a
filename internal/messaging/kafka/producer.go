package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "quote-service"

// Producer отправляет JSON-события котировок в Kafka и ждёт подтверждения.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	clock  func() time.Time
}

// NewProducer подключается к брокерам; clientID по умолчанию "quote-service".
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	sp, err := NewSyncProducer(brokers, clientID)
	if err != nil {
		return nil, err
	}
	return newProducer(sp), nil
}

// NewSyncProducer возвращает sarama.SyncProducer с настройками Producer для утилит,
// которым нужно отправлять готовые сообщения без перекодирования.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	sp, err := sarama.NewSyncProducer(brokers, producerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return sp, nil
}

// ParseBrokers разбирает список брокеров через запятую, пропуская пустые элементы.
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func newProducer(sp sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sp,
		logger: log.WithFields(log.Fields{"component": "kafka-producer", "layer": "messaging"}),
		clock:  time.Now,
	}
}

// producerConfig включает идемпотентную отправку: события сохранений не должны дублироваться
// при ретраях самого sarama.
func producerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// PublishEvent кодирует event в JSON и пишет его в topic под ключом key.
// Пустой key оставляет выбор партиции sarama.
func (p *Producer) PublishEvent(topic, key string, event any, headers ...sarama.RecordHeader) error {
	msg, err := p.encode(topic, key, event, headers)
	if err != nil {
		return err
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		entry.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

func (p *Producer) encode(topic, key string, event any, headers []sarama.RecordHeader) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event for %s: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(body),
		Headers:   headers,
		Timestamp: p.clock(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
