package kafka

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// SaveEventSink публикует события мониторинга в quotes.save.monitoring через AsyncProducer.
// Emit не блокирует: если входной канал producer занят, событие отбрасывается.
type SaveEventSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *log.Entry
	now      func() time.Time

	// mu защищает closed: после AsyncClose писать во входной канал producer нельзя.
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewSaveEventSink создаёт sink с собственным AsyncProducer.
func NewSaveEventSink(brokers []string, clientID string) (*SaveEventSink, error) {
	producer, err := sarama.NewAsyncProducer(brokers, newSinkConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka async producer: %w", err)
	}
	return newSaveEventSink(producer, TopicSaveMonitoring), nil
}

func newSinkConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = defaultClientID + "-sink"
	}
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.Flush.Frequency = 200 * time.Millisecond
	config.Producer.Timeout = 2 * time.Second
	config.ChannelBufferSize = 512
	return config
}

func newSaveEventSink(producer sarama.AsyncProducer, topic string) *SaveEventSink {
	if topic == "" {
		topic = TopicSaveMonitoring
	}
	s := &SaveEventSink{
		producer: producer,
		topic:    topic,
		logger:   log.WithField("component", "kafka-save-sink"),
		now:      time.Now,
	}
	s.wg.Add(1)
	go s.drainErrors()
	return s
}

func (s *SaveEventSink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		s.failed.Add(1)
		entry := s.logger.WithError(perr.Err)
		if perr.Msg != nil {
			entry = entry.WithField("topic", perr.Msg.Topic)
		}
		entry.Warn("failed to publish save event")
	}
}

// Emit ставит событие в очередь producer без ожидания. После Close событие отбрасывается.
func (s *SaveEventSink) Emit(event domain.SaveEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		s.logger.WithError(err).WithField("attempt_id", event.AttemptID).Warn("failed to marshal save event")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(event.AttemptID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: s.now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.producer.Input() <- msg:
	default:
		s.dropped.Add(1)
		s.logger.WithField("attempt_id", event.AttemptID).Debug("save event dropped: producer queue is full")
	}
}

// Dropped возвращает число событий, отброшенных из-за переполнения или после Close.
func (s *SaveEventSink) Dropped() int64 {
	return s.dropped.Load()
}

// Failed возвращает число событий, которые не удалось опубликовать.
func (s *SaveEventSink) Failed() int64 {
	return s.failed.Load()
}

// Close дожидается отправки буфера и закрывает producer.
func (s *SaveEventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.producer.AsyncClose()
	s.wg.Wait()
	return nil
}
