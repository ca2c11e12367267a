package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку необработанных сообщений в quotes.dlq.
func WithDLQ(producer *Producer) ConsumerOption {
	return func(c *Consumer) {
		c.dlqProducer = producer
	}
}

// WithMaxRetries задаёт число повторов обработчика до отправки в DLQ.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт базовую задержку между повторами.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithConsumerLogger задаёт логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает топики в consumer group и повторяет обработку перед DLQ.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	dlqProducer *Producer
	maxRetries  int
	retryDelay  time.Duration
	now         func() time.Time
}

// NewConsumer создает consumer group.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:   group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run читает сообщения до отмены контекста и закрывает группу.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	for {
		// Consume завершается при rebalance, поэтому вызывается в цикле
		if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				break
			}
			c.logger.WithError(err).Error("error from consumer")
		}
		if ctx.Err() != nil {
			break
		}
	}

	err := c.consumer.Close()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition.
// Сообщение маркируется после успешной обработки или после записи в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			done, err := c.process(session.Context(), message)
			if err != nil {
				// без маркировки сообщение будет перечитано после новой сессии
				return err
			}
			if done {
				session.MarkMessage(message, "")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// process возвращает done=false, если контекст отменили во время повторов.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) (bool, error) {
	fields := log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts++
		lastErr = c.handler(ctx, message)
		if lastErr == nil {
			return true, nil
		}
		if errors.Is(lastErr, ErrPoisonMessage) {
			break
		}
		if attempt == c.maxRetries {
			break
		}
		c.logger.WithError(lastErr).WithFields(fields).WithField("attempt", attempts).Warn("message processing failed, will retry")
		if !sleepCtx(ctx, c.retryDelay*time.Duration(attempt+1)) {
			return false, nil
		}
	}

	if c.dlqProducer == nil {
		c.logger.WithError(lastErr).WithFields(fields).Error("message dropped after retries")
		return true, nil
	}
	if err := c.sendToDLQ(message, lastErr, attempts); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("failed to send message to DLQ")
		return false, fmt.Errorf("failed to send to DLQ: %w", err)
	}
	c.logger.WithFields(fields).WithField("attempts", attempts).Warn("message sent to DLQ")
	return true, nil
}

// retryCount учитывает попытки, сделанные до повторной публикации сообщения.
func retryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(headerValue(message, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, attempts int) error {
	failedAt := c.now().UTC()
	total := retryCount(message) + attempts
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		Attempts:          total,
		FailedAt:          failedAt,
	}
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), letter,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(total))},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(failedAt.Format(time.RFC3339))},
	)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SaveEventRecorder принимает события мониторинга сохранения.
type SaveEventRecorder interface {
	Record(event domain.SaveEvent) (bool, error)
}

// NewSaveEventHandler разбирает сообщения quotes.save.monitoring и передаёт их в recorder.
// Невалидные события считаются poison и уходят в DLQ без повторов.
func NewSaveEventHandler(recorder SaveEventRecorder) MessageHandler {
	return func(_ context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseSaveEvent(message)
		if err != nil {
			return err
		}
		if event.AttemptID == "" && len(message.Key) > 0 {
			event.AttemptID = string(message.Key)
		}
		if _, err := recorder.Record(event); err != nil {
			return fmt.Errorf("%w: %v", ErrPoisonMessage, err)
		}
		return nil
	}
}
