package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/messaging/kafka"
)

// kafkaRuntime — producer событий котировок и consumer клиентских событий мониторинга.
type kafkaRuntime struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	consumer  *kafka.Consumer
}

// initKafka поднимает Kafka, если заданы брокеры. Ошибки подключения не останавливают сервис:
// outbox копит события, а мониторинг принимает события по gRPC.
func initKafka(cfg Config, recorder kafka.SaveEventRecorder, logger *log.Entry) *kafkaRuntime {
	if !cfg.KafkaEnabled() {
		logger.Info("kafka is not configured, outbox relay and monitoring consumer are disabled")
		return nil
	}

	brokers := make([]string, 0, len(cfg.KafkaBrokers))
	for _, broker := range cfg.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")

	rt := &kafkaRuntime{
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, kafka.TopicQuoteEvents),
		dlq:       kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
	}

	consumer, err := kafka.NewConsumer(
		brokers,
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicSaveMonitoring},
		kafka.NewSaveEventHandler(recorder),
		kafka.WithDLQ(producer),
		kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create monitoring consumer, save events are accepted over grpc only")
		return rt
	}
	rt.consumer = consumer
	return rt
}

// close закрывает producer. Consumer закрывается сам при выходе из Run.
func (rt *kafkaRuntime) close(logger *log.Entry) {
	if rt == nil || rt.producer == nil {
		return
	}
	if err := rt.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
