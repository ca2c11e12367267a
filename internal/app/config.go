package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса. Значения читаются из окружения и .env.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":50051"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StorageDriver       string `env:"STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	PostgresMaxConns    int    `env:"POSTGRES_MAX_CONNS" envDefault:"25"`

	// RedisURL включает общее хранилище ключей попыток для нескольких реплик.
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"quotesave:idem:"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaClientID      string   `env:"KAFKA_CLIENT_ID" envDefault:"quote-service"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"quote-save-monitoring"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"3"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"100ms"`

	IdempotencyTTL              time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"1m"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" envDefault:"500"`

	SaveRateLimit float64 `env:"SAVE_RATE_LIMIT" envDefault:"20"`
	SaveRateBurst int     `env:"SAVE_RATE_BURST" envDefault:"40"`

	MonitoringWindow    time.Duration `env:"MONITORING_WINDOW" envDefault:"5m"`
	MonitoringBucket    time.Duration `env:"MONITORING_BUCKET" envDefault:"10s"`
	AlertConflictRate   float64       `env:"ALERT_CONFLICT_RATE" envDefault:"0.2"`
	AlertErrorRate      float64       `env:"ALERT_ERROR_RATE" envDefault:"0.1"`
	AlertMinSamples     int           `env:"ALERT_MIN_SAMPLES" envDefault:"20"`
	AlertCheckInterval  time.Duration `env:"ALERT_CHECK_INTERVAL" envDefault:"15s"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"5s"`
}

// DefaultConfig возвращает значения по умолчанию без чтения окружения.
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// LoadConfig читает .env (если есть) и переменные окружения.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	return parseConfig(nil)
}

// parseConfig разбирает окружение; nil означает окружение процесса.
func parseConfig(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("env.Parse: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.MonitoringBucket <= 0 || c.MonitoringWindow < c.MonitoringBucket {
		errs = append(errs, errors.New("MONITORING_WINDOW must be >= MONITORING_BUCKET > 0"))
	}
	if !validRate(c.AlertConflictRate) {
		errs = append(errs, errors.New("ALERT_CONFLICT_RATE must be in (0, 1]"))
	}
	if !validRate(c.AlertErrorRate) {
		errs = append(errs, errors.New("ALERT_ERROR_RATE must be in (0, 1]"))
	}
	if c.SaveRateLimit < 0 {
		errs = append(errs, errors.New("SAVE_RATE_LIMIT must be >= 0"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled сообщает, заданы ли брокеры.
func (c Config) KafkaEnabled() bool {
	for _, broker := range c.KafkaBrokers {
		if strings.TrimSpace(broker) != "" {
			return true
		}
	}
	return false
}

func validRate(rate float64) bool {
	return rate > 0 && rate <= 1
}
