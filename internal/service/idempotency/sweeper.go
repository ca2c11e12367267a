// Package idempotency удаляет просроченные ключи попыток сохранения.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

// SweeperOptions задаёт параметры очистки.
type SweeperOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.CleanupMetrics
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// Option настраивает Sweeper.
type Option func(*SweeperOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *SweeperOptions) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики очистки.
func WithMetrics(m *metrics.CleanupMetrics) Option {
	return func(opts *SweeperOptions) {
		opts.Metrics = m
	}
}

// WithInterval задаёт интервал между циклами.
func WithInterval(interval time.Duration) Option {
	return func(opts *SweeperOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер порции удаления.
func WithBatchSize(batchSize int) Option {
	return func(opts *SweeperOptions) {
		opts.BatchSize = batchSize
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *SweeperOptions) {
		opts.Now = now
	}
}

// Sweeper периодически удаляет ключи попыток, чей срок хранения истёк.
// После удаления повтор с тем же attempt id выполняется как новая попытка.
type Sweeper struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	metrics   *metrics.CleanupMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper создаёт Sweeper.
func NewSweeper(repo domain.IdempotencyRepository, options ...Option) *Sweeper {
	opts := SweeperOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Sweeper{
		repo:      repo,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run выполняет очистку до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper is disabled: repo is nil")
		<-ctx.Done()
		return nil
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.DeleteExpired(ctx, s.now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.metrics.RecordRun("error", deleted)
		s.logger.WithError(err).Warn("idempotency sweep failed")
		return
	}

	s.metrics.RecordRun("ok", deleted)
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("expired save attempt keys removed")
	}
}

// DeleteExpired удаляет записи с ttl <= before порциями batchSize.
func (s *Sweeper) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := s.repo.DeleteExpired(before, s.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		s.metrics.AddDeleted(deleted)

		if deleted < s.batchSize {
			return total, nil
		}
	}
}
