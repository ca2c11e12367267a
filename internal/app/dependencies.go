package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/quotesave/internal/health"
	"github.com/vladislavdragonenkov/quotesave/internal/storage/memory"
	"github.com/vladislavdragonenkov/quotesave/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/quotesave/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	quoteRepo       domain.QuoteRepository
	historyRepo     domain.HistoryRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	// sweepIdempotency выключен для Redis: ключи истекают по EXPIREAT.
	sweepIdempotency bool

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

// initRuntimeDependencies открывает хранилища по StorageDriver и, если задан REDIS_URL,
// переносит ключи попыток в Redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &runtimeDependencies{
		checkers:         make(map[string]healthcheck.Checker),
		sweepIdempotency: true,
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.quoteRepo = memory.NewQuoteRepository()
		deps.historyRepo = memory.NewHistoryRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns: cfg.PostgresMaxConns,
			MaxIdleConns: cfg.PostgresMaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		deps.quoteRepo = postgres.NewQuoteRepository(store)
		deps.historyRepo = postgres.NewHistoryRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.checkers["postgres"] = healthcheck.NewProbeChecker("postgres", store.Ping)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisURL != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			deps.close(logger)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.closers = append(deps.closers, client.Close)
		repo := redisstore.NewIdempotencyRepository(client, cfg.RedisKeyPrefix)
		deps.idempotencyRepo = repo
		deps.sweepIdempotency = false
		deps.checkers["redis"] = healthcheck.NewProbeChecker("redis", repo.Ping)
		logger.Info("idempotency keys are stored in redis")
	}

	return deps, nil
}

// close закрывает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}
