package app

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/quotesave/internal/health"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	if deps.quoteRepo == nil || deps.historyRepo == nil || deps.outboxRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("memory repositories must be initialized: %+v", deps)
	}
	if !deps.sweepIdempotency {
		t.Error("memory idempotency keys must be swept")
	}
	if len(deps.checkers) != 0 {
		t.Errorf("memory storage has no external checks, got %d", len(deps.checkers))
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestInitRuntimeDependencies_RedisIdempotency(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:  StorageDriverMemory,
		RedisURL:       "redis://" + mr.Addr(),
		RedisKeyPrefix: "test:idem:",
	}, log.WithField("test", "redis-idempotency"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(redis) failed: %v", err)
	}
	defer deps.close(log.WithField("test", "redis-idempotency"))

	if deps.sweepIdempotency {
		t.Error("redis keys expire on their own and must not be swept")
	}
	checker, ok := deps.checkers["redis"]
	if !ok {
		t.Fatal("expected redis health checker")
	}
	if check := checker.Check(context.Background()); check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy redis, got %+v", check)
	}

	if _, err := deps.idempotencyRepo.CreateProcessing("attempt-1", "hash", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if !mr.Exists("test:idem:attempt-1") {
		t.Error("attempt key must be written with the configured prefix")
	}
}

func TestInitRuntimeDependencies_RedisUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		RedisURL:      "redis://" + addr,
	}, log.WithField("test", "redis-down"))
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("QUOTESAVE_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	logger := log.WithField("test", "postgres-init")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.close(logger)

	checker, ok := deps.checkers["postgres"]
	if !ok {
		t.Fatal("expected postgres health checker")
	}
	if check := checker.Check(context.Background()); check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy postgres, got %+v", check)
	}
}

func TestInitKafka_Disabled(t *testing.T) {
	t.Parallel()

	if rt := initKafka(DefaultConfig(), nil, log.WithField("test", "kafka")); rt != nil {
		t.Fatal("kafka runtime must be nil without brokers")
	}
	var rt *kafkaRuntime
	rt.close(log.WithField("test", "kafka"))
}
