// Package app собирает quote-service: HTTP API сохранения, gRPC приём событий мониторинга
// и фоновые воркеры (outbox relay, очистка ключей попыток, оценка алертов, Kafka consumer).
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/quotesave/internal/health"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
	"github.com/vladislavdragonenkov/quotesave/internal/monitoring"
	"github.com/vladislavdragonenkov/quotesave/internal/service/idempotency"
	"github.com/vladislavdragonenkov/quotesave/internal/service/outbox"
	"github.com/vladislavdragonenkov/quotesave/internal/service/quotes"
	"github.com/vladislavdragonenkov/quotesave/internal/transport/grpcapi"
	"github.com/vladislavdragonenkov/quotesave/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/quotesave/internal/version"
)

// application — собранный сервис до открытия сокетов.
type application struct {
	cfg    Config
	logger *log.Entry

	deps      *runtimeDependencies
	kafka     *kafkaRuntime
	collector *monitoring.Collector
	evaluator *monitoring.Evaluator
	service   *quotes.Service
	health    *healthcheck.Handler

	httpServer   *http.Server
	grpcServer   *grpc.Server
	grpcHealth   *health.Server
	relay        *outbox.Relay
	sweeper      *idempotency.Sweeper
	shutdownWait time.Duration
}

// Run поднимает сервис и блокируется до отмены ctx или ошибки одного из компонентов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}
	return a.serve(ctx, httpLis, grpcLis)
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	monitoringMetrics := metrics.NewMonitoringMetrics()
	collector := monitoring.NewCollector(
		monitoring.WithWindow(cfg.MonitoringWindow, cfg.MonitoringBucket),
		monitoring.WithCollectorMetrics(monitoringMetrics),
		monitoring.WithCollectorLogger(logger.WithField("layer", "monitoring")),
	)
	evaluator := monitoring.NewEvaluator(collector,
		monitoring.WithThresholds(monitoring.Thresholds{
			ConflictRate: cfg.AlertConflictRate,
			ErrorRate:    cfg.AlertErrorRate,
			MinSamples:   cfg.AlertMinSamples,
		}),
		monitoring.WithEvaluatorMetrics(monitoringMetrics),
		monitoring.WithEvaluatorLogger(logger.WithField("layer", "alerts")),
	)

	kafkaRT := initKafka(cfg, collector, logger)

	service := quotes.NewService(
		deps.quoteRepo,
		deps.historyRepo,
		deps.outboxRepo,
		deps.idempotencyRepo,
		quotes.WithLogger(logger.WithField("layer", "service")),
		quotes.WithMetrics(metrics.NewSaveMetrics()),
		quotes.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	healthHandler.RegisterChecker("save-alerts", healthcheck.NewAlertChecker("save-alerts", func() []string {
		active := evaluator.Active()
		names := make([]string, 0, len(active))
		for _, alert := range active {
			names = append(names, alert.Name)
		}
		return names
	}))

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:       httpapi.NewHandler(service, collector, evaluator, logger.WithField("layer", "http")),
		Health:        healthHandler,
		SaveRateLimit: cfg.SaveRateLimit,
		SaveRateBurst: cfg.SaveRateBurst,
		Logger:        logger.WithField("layer", "http"),
	})

	grpcServer, grpcHealth := newGRPCServer(collector, logger)

	relayOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithMetrics(metrics.NewRelayMetricsWithRegisterer(nil)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	var publisher domain.OutboxPublisher
	if kafkaRT != nil {
		publisher = kafkaRT.publisher
		relayOpts = append(relayOpts, outbox.WithDLQPublisher(kafkaRT.dlq))
	}

	var sweeper *idempotency.Sweeper
	if deps.sweepIdempotency {
		sweeper = idempotency.NewSweeper(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("layer", "idempotency")),
			idempotency.WithMetrics(metrics.NewCleanupMetricsWithRegisterer(nil)),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		)
	}

	shutdownWait := cfg.ShutdownGracePeriod
	if shutdownWait <= 0 {
		shutdownWait = 5 * time.Second
	}

	return &application{
		cfg:       cfg,
		logger:    logger,
		deps:      deps,
		kafka:     kafkaRT,
		collector: collector,
		evaluator: evaluator,
		service:   service,
		health:    healthHandler,
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcServer:   grpcServer,
		grpcHealth:   grpcHealth,
		relay:        outbox.NewRelay(deps.outboxRepo, publisher, relayOpts...),
		sweeper:      sweeper,
		shutdownWait: shutdownWait,
	}, nil
}

// newGRPCServer создаёт gRPC-сервер с prometheus-интерцептором, health и reflection.
func newGRPCServer(collector *monitoring.Collector, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcapi.RegisterSaveMonitoringServer(server, grpcapi.NewServer(collector, collector, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	// reflection нужен grpcurl
	reflection.Register(server)
	return server, healthServer
}

// serve запускает серверы и воркеры. Отмена ctx считается штатной остановкой.
func (a *application) serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.WithField("addr", httpLis.Addr().String()).Info("HTTP API слушает")
		if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.logger.WithField("addr", grpcLis.Addr().String()).Info("gRPC сервер слушает")
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.relay.Run(gctx) })
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}
	g.Go(func() error { return a.evaluator.Run(gctx, a.cfg.AlertCheckInterval) })
	if a.kafka != nil && a.kafka.consumer != nil {
		g.Go(func() error { return a.kafka.consumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("получен сигнал остановки, останавливаем серверы")
		a.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown останавливает HTTP и gRPC с ограничением по времени.
func (a *application) shutdown() {
	a.grpcHealth.Shutdown()

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(a.shutdownWait):
		a.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		a.grpcServer.Stop()
	}

	shutdownHTTP(a.httpServer, a.shutdownWait, a.logger)
}

// close освобождает Kafka и хранилища.
func (a *application) close() {
	a.kafka.close(a.logger)
	a.deps.close(a.logger)
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
