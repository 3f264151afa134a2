package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/ordersaga/internal/health"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/finance"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/httpapi"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
	"github.com/vladislavdragonenkov/ordersaga/internal/version"
)

const shutdownTimeout = 5 * time.Second

// service: собранное приложение до запуска серверов.
type service struct {
	deps       *runtimeDependencies
	keys       *idempotency.Store
	dispatcher *outbox.Dispatcher
	saga       saga.Orchestrator
	pool       *saga.Pool
	cleanup    *idempotency.CleanupWorker
	health     *healthcheck.Handler
	router     *gin.Engine
}

// build собирает зависимости и сервисы по конфигурации.
func build(ctx context.Context, cfg Config, logger *log.Entry) (*service, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	keys := idempotency.NewStore(deps.idempotency,
		idempotency.WithRetention(cfg.IdempotencyRetention),
		idempotency.WithLease(cfg.IdempotencyLease),
		idempotency.WithStoreLogger(logger.WithField("component", "idempotency")),
	)
	dispatcher := outbox.NewDispatcher(deps.outbox, deps.publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-dispatcher")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	// NOTE: финансовый сервис пока in-process mock; клиент реального сервиса подключается здесь.
	orchestrator := createOrchestrator(deps, cfg, keys, dispatcher, finance.NewMockService(), metrics.NewSagaMetrics(), logger)

	cleanup, err := idempotency.NewCleanupWorker(keys,
		idempotency.WithSchedule(cfg.IdempotencyCleanupSchedule),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
	)
	if err != nil {
		deps.Close()
		return nil, err
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outbox, cfg.OutboxBacklogMaxAge, cfg.OutboxMaxPending, nil))

	pool := saga.NewPool(orchestrator, cfg.SagaWorkers, logger.WithField("component", "saga-pool"))
	handler := httpapi.NewHandler(pool, orchestrator, httpapi.WithLogger(logger.WithField("component", "httpapi")))

	return &service{
		deps:       deps,
		keys:       keys,
		dispatcher: dispatcher,
		saga:       orchestrator,
		pool:       pool,
		cleanup:    cleanup,
		health:     healthHandler,
		router:     httpapi.NewRouter(handler),
	}, nil
}

// Run поднимает HTTP-вход, Kafka consumer, outbox dispatcher и очистку ключей
// и работает до отмены ctx или падения HTTP-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.deps.Close()

	workersCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		svc.dispatcher.Run(workersCtx)
	}()
	go func() {
		defer workers.Done()
		svc.cleanup.Run(workersCtx)
	}()

	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		consumer, err = newKafkaConsumer(cfg, svc.pool, svc.deps.producer, logger)
		if err != nil {
			stopWorkers()
			workers.Wait()
			svc.pool.Close()
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
		}
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger, svc.health)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	// Сначала закрываем входы, затем дожидаемся обработки принятого, затем фоновые воркеры.
	shutdownHTTP(httpSrv, logger)
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	svc.pool.Close()
	drainOutbox(svc.dispatcher, logger)
	stopWorkers()
	workers.Wait()
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// drainOutbox делает последнюю попытку отправить накопленное перед остановкой.
func drainOutbox(dispatcher *outbox.Dispatcher, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	report, err := dispatcher.Drain(ctx)
	if err != nil {
		logger.WithError(err).Warn("final outbox drain failed")
		return
	}
	logger.WithField("sent", report.Sent).Debug("final outbox drain finished")
}

// startMetricsServer запускает HTTP-обработчик /metrics, health checks и /version.
func startMetricsServer(addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newOpsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	return srv
}

func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Map())
	})
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
