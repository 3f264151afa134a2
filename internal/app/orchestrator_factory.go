package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
)

// createOrchestrator собирает оркестратор саги из зависимостей и конфигурации.
func createOrchestrator(
	deps *runtimeDependencies,
	cfg Config,
	keys *idempotency.Store,
	dispatcher *outbox.Dispatcher,
	compensator domain.Compensator,
	sagaMetrics *metrics.SagaMetrics,
	logger *log.Entry,
) saga.Orchestrator {
	conflictRetry := saga.DefaultConflictRetryConfig()
	if cfg.SagaConflictRetries > 0 {
		conflictRetry.MaxAttempts = cfg.SagaConflictRetries
	}
	compensationRetry := saga.DefaultRetryConfig()
	if cfg.CompensationMaxAttempts > 0 {
		compensationRetry.MaxAttempts = cfg.CompensationMaxAttempts
	}

	options := []saga.Option{
		saga.WithLogger(logger.WithField("component", "saga")),
		saga.WithLocker(deps.locker),
		saga.WithConflictRetry(conflictRetry),
		saga.WithCompensationRetry(compensationRetry),
		saga.WithMetrics(sagaMetrics),
	}
	if compensator != nil {
		options = append(options,
			saga.WithCompensator(compensator),
			saga.WithCircuitBreaker(saga.NewCircuitBreaker(
				cfg.BreakerMaxFailures,
				cfg.BreakerResetTimeout,
				logger.WithField("component", "compensation-breaker"),
			)),
		)
	}

	return saga.NewOrchestrator(deps.sagas, keys, dispatcher, options...)
}
