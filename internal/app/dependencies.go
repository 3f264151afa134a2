package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersaga/internal/health"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/sqs"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/redislock"
)

// runtimeDependencies: инфраструктура, выбранная конфигурацией.
type runtimeDependencies struct {
	sagas       domain.SagaRepository
	idempotency domain.IdempotencyRepository
	outbox      domain.OutboxRepository
	locker      domain.Locker
	publisher   domain.OutboxPublisher
	producer    *kafka.Producer
	checkers    map[string]healthcheck.Checker

	closers []func() error
	logger  *log.Entry
}

// initRuntimeDependencies поднимает хранилище, блокировки и транспорт outbox.
// При ошибке всё уже открытое закрывается.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *runtimeDependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &runtimeDependencies{
		checkers: make(map[string]healthcheck.Checker),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	if err = deps.initStorage(ctx, cfg); err != nil {
		return deps, err
	}
	if err = deps.initLocker(ctx, cfg); err != nil {
		return deps, err
	}
	if cfg.KafkaEnabled() {
		producer, perr := initKafkaProducer(cfg.KafkaBrokers, logger)
		if perr != nil {
			return deps, perr
		}
		deps.producer = producer
		deps.closers = append(deps.closers, func() error {
			closeKafka(producer, logger)
			return nil
		})
	}
	if err = deps.initPublisher(ctx, cfg); err != nil {
		return deps, err
	}
	return deps, nil
}

func (d *runtimeDependencies) initStorage(ctx context.Context, cfg Config) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		d.sagas = store.Sagas()
		d.idempotency = store.Idempotency()
		d.outbox = store.Outbox()
		d.logger.Warn("используется in-memory хранилище: состояние саг не переживёт рестарт")
		return nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres storage requires OMS_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.sagas = store.Sagas()
		d.idempotency = store.Idempotency()
		d.outbox = store.Outbox()
		d.checkers["storage"] = healthcheck.NewPingChecker("storage", store.Ping)
		d.logger.Info("postgres storage initialized")
		return nil
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) initLocker(ctx context.Context, cfg Config) error {
	switch cfg.LockBackend {
	case LockBackendLocal, "":
		d.locker = saga.NewKeyedMutex()
		return nil
	case LockBackendRedis:
		locker, client, err := redislock.New(ctx, redislock.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.LockTTL,
			MaxWait:  cfg.LockMaxWait,
		}, d.logger.WithField("component", "redis-lock"))
		if err != nil {
			return err
		}
		d.closers = append(d.closers, client.Close)
		d.locker = locker
		d.checkers["redis"] = healthcheck.NewPingChecker("redis", locker.Ping)
		return nil
	default:
		return fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}
}

func (d *runtimeDependencies) initPublisher(ctx context.Context, cfg Config) error {
	switch cfg.OutboxTransport {
	case OutboxTransportLog, "":
		d.publisher = newLogPublisher(d.logger.WithField("component", "outbox-log"))
		return nil
	case OutboxTransportKafka:
		if d.producer == nil {
			return errors.New("kafka transport requires OMS_KAFKA_BROKERS")
		}
		d.publisher = kafka.NewOutboxPublisher(d.producer)
		return nil
	case OutboxTransportSQS:
		sqsCfg := sqs.Config{
			Region:         cfg.SQSRegion,
			Endpoint:       cfg.SQSEndpoint,
			QueueURLPrefix: cfg.SQSQueueURLPrefix,
		}
		client, err := sqs.NewClient(ctx, sqsCfg)
		if err != nil {
			return err
		}
		d.publisher = sqs.NewPublisher(client, sqsCfg, d.logger.WithField("component", "sqs-publisher"))
		return nil
	default:
		return fmt.Errorf("unsupported outbox transport %q", cfg.OutboxTransport)
	}
}

// Close закрывает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

// logPublisher пишет исходящие сообщения в лог вместо брокера.
type logPublisher struct {
	logger *log.Entry
}

func newLogPublisher(logger *log.Entry) *logPublisher {
	return &logPublisher{logger: logger}
}

// Publish реализует domain.OutboxPublisher.
func (p *logPublisher) Publish(ctx context.Context, entry domain.OutboxEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	p.logger.WithFields(log.Fields{
		"message_id":     entry.MessageID,
		"correlation_id": entry.CorrelationID,
		"destination":    entry.Destination,
		"kind":           entry.Kind,
	}).Info("outbox message published")
	return nil
}
