package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverMemory: in-memory хранилище (разработка, тесты).
	StorageDriverMemory = "memory"
	// StorageDriverPostgres: PostgreSQL.
	StorageDriverPostgres = "postgres"

	// OutboxTransportLog: публикация только в лог.
	OutboxTransportLog = "log"
	// OutboxTransportKafka: публикация в Kafka.
	OutboxTransportKafka = "kafka"
	// OutboxTransportSQS: публикация в FIFO-очереди SQS.
	OutboxTransportSQS = "sqs"

	// LockBackendLocal: блокировки внутри процесса.
	LockBackendLocal = "local"
	// LockBackendRedis: распределённые блокировки в Redis.
	LockBackendRedis = "redis"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	LockMaxWait   time.Duration

	OutboxTransport     string
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxRetryDelay    time.Duration
	OutboxBacklogMaxAge time.Duration
	OutboxMaxPending    int

	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaMaxRetries int

	SQSRegion         string
	SQSEndpoint       string
	SQSQueueURLPrefix string

	IdempotencyRetention        time.Duration
	IdempotencyLease            time.Duration
	IdempotencyCleanupSchedule  string
	IdempotencyCleanupBatchSize int

	SagaWorkers             int
	SagaConflictRetries     int
	CompensationMaxAttempts int
	BreakerMaxFailures      int
	BreakerResetTimeout     time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		LockBackend: LockBackendLocal,
		LockTTL:     30 * time.Second,
		LockMaxWait: 10 * time.Second,

		OutboxTransport:     OutboxTransportLog,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxBacklogMaxAge: 5 * time.Minute,
		OutboxMaxPending:    1000,

		KafkaGroupID:    "ordersaga",
		KafkaMaxRetries: 3,

		SQSRegion: "us-east-1",

		IdempotencyRetention:        72 * time.Hour,
		IdempotencyLease:            30 * time.Second,
		IdempotencyCleanupSchedule:  "@every 10m",
		IdempotencyCleanupBatchSize: 500,

		SagaWorkers:             8,
		SagaConflictRetries:     5,
		CompensationMaxAttempts: 3,
		BreakerMaxFailures:      5,
		BreakerResetTimeout:     30 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные окружения OMS_* на DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	l := envLoader{}

	l.str("OMS_HTTP_ADDR", &cfg.HTTPAddr)
	l.str("OMS_METRICS_ADDR", &cfg.MetricsAddr)

	l.str("OMS_STORAGE_DRIVER", &cfg.StorageDriver)
	l.str("OMS_POSTGRES_DSN", &cfg.PostgresDSN)
	l.boolean("OMS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)

	l.str("OMS_LOCK_BACKEND", &cfg.LockBackend)
	l.str("OMS_REDIS_ADDR", &cfg.RedisAddr)
	l.str("OMS_REDIS_PASSWORD", &cfg.RedisPassword)
	l.integer("OMS_REDIS_DB", &cfg.RedisDB)
	l.duration("OMS_LOCK_TTL", &cfg.LockTTL)
	l.duration("OMS_LOCK_MAX_WAIT", &cfg.LockMaxWait)

	l.str("OMS_OUTBOX_TRANSPORT", &cfg.OutboxTransport)
	l.duration("OMS_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	l.integer("OMS_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	l.integer("OMS_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	l.duration("OMS_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	l.duration("OMS_OUTBOX_BACKLOG_MAX_AGE", &cfg.OutboxBacklogMaxAge)
	l.integer("OMS_OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	l.list("OMS_KAFKA_BROKERS", &cfg.KafkaBrokers)
	l.str("OMS_KAFKA_GROUP_ID", &cfg.KafkaGroupID)
	l.integer("OMS_KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries)

	l.str("OMS_SQS_REGION", &cfg.SQSRegion)
	l.str("OMS_SQS_ENDPOINT", &cfg.SQSEndpoint)
	l.str("OMS_SQS_QUEUE_URL_PREFIX", &cfg.SQSQueueURLPrefix)

	l.duration("OMS_IDEMPOTENCY_RETENTION", &cfg.IdempotencyRetention)
	l.duration("OMS_IDEMPOTENCY_LEASE", &cfg.IdempotencyLease)
	l.str("OMS_IDEMPOTENCY_CLEANUP_SCHEDULE", &cfg.IdempotencyCleanupSchedule)
	l.integer("OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	l.integer("OMS_SAGA_WORKERS", &cfg.SagaWorkers)
	l.integer("OMS_SAGA_CONFLICT_RETRIES", &cfg.SagaConflictRetries)
	l.integer("OMS_COMPENSATION_MAX_ATTEMPTS", &cfg.CompensationMaxAttempts)
	l.integer("OMS_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	l.duration("OMS_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)

	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.LockBackend = strings.ToLower(cfg.LockBackend)
	cfg.OutboxTransport = strings.ToLower(cfg.OutboxTransport)
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("OMS_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.LockBackend {
	case LockBackendLocal:
	case LockBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("OMS_REDIS_ADDR is required for redis locks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported lock backend %q", c.LockBackend))
	}

	switch c.OutboxTransport {
	case OutboxTransportLog:
	case OutboxTransportKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("OMS_KAFKA_BROKERS is required for kafka transport"))
		}
	case OutboxTransportSQS:
		if strings.TrimSpace(c.SQSQueueURLPrefix) == "" {
			errs = append(errs, errors.New("OMS_SQS_QUEUE_URL_PREFIX is required for sqs transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported outbox transport %q", c.OutboxTransport))
	}

	if c.IdempotencyLease <= 0 {
		errs = append(errs, errors.New("idempotency lease must be positive"))
	}
	// Запись не должна исчезнуть, пока её захват ещё действует.
	if c.IdempotencyRetention <= c.IdempotencyLease {
		errs = append(errs, fmt.Errorf("idempotency retention %s must exceed lease %s", c.IdempotencyRetention, c.IdempotencyLease))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be positive"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be positive"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox poll interval must be positive"))
	}
	if c.SagaWorkers <= 0 {
		errs = append(errs, errors.New("saga workers must be positive"))
	}
	if c.SagaConflictRetries <= 0 {
		errs = append(errs, errors.New("saga conflict retries must be positive"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled сообщает, нужно ли поднимать producer и consumer group.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

type envLoader struct {
	errs []error
}

func (l *envLoader) str(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (l *envLoader) list(name string, dst *[]string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (l *envLoader) integer(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (l *envLoader) boolean(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (l *envLoader) duration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
