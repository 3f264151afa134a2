package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupSchedule  = "@every 10m"
	defaultCleanupBatchSize = 500
)

var (
	idempotencyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersaga_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	idempotencyCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersaga_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
	idempotencyCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersaga_idempotency_cleanup_last_deleted",
		Help: "Number of deleted records during the last cleanup run.",
	})
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CleanupOptions задает параметры воркера очистки idempotency ключей.
type CleanupOptions struct {
	Logger    *log.Entry
	Schedule  string
	BatchSize int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithSchedule задает cron-расписание ("0 */6 * * *", "@hourly", "@every 10m").
func WithSchedule(spec string) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Schedule = spec
	}
}

// WithInterval задает фиксированный интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		if interval > 0 {
			opts.Schedule = "@every " + interval.String()
		}
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// CleanupWorker по расписанию удаляет просроченные idempotency записи.
type CleanupWorker struct {
	store     *Store
	logger    *log.Entry
	schedule  cron.Schedule
	spec      string
	batchSize int
}

// NewCleanupWorker создает воркер очистки; некорректное расписание считается ошибкой конфигурации.
func NewCleanupWorker(store *Store, options ...CleanupOption) (*CleanupWorker, error) {
	opts := CleanupOptions{
		Schedule:  defaultCleanupSchedule,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.Schedule == "" {
		opts.Schedule = defaultCleanupSchedule
	}

	schedule, err := scheduleParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", opts.Schedule, err)
	}

	return &CleanupWorker{
		store:     store,
		logger:    logger,
		schedule:  schedule,
		spec:      opts.Schedule,
		batchSize: opts.BatchSize,
	}, nil
}

// Run выполняет очистку сразу и затем по расписанию до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: store is nil")
		return
	}

	w.cleanup(ctx)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	scheduler.Schedule(w.schedule, cron.FuncJob(func() { w.cleanup(ctx) }))
	scheduler.Start()
	w.logger.WithField("schedule", w.spec).Info("idempotency cleanup scheduled")

	<-ctx.Done()
	<-scheduler.Stop().Done()
}

func (w *CleanupWorker) cleanup(ctx context.Context) {
	deleted, err := w.store.Expire(ctx, time.Time{}, w.batchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		idempotencyCleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	idempotencyCleanupRunsTotal.WithLabelValues("ok").Inc()
	idempotencyCleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}
