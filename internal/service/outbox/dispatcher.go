package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultPublishTimeout = 5 * time.Second
	defaultMaxParallel    = 8
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersaga_outbox_publish_attempts_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersaga_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersaga_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// DispatcherOptions задаёт параметры outbox dispatcher.
type DispatcherOptions struct {
	Logger         *log.Entry
	Clock          domain.Clock
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	PublishTimeout time.Duration
	MaxParallel    int
}

// Option настраивает Dispatcher.
type Option func(*DispatcherOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *DispatcherOptions) {
		opts.Logger = logger
	}
}

// WithClock подменяет часы.
func WithClock(clock domain.Clock) Option {
	return func(opts *DispatcherOptions) {
		opts.Clock = clock
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *DispatcherOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации одной записи за один Drain.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *DispatcherOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.RetryBaseDelay = delay
	}
}

// WithPublishTimeout ограничивает одну попытку публикации.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.PublishTimeout = timeout
	}
}

// WithMaxParallel ограничивает число correlation-групп, публикуемых одновременно.
func WithMaxParallel(n int) Option {
	return func(opts *DispatcherOptions) {
		opts.MaxParallel = n
	}
}

// DrainReport: итог одного прохода Drain.
type DrainReport struct {
	Sent    int
	Failed  int
	Skipped int
}

// Dispatcher ставит исходящие сообщения в outbox в рамках коммита саги и
// публикует pending-записи в брокер. Порядок внутри одного correlation id сохраняется.
type Dispatcher struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	clock          domain.Clock
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	publishTimeout time.Duration
	maxParallel    int

	drainMu sync.Mutex
}

// NewDispatcher создаёт dispatcher. publisher может быть nil, если нужен только Enqueue.
func NewDispatcher(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Dispatcher {
	opts := DispatcherOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		PublishTimeout: defaultPublishTimeout,
		MaxParallel:    defaultMaxParallel,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-dispatcher")
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}

	return &Dispatcher{
		repo:           repo,
		publisher:      publisher,
		clock:          opts.Clock,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		publishTimeout: opts.PublishTimeout,
		maxParallel:    opts.MaxParallel,
	}
}

// Enqueue добавляет pending-записи в атомарную единицу коммита саги.
// Записи попадут в хранилище только вместе с состоянием саги.
func (d *Dispatcher) Enqueue(commit *domain.SagaCommit, entries ...domain.OutboxEntry) error {
	if commit == nil {
		return errors.New("outbox enqueue: commit is nil")
	}
	now := d.clock.Now()
	for _, entry := range entries {
		if strings.TrimSpace(string(entry.Destination)) == "" {
			return fmt.Errorf("outbox enqueue %s: destination is required", entry.Kind)
		}
		if strings.TrimSpace(entry.CorrelationID) == "" {
			return fmt.Errorf("outbox enqueue %s: correlation id is required", entry.Kind)
		}
		if entry.MessageID == "" {
			entry.MessageID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.Status = domain.OutboxStatusPending
		entry.Attempts = 0
		commit.Outbox = append(commit.Outbox, entry)
	}
	return nil
}

// Run запускает периодический Drain до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.repo == nil || d.publisher == nil {
		d.logger.Warn("outbox dispatcher is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.drainLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainLogged(ctx)
		}
	}
}

func (d *Dispatcher) drainLogged(ctx context.Context) {
	report, err := d.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WithError(err).Warn("outbox drain failed")
		return
	}
	if report.Sent > 0 || report.Failed > 0 {
		d.logger.WithFields(log.Fields{
			"sent":    report.Sent,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		}).Debug("outbox drain finished")
	}
}

// Drain публикует один батч pending-записей. Группы разных correlation id идут
// параллельно, записи одной группы строго по порядку; ошибка останавливает группу,
// оставшиеся записи остаются pending. Отмена ctx проверяется между попытками.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	if err := ctx.Err(); err != nil {
		return DrainReport{}, err
	}

	d.refreshBacklogMetrics(ctx)
	defer d.refreshBacklogMetrics(context.WithoutCancel(ctx))

	entries, err := d.repo.PullPending(ctx, d.batchSize)
	if err != nil {
		return DrainReport{}, fmt.Errorf("pull pending outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return DrainReport{}, nil
	}

	groups := groupByCorrelation(entries)

	var (
		mu     sync.Mutex
		report DrainReport
		wg     sync.WaitGroup
	)
	semaphore := make(chan struct{}, d.maxParallel)
	for _, group := range groups {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(group []domain.OutboxEntry) {
			defer wg.Done()
			defer func() { <-semaphore }()

			r := d.drainGroup(ctx, group)
			mu.Lock()
			report.Sent += r.Sent
			report.Failed += r.Failed
			report.Skipped += r.Skipped
			mu.Unlock()
		}(group)
	}
	wg.Wait()

	return report, ctx.Err()
}

func (d *Dispatcher) drainGroup(ctx context.Context, group []domain.OutboxEntry) DrainReport {
	var report DrainReport
	for i, entry := range group {
		if ctx.Err() != nil {
			report.Skipped += len(group) - i
			return report
		}

		if err := d.publishWithRetry(ctx, entry); err != nil {
			report.Failed++
			report.Skipped += len(group) - i - 1
			outboxPublishAttempts.WithLabelValues("failed").Inc()
			d.logger.WithError(err).WithFields(log.Fields{
				"message_id":     entry.MessageID,
				"correlation_id": entry.CorrelationID,
				"kind":           entry.Kind,
			}).Warn("outbox publish failed, entry stays pending")
			if attemptErr := d.repo.RecordAttempt(context.WithoutCancel(ctx), entry.MessageID); attemptErr != nil {
				d.logger.WithError(attemptErr).WithField("message_id", entry.MessageID).Warn("failed to record outbox attempt")
			}
			return report
		}

		if err := d.repo.MarkSent(context.WithoutCancel(ctx), entry.MessageID, d.clock.Now()); err != nil {
			// Запись будет опубликована повторно; следующие записи группы ждут,
			// чтобы не обогнать её.
			d.logger.WithError(err).WithField("message_id", entry.MessageID).Warn("failed to mark outbox entry as sent")
			report.Skipped += len(group) - i - 1
			return report
		}
		report.Sent++
	}
	return report
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, entry domain.OutboxEntry) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		err := d.publisher.Publish(attemptCtx, entry)
		cancel()
		if err == nil {
			outboxPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt >= d.maxAttempts {
			break
		}

		delay := d.retryBackoff(attempt)
		if delay <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: after %d attempts: %w", domain.ErrTransportUnavailable, d.maxAttempts, lastErr)
}

func (d *Dispatcher) refreshBacklogMetrics(ctx context.Context) {
	stats, err := d.repo.Stats(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := d.clock.Now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

func (d *Dispatcher) retryBackoff(attempt int) time.Duration {
	if d.retryBaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return d.retryBaseDelay
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := d.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

// groupByCorrelation сохраняет порядок записей внутри группы и порядок первых появлений групп.
func groupByCorrelation(entries []domain.OutboxEntry) [][]domain.OutboxEntry {
	index := make(map[string]int)
	var groups [][]domain.OutboxEntry
	for _, entry := range entries {
		i, ok := index[entry.CorrelationID]
		if !ok {
			i = len(groups)
			index[entry.CorrelationID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	return groups
}
