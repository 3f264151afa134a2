// Package redislock реализует domain.Locker поверх Redis: SET NX PX с токеном владельца
// и снятие блокировки Lua-скриптом, который удаляет ключ только у владельца.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	defaultPrefix     = "ordersaga:lock:"
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	defaultMaxWait    = 10 * time.Second
	releaseTimeout    = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config описывает параметры блокировки.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
	MaxWait    time.Duration
}

// Locker: распределённая блокировка по correlation id.
type Locker struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	maxWait    time.Duration
	logger     *log.Entry
}

// New подключается к Redis и проверяет соединение.
func New(ctx context.Context, cfg Config, logger *log.Entry) (*Locker, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg, logger), client, nil
}

// NewWithClient оборачивает готовый клиент (miniredis в тестах).
func NewWithClient(client redis.Cmdable, cfg Config, logger *log.Entry) *Locker {
	if logger == nil {
		logger = log.WithField("component", "redis-locker")
	}
	l := &Locker{
		client:     client,
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		retryDelay: cfg.RetryDelay,
		maxWait:    cfg.MaxWait,
		logger:     logger,
	}
	if l.prefix == "" {
		l.prefix = defaultPrefix
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.retryDelay <= 0 {
		l.retryDelay = defaultRetryDelay
	}
	if l.maxWait <= 0 {
		l.maxWait = defaultMaxWait
	}
	return l
}

// Lock ждёт ключ, пока не истечёт MaxWait или ctx. Ошибка Redis классифицируется как
// недоступность транспорта, занятый ключ по таймауту как ErrLockNotAcquired.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	for {
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, waitCtx.Err())
			}
			return nil, fmt.Errorf("%w: redis lock %s: %w", domain.ErrTransportUnavailable, key, err)
		}
		if ok {
			return l.unlockFunc(ctx, redisKey, token), nil
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, waitCtx.Err())
		case <-timer.C:
		}
	}
}

func (l *Locker) unlockFunc(ctx context.Context, redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(ctx, redisKey, token) })
	}
}

func (l *Locker) release(ctx context.Context, redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	removed, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		l.logger.WithError(err).WithField("key", redisKey).Warn("не удалось снять блокировку, она истечёт по TTL")
	case removed == 0:
		l.logger.WithField("key", redisKey).Warn("блокировка истекла до снятия")
	}
}

// Ping проверяет доступность Redis для health-check.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ domain.Locker = (*Locker)(nil)
