package saga

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// DefaultWorkers: число воркеров пула по умолчанию.
const DefaultWorkers = 8

const defaultQueueSize = 64

// ErrPoolClosed возвращается Process после Close.
var ErrPoolClosed = errors.New("saga pool is closed")

// Pool распределяет сообщения по воркерам по хэшу correlation id: сообщения одного
// заказа обрабатываются последовательно в порядке поступления, разные заказы параллельно.
type Pool struct {
	orchestrator Orchestrator
	logger       *log.Entry
	queues       []chan poolTask

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type poolTask struct {
	ctx    context.Context
	env    domain.Envelope
	result chan Result
}

// NewPool создаёт и запускает пул из workers воркеров.
func NewPool(orchestrator Orchestrator, workers int, logger *log.Entry) *Pool {
	if logger == nil {
		logger = log.WithField("component", "saga-pool")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &Pool{
		orchestrator: orchestrator,
		logger:       logger,
		queues:       make([]chan poolTask, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan poolTask, defaultQueueSize)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	logger.WithField("workers", workers).Info("saga pool started")
	return p
}

// Process ставит сообщение в очередь его воркера и ждёт результат.
func (p *Pool) Process(ctx context.Context, env domain.Envelope) Result {
	task := poolTask{ctx: ctx, env: env, result: make(chan Result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return failed(env, ErrPoolClosed)
	}
	queue := p.queues[p.shard(env.CorrelationID)]
	select {
	case queue <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return failed(env, ctx.Err())
	}

	// Результат ждём даже после отмены: воркер доводит захваченный ключ до конца.
	return <-task.result
}

// Close перестаёт принимать сообщения и ждёт, пока воркеры разберут очереди.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("saga pool stopped")
}

func (p *Pool) work(queue <-chan poolTask) {
	defer p.wg.Done()
	for task := range queue {
		task.result <- p.orchestrator.Handle(task.ctx, task.env)
	}
}

func (p *Pool) shard(correlationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return int(h.Sum32() % uint32(len(p.queues)))
}
