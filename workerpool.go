package gqlink

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	defaultObserverWorkers   = 4
	defaultObserverQueueSize = 256
)

// WorkerPool runs observer callbacks on a fixed set of goroutines fed by a
// bounded queue. Submit never blocks: when the queue is full the task is
// dropped and counted.
type WorkerPool struct {
	name    string
	tasks   chan func()
	logger  Logger
	metrics *MetricsCollector

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
// Non-positive values fall back to 4 workers and a queue of 256.
func NewWorkerPool(name string, workers, queueSize int, logger Logger, metrics *MetricsCollector) *WorkerPool {
	if workers <= 0 {
		workers = defaultObserverWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultObserverQueueSize
	}
	if logger == nil {
		logger = NopLogger()
	}

	p := &WorkerPool{
		name:    name,
		tasks:   make(chan func(), queueSize),
		logger:  logger,
		metrics: metrics,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
		p.metrics.RecordObserverQueueDepth(p.name, len(p.tasks))
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordObserverPanic(p.name)
			p.logger.Error("observer task panicked", "pool", p.name, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit queues task and reports whether it was accepted. Tasks submitted
// after Close, or while the queue is full, are dropped.
func (p *WorkerPool) Submit(task func()) bool {
	if task == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		p.metrics.RecordObserverQueueDepth(p.name, len(p.tasks))
		return true
	default:
		n := p.dropped.Add(1)
		p.metrics.RecordObserverDropped(p.name)
		p.logger.Warn("observer queue full, dropping event", "pool", p.name, "capacity", cap(p.tasks), "dropped", n)
		return false
	}
}

// Dropped returns the number of tasks rejected because the queue was full.
func (p *WorkerPool) Dropped() uint64 {
	return p.dropped.Load()
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	return len(p.tasks)
}

// Close stops accepting tasks, runs what is queued and waits for the workers.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
