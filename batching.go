package gqlink

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultBatchInterval = 10 * time.Millisecond
	defaultBatchMaxSize  = 10
)

// WithoutBatching marks ctx so the request it carries is sent on its own
// even when the client batches.
func WithoutBatching(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipBatchingKey, true)
}

func batchingDisabled(ctx context.Context) bool {
	skip, _ := ctx.Value(skipBatchingKey).(bool)
	return skip
}

// batchSender performs one wire exchange for reqs and returns one response
// per request, in order.
type batchSender func(ctx context.Context, reqs []*Request) ([]*Response, error)

type batchResult struct {
	resp *Response
	err  error
}

type batchCall struct {
	ctx  context.Context
	req  *Request
	done chan batchResult
}

// batcher collects requests issued within interval of the first pending one
// and sends them as a single exchange. A full batch is sent at once.
type batcher struct {
	interval time.Duration
	maxSize  int
	send     batchSender
	ctx      context.Context
	logger   Logger
	debug    *DebugConfig
	metrics  *MetricsCollector

	mu      sync.Mutex
	pending []*batchCall
	timer   *time.Timer
	closed  bool
}

func newBatcher(ctx context.Context, interval time.Duration, maxSize int, send batchSender, logger Logger, debug *DebugConfig, metrics *MetricsCollector) *batcher {
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	if maxSize <= 0 {
		maxSize = defaultBatchMaxSize
	}
	return &batcher{
		interval: interval,
		maxSize:  maxSize,
		send:     send,
		ctx:      ctx,
		logger:   logger,
		debug:    debug,
		metrics:  metrics,
	}
}

// do queues req and waits for its share of the batch result.
func (b *batcher) do(ctx context.Context, req *Request) (*Response, error) {
	call := &batchCall{ctx: ctx, req: req, done: make(chan batchResult, 1)}
	if err := b.enqueue(call); err != nil {
		return nil, err
	}

	select {
	case res := <-call.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
}

func (b *batcher) enqueue(call *batchCall) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return newClientError(ErrorTypeClosed, "client closed", nil)
	}
	b.pending = append(b.pending, call)
	if len(b.pending) >= b.maxSize {
		batch := b.takeLocked()
		b.mu.Unlock()
		go b.dispatch(batch)
		return nil
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flush)
	}
	b.mu.Unlock()
	return nil
}

func (b *batcher) takeLocked() []*batchCall {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *batcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(batch)
}

func (b *batcher) dispatch(batch []*batchCall) {
	live := make([]*batchCall, 0, len(batch))
	for _, call := range batch {
		if call.ctx.Err() == nil {
			live = append(live, call)
		}
	}
	if len(live) == 0 {
		return
	}

	reqs := make([]*Request, len(live))
	for i, call := range live {
		reqs[i] = call.req
	}

	if b.debug != nil && b.debug.Enabled && b.debug.LogBatches {
		b.logger.Debug("Dispatching batch", "size", len(reqs), "operations", operationLabels(reqs))
	}

	resps, err := b.send(b.ctx, reqs)
	if err == nil && len(resps) != len(reqs) {
		err = newClientError(ErrorTypeDecode, fmt.Sprintf("batch returned %d results for %d operations", len(resps), len(reqs)), nil)
	}
	b.metrics.RecordBatch(len(reqs), err)

	for i, call := range live {
		if err != nil {
			call.done <- batchResult{err: err}
			continue
		}
		call.done <- batchResult{resp: resps[i]}
	}
}

// close fails pending calls and rejects new ones.
func (b *batcher) close() {
	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	for _, call := range batch {
		call.done <- batchResult{err: newClientError(ErrorTypeClosed, "client closed", nil)}
	}
}
