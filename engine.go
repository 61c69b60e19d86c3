package gqlink

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// EngineConfig sizes the shared network engine.
type EngineConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	HandshakeTimeout      time.Duration

	// ObserverWorkers and ObserverQueueSize size the pool that runs
	// request-finished listeners.
	ObserverWorkers   int
	ObserverQueueSize int

	Proxy           func(*http.Request) (*url.URL, error)
	TLSClientConfig *tls.Config

	Logger  Logger
	Metrics *MetricsCollector

	// Listeners are registered on the observer pool at construction. A nil
	// slice registers a LoggingRequestFinishedListener; an empty one
	// registers nothing.
	Listeners []RequestFinishedListener
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
		HandshakeTimeout:      45 * time.Second,
		ObserverWorkers:       defaultObserverWorkers,
		ObserverQueueSize:     defaultObserverQueueSize,
		Proxy:                 http.ProxyFromEnvironment,
	}
}

// Validate rejects negative sizes and timeouts.
func (c EngineConfig) Validate() error {
	switch {
	case c.MaxIdleConns < 0 || c.MaxIdleConnsPerHost < 0:
		return errors.New("idle connection limits cannot be negative")
	case c.IdleConnTimeout < 0 || c.DialTimeout < 0 || c.TLSHandshakeTimeout < 0 ||
		c.ResponseHeaderTimeout < 0 || c.HandshakeTimeout < 0:
		return errors.New("engine timeouts cannot be negative")
	case c.ObserverWorkers < 0 || c.ObserverQueueSize < 0:
		return errors.New("observer pool size cannot be negative")
	}
	return nil
}

// EnginePlatform builds network engines.
type EnginePlatform interface {
	Build(cfg EngineConfig) (*Engine, error)
}

// EnginePlatformFunc adapts a function to EnginePlatform.
type EnginePlatformFunc func(cfg EngineConfig) (*Engine, error)

func (f EnginePlatformFunc) Build(cfg EngineConfig) (*Engine, error) {
	return f(cfg)
}

// DefaultPlatform builds engines on net/http and gorilla/websocket.
var DefaultPlatform EnginePlatform = EnginePlatformFunc(NewEngine)

type listenerRegistration struct {
	pool     *WorkerPool
	listener RequestFinishedListener
}

// Engine owns the connection pool, the WebSocket dialer and the observer
// pool shared by every client built on it.
type Engine struct {
	transport *http.Transport
	dialer    *websocket.Dialer
	observers *WorkerPool
	logger    Logger
	metrics   *MetricsCollector

	mu        sync.RWMutex
	listeners []listenerRegistration

	nextID    atomic.Uint64
	closeOnce sync.Once
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}

	netDialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 cfg.Proxy,
		DialContext:           netDialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSClientConfig:       cfg.TLSClientConfig,
		ForceAttemptHTTP2:     true,
	}
	dialer := &websocket.Dialer{
		Proxy:            cfg.Proxy,
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLSClientConfig,
	}

	e := &Engine{
		transport: transport,
		dialer:    dialer,
		observers: NewWorkerPool("observers", cfg.ObserverWorkers, cfg.ObserverQueueSize, logger, cfg.Metrics),
		logger:    logger,
		metrics:   cfg.Metrics,
	}

	listeners := cfg.Listeners
	if listeners == nil {
		listeners = []RequestFinishedListener{NewLoggingRequestFinishedListener(logger)}
	}
	for _, l := range listeners {
		e.AddRequestFinishedListener(nil, l)
	}

	logger.Info("network engine started", "observerWorkers", cfg.ObserverWorkers, "observerQueue", cfg.ObserverQueueSize, "listeners", len(listeners), "version", Version)
	return e, nil
}

// AddRequestFinishedListener registers l to be called on pool for every
// completed exchange. A nil pool selects the engine's observer pool.
func (e *Engine) AddRequestFinishedListener(pool *WorkerPool, l RequestFinishedListener) {
	if l == nil {
		return
	}
	if pool == nil {
		pool = e.observers
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, listenerRegistration{pool: pool, listener: l})
	e.mu.Unlock()
}

// ObserverPool returns the pool listener callbacks run on.
func (e *Engine) ObserverPool() *WorkerPool {
	return e.observers
}

// RoundTripper returns the terminal transport of the client chain. It
// emits one RequestFinishedInfo per exchange once the response body has
// been read to EOF or closed.
func (e *Engine) RoundTripper() RoundTripper {
	return engineRoundTripper{engine: e}
}

// Dialer returns the shared WebSocket dialer. Callers must not modify it.
func (e *Engine) Dialer() *websocket.Dialer {
	return e.dialer
}

// Close releases idle connections and drains the observer pool.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.transport.CloseIdleConnections()
		e.observers.Close()
		e.logger.Info("network engine stopped")
	})
}

func (e *Engine) emit(info *RequestFinishedInfo) {
	e.metrics.RecordCompletion(info.Reason)

	e.mu.RLock()
	regs := make([]listenerRegistration, len(e.listeners))
	copy(regs, e.listeners)
	e.mu.RUnlock()

	for _, reg := range regs {
		l := reg.listener
		reg.pool.Submit(func() { l.OnRequestFinished(info) })
	}
}

type engineRoundTripper struct {
	engine *Engine
}

func (rt engineRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	e := rt.engine
	info := &RequestFinishedInfo{
		ID:         e.nextID.Add(1),
		Method:     req.Method,
		URL:        req.URL.String(),
		Operations: operationsFromContext(req.Context()),
		Started:    time.Now(),
	}

	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		info.Err = err
		info.Reason = FinishedFailed
		if req.Context().Err() != nil {
			info.Reason = FinishedCanceled
		}
		info.Finished = time.Now()
		e.emit(info)
		return nil, err
	}

	info.StatusCode = resp.StatusCode
	resp.Body = &completionBody{ReadCloser: resp.Body, engine: e, info: info, ctx: req.Context()}
	return resp, nil
}

// completionBody finishes the exchange exactly once: at EOF, on a read
// error, or when closed before EOF.
type completionBody struct {
	io.ReadCloser
	engine *Engine
	info   *RequestFinishedInfo
	ctx    context.Context
	read   atomic.Int64
	once   sync.Once
}

func (b *completionBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read.Add(int64(n))
	switch {
	case err == io.EOF:
		b.finish(FinishedSucceeded, nil)
	case err != nil:
		reason := FinishedFailed
		if b.ctx.Err() != nil {
			reason = FinishedCanceled
		}
		b.finish(reason, err)
	}
	return n, err
}

func (b *completionBody) Close() error {
	err := b.ReadCloser.Close()
	b.finish(FinishedCanceled, nil)
	return err
}

func (b *completionBody) finish(reason FinishedReason, err error) {
	b.once.Do(func() {
		b.info.Reason = reason
		b.info.Err = err
		b.info.BytesRead = b.read.Load()
		b.info.Finished = time.Now()
		b.engine.emit(b.info)
	})
}

type contextKey int

const (
	operationsKey contextKey = iota
	skipBatchingKey
)

func withOperations(ctx context.Context, ops []string) context.Context {
	return context.WithValue(ctx, operationsKey, ops)
}

func operationsFromContext(ctx context.Context) []string {
	ops, _ := ctx.Value(operationsKey).([]string)
	return ops
}
