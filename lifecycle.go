package gqlink

import (
	"context"
	"sync"
	"time"
)

// lazyCell publishes a value at most once. Concurrent callers of getOrInit
// block until the first one finishes; a failed init publishes nothing.
type lazyCell[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

func (c *lazyCell[T]) get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

func (c *lazyCell[T]) getOrInit(init func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return c.value, nil
	}
	v, err := init()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value, c.set = v, true
	return v, nil
}

func (c *lazyCell[T]) take() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.value, c.set
	var zero T
	c.value, c.set = zero, false
	return v, ok
}

// Runtime owns one engine and the client built on it. The engine must be
// initialized before the client is requested.
type Runtime struct {
	platform      EnginePlatform
	engineConfig  EngineConfig
	clientOptions []Option

	engine lazyCell[*Engine]
	client lazyCell[*Client]
}

// NewRuntime returns a runtime that builds its engine with platform and its
// client with opts. A nil platform selects DefaultPlatform.
func NewRuntime(platform EnginePlatform, cfg EngineConfig, opts ...Option) *Runtime {
	if platform == nil {
		platform = DefaultPlatform
	}
	return &Runtime{
		platform:      platform,
		engineConfig:  cfg,
		clientOptions: opts,
	}
}

// InitializeEngine builds the engine on first call and returns the same
// instance afterwards. Failures are returned as ErrEngineInit and leave the
// runtime uninitialized so a later call may try again.
func (r *Runtime) InitializeEngine(ctx context.Context) (*Engine, error) {
	return r.engine.getOrInit(func() (*Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, newClientError(ErrorTypeEngineInit, "engine initialization canceled", err)
		}
		start := time.Now()
		eng, err := r.platform.Build(r.engineConfig)
		if err != nil {
			initErr := newClientError(ErrorTypeEngineInit, "engine initialization failed", err)
			initErr.Duration = time.Since(start)
			return nil, initErr
		}
		if eng == nil {
			return nil, newClientError(ErrorTypeEngineInit, "platform returned no engine", nil)
		}
		return eng, nil
	})
}

// Engine returns the published engine or ErrNotInitialized.
func (r *Runtime) Engine() (*Engine, error) {
	if eng, ok := r.engine.get(); ok {
		return eng, nil
	}
	return nil, newClientError(ErrorTypeNotInitialized, "initialize the network engine first", nil)
}

// Client returns the memoized client, building it on first call. It fails
// with ErrNotInitialized when the engine has not been published.
func (r *Runtime) Client() (*Client, error) {
	eng, err := r.Engine()
	if err != nil {
		return nil, err
	}
	return r.client.getOrInit(func() (*Client, error) {
		return New(eng, r.clientOptions...)
	})
}

// Close closes the client and the engine and returns the runtime to its
// uninitialized state.
func (r *Runtime) Close() error {
	var err error
	if c, ok := r.client.take(); ok {
		err = c.Close()
	}
	if eng, ok := r.engine.take(); ok {
		eng.Close()
	}
	return err
}

var (
	defaultMu      sync.Mutex
	defaultRuntime *Runtime
)

// InitializeEngine builds the process-wide engine. The configuration and
// client options of the first successful call are kept; later calls return
// the engine built by it. After a failure the next call starts over with
// its own configuration.
func InitializeEngine(ctx context.Context, cfg EngineConfig, opts ...Option) (*Engine, error) {
	defaultMu.Lock()
	if defaultRuntime == nil {
		defaultRuntime = NewRuntime(DefaultPlatform, cfg, opts...)
	}
	rt := defaultRuntime
	defaultMu.Unlock()

	eng, err := rt.InitializeEngine(ctx)
	if err != nil {
		defaultMu.Lock()
		if defaultRuntime == rt {
			if _, ok := rt.engine.get(); !ok {
				defaultRuntime = nil
			}
		}
		defaultMu.Unlock()
	}
	return eng, err
}

// GetEngine returns the process-wide engine or ErrNotInitialized.
func GetEngine() (*Engine, error) {
	rt := currentRuntime()
	if rt == nil {
		return nil, newClientError(ErrorTypeNotInitialized, "initialize the network engine first", nil)
	}
	return rt.Engine()
}

// GetClient returns the process-wide client, building it on first call.
func GetClient() (*Client, error) {
	rt := currentRuntime()
	if rt == nil {
		return nil, newClientError(ErrorTypeNotInitialized, "initialize the network engine first", nil)
	}
	return rt.Client()
}

func currentRuntime() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRuntime
}
