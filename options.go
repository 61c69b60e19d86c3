package gqlink

import (
	"fmt"
	"net/url"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithServerURL sets the HTTP endpoint for queries and mutations
func WithServerURL(u string) Option {
	return func(c *Client) {
		c.serverURL = u
	}
}

// WithWebSocketURL sets the subscription endpoint. When omitted it is
// derived from the server URL.
func WithWebSocketURL(u string) Option {
	return func(c *Client) {
		c.wsURL = u
	}
}

// WithTokenProvider sets the credential source for the authorization stage
// and the stream handshake
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokenProvider = p
	}
}

// WithAuthorizationScheme prefixes credentials, e.g. "Bearer"
func WithAuthorizationScheme(scheme string) Option {
	return func(c *Client) {
		c.authScheme = scheme
	}
}

// WithHeader adds a header sent with every HTTP request and the stream handshake
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithLogLevel sets how much of each HTTP exchange the logging stage records
func WithLogLevel(level LogLevel) Option {
	return func(c *Client) {
		c.logLevel = level
	}
}

// WithHTTPBatching tunes batching, which is on by default: requests issued
// within interval of each other share an exchange, up to maxBatchSize per
// exchange. Zero values keep 10ms and 10.
func WithHTTPBatching(interval time.Duration, maxBatchSize int) Option {
	return func(c *Client) {
		c.batching = true
		if interval != 0 {
			c.batchInterval = interval
		}
		if maxBatchSize != 0 {
			c.batchMaxSize = maxBatchSize
		}
	}
}

// WithoutHTTPBatching sends every operation in its own exchange.
func WithoutHTTPBatching() Option {
	return func(c *Client) {
		c.batching = false
	}
}

// WithTimeout sets the per-exchange HTTP timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetryPolicy enables retries of queries
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget limits retries across the client
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithDeduplication coalesces identical in-flight queries
func WithDeduplication() Option {
	return func(c *Client) {
		c.deduplication = NewDeduplicationTracker()
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets a custom deduplication condition function
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// WithMiddleware appends user stages after the built-in ones
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		for _, m := range middleware {
			c.userStages = append(c.userStages, Stage{
				Name:       fmt.Sprintf("middleware-%d", len(c.userStages)),
				Middleware: m,
			})
		}
	}
}

// WithStage appends a named user stage after the built-in ones
func WithStage(name string, middleware Middleware) Option {
	return func(c *Client) {
		c.userStages = append(c.userStages, Stage{Name: name, Middleware: middleware})
	}
}

// WithReconnectPolicy sets when the subscription stream is reopened
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(c *Client) {
		c.reconnectPolicy = policy
	}
}

// WithWebSocketProtocol selects the subscription sub-protocol
func WithWebSocketProtocol(p WebSocketProtocol) Option {
	return func(c *Client) {
		c.wsProtocol = p
	}
}

// WithConnectionPayload sets the connection_init payload. The credential,
// when present, is added under "Authorization".
func WithConnectionPayload(payload map[string]interface{}) Option {
	return func(c *Client) {
		c.connectionPayload = payload
	}
}

// WithConnectionAckTimeout bounds the wait for connection_ack
func WithConnectionAckTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.ackTimeout = d
	}
}

// WithOnDisconnected registers a hook called with the cause of every
// stream disconnect, before the reconnect delay
func WithOnDisconnected(fn func(error)) Option {
	return func(c *Client) {
		c.onDisconnected = fn
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger. It defaults to the engine's.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateEndpointConfig()...)
	errors = append(errors, c.validateBatchingConfig()...)
	errors = append(errors, c.validateStreamConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateDeduplicationConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %v", errors),
			Timestamp: time.Now(),
		}
	}

	return nil
}

// validateEndpointConfig validates both endpoints and the timeout
func (c *Client) validateEndpointConfig() []string {
	var errors []string

	if c.serverURL == "" {
		errors = append(errors, "serverURL must be set")
	} else if u, err := url.Parse(c.serverURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, "serverURL must be an absolute http or https URL")
	}

	if c.wsURL != "" {
		if u, err := url.Parse(c.wsURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errors = append(errors, "webSocketURL must be an absolute ws or wss URL")
		}
	}

	if c.timeout < 0 {
		errors = append(errors, "timeout must be non-negative")
	}

	return errors
}

// validateBatchingConfig validates batching configuration
func (c *Client) validateBatchingConfig() []string {
	var errors []string

	if c.batching {
		if c.batchInterval <= 0 {
			errors = append(errors, "batch interval must be positive")
		}
		if c.batchMaxSize <= 0 {
			errors = append(errors, "batch max size must be positive")
		}
	}

	return errors
}

// validateStreamConfig validates subscription stream configuration
func (c *Client) validateStreamConfig() []string {
	var errors []string

	if !c.wsProtocol.valid() {
		errors = append(errors, fmt.Sprintf("unknown websocket protocol %q", c.wsProtocol))
	}
	if c.reconnectPolicy == nil {
		errors = append(errors, "reconnect policy cannot be nil")
	} else if v, ok := c.reconnectPolicy.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			errors = append(errors, err.Error())
		}
	}
	if c.ackTimeout <= 0 {
		errors = append(errors, "connection ack timeout must be positive")
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen == nil {
		errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
	}

	return errors
}

// validateDeduplicationConfig validates deduplication configuration
func (c *Client) validateDeduplicationConfig() []string {
	var errors []string

	if c.deduplication != nil {
		if c.dedupKeyFunc == nil {
			errors = append(errors, "deduplication key function must be set when deduplication is enabled")
		}
		if c.dedupCondition == nil {
			errors = append(errors, "deduplication condition must be set when deduplication is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig validates user stages
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, stage := range c.userStages {
		if stage.Middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.batching && c.batchMaxSize > 100 {
		errors = append(errors, "batch max size > 100 may overload the server")
	}
	if c.batching && c.batchInterval > time.Second {
		errors = append(errors, "batch interval > 1s delays every request")
	}
	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	return errors
}
