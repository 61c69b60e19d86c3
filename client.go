package gqlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const maxErrorBodySnippet = 4096

// Client speaks GraphQL to one service over HTTP (queries and mutations)
// and WebSocket (subscriptions). Every HTTP exchange runs through the
// authorization and logging stages, any user stages, and finally the
// engine transport. It is safe for concurrent use.
type Client struct {
	engine     *Engine
	httpClient *http.Client
	chain      *chain

	serverURL     string
	wsURL         string
	tokenProvider TokenProvider
	authScheme    string
	headers       http.Header
	logLevel      LogLevel
	userStages    []Stage
	timeout       time.Duration

	batching      bool
	batchInterval time.Duration
	batchMaxSize  int
	batcher       *batcher

	retryPolicy RetryPolicy
	retryBudget *RetryBudget

	deduplication  *DeduplicationTracker
	dedupKeyFunc   DeduplicationKeyFunc
	dedupCondition DeduplicationCondition

	reconnectPolicy   ReconnectPolicy
	wsProtocol        WebSocketProtocol
	connectionPayload map[string]interface{}
	ackTimeout        time.Duration
	onDisconnected    func(error)
	stream            *streamManager

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds a client on engine. It fails with ErrNotInitialized when
// engine is nil and with a Validation error when the options are invalid.
func New(engine *Engine, options ...Option) (*Client, error) {
	if engine == nil {
		return nil, newClientError(ErrorTypeNotInitialized, "initialize the network engine first", nil)
	}

	client := &Client{
		engine:          engine,
		headers:         http.Header{},
		logLevel:        LogNone,
		timeout:         30 * time.Second,
		batching:        true,
		batchInterval:   defaultBatchInterval,
		batchMaxSize:    defaultBatchMaxSize,
		dedupKeyFunc:    DefaultDeduplicationKeyFunc,
		dedupCondition:  DefaultDeduplicationCondition,
		reconnectPolicy: DefaultReconnectPolicy(),
		wsProtocol:      ProtocolGraphQLWS,
		ackTimeout:      defaultAckTimeout,
		metrics:         engine.metrics,
		debug:           DefaultDebugConfig(),
		logger:          engine.logger,
	}

	for _, option := range options {
		option(client)
	}
	if client.logger == nil {
		client.logger = NopLogger()
	}
	if client.wsURL == "" {
		client.wsURL = deriveWebSocketURL(client.serverURL)
	}

	if err := client.ValidateConfiguration(); err != nil {
		return nil, err
	}

	provider := client.tokenProvider
	if provider != nil && client.authScheme != "" {
		provider = schemeTokenProvider{source: provider, scheme: client.authScheme}
	}

	stages := []Stage{
		{Name: StageAuthorization, Middleware: AuthorizationMiddleware(provider)},
		{Name: StageLogging, Middleware: LoggingMiddleware(client.logger, client.logLevel)},
	}
	stages = append(stages, client.userStages...)
	ch, err := buildChain(stages, engine.RoundTripper())
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "invalid stage chain", Cause: err, Timestamp: time.Now()}
	}
	client.chain = ch
	client.httpClient = &http.Client{Transport: ch, Timeout: client.timeout}

	client.ctx, client.cancel = context.WithCancel(context.Background())

	if client.batching {
		client.batcher = newBatcher(client.ctx, client.batchInterval, client.batchMaxSize, client.post, client.logger, client.debug, client.metrics)
	}

	client.stream = newStreamManager(client.ctx, streamConfig{
		url:            client.wsURL,
		protocol:       client.wsProtocol,
		dialer:         engine.Dialer(),
		tokenProvider:  provider,
		payload:        client.connectionPayload,
		headers:        client.headers,
		policy:         client.reconnectPolicy,
		ackTimeout:     client.ackTimeout,
		onDisconnected: client.onDisconnected,
		logger:         client.logger,
		debug:          client.debug,
		metrics:        client.metrics,
	})

	client.logger.Info("graphql client ready", "serverURL", client.serverURL, "webSocketURL", client.wsURL, "stages", ch.Names(), "batching", client.batching)
	return client, nil
}

// Query runs a query operation.
func (c *Client) Query(ctx context.Context, req *Request) (*Response, error) {
	if err := validateRequest(req, kindQuery); err != nil {
		return nil, err
	}
	return c.execute(ctx, req, kindQuery)
}

// Mutate runs a mutation operation. Mutations are never retried or
// de-duplicated.
func (c *Client) Mutate(ctx context.Context, req *Request) (*Response, error) {
	if err := validateRequest(req, kindMutation); err != nil {
		return nil, err
	}
	return c.execute(ctx, req, kindMutation)
}

// Execute runs a query or mutation, detecting which from the document.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, newClientError(ErrorTypeValidation, "request has no query document", nil)
	}
	kind := detectOperationKind(req.Query)
	if kind == kindSubscription {
		return nil, validateRequest(req, kindQuery)
	}
	return c.execute(ctx, req, kind)
}

// Subscribe starts a subscription on the shared WebSocket stream, opening
// the stream on first use. Cancelling ctx ends the subscription.
func (c *Client) Subscribe(ctx context.Context, req *Request) (*Subscription, error) {
	if err := validateRequest(req, kindSubscription); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, newClientError(ErrorTypeClosed, "client closed", nil)
	}
	sub, err := c.stream.subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.debug != nil && c.debug.Enabled && c.debug.LogStream {
		c.logger.Debug("Subscribed", "id", sub.ID(), "operation", req.operationLabel())
	}
	return sub, nil
}

func validateRequest(req *Request, want operationKind) error {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return newClientError(ErrorTypeValidation, "request has no query document", nil)
	}
	got := detectOperationKind(req.Query)
	if got == want {
		return nil
	}
	names := map[operationKind]string{kindQuery: "query", kindMutation: "mutation", kindSubscription: "subscription"}
	return &ClientError{
		Type:          ErrorTypeValidation,
		Message:       fmt.Sprintf("document is a %s, expected a %s", names[got], names[want]),
		OperationName: req.OperationName,
		Timestamp:     time.Now(),
	}
}

func (c *Client) execute(ctx context.Context, req *Request, kind operationKind) (*Response, error) {
	if c.closed.Load() {
		return nil, newClientError(ErrorTypeClosed, "client closed", nil)
	}

	start := time.Now()
	op := req.operationLabel()

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests {
		c.logger.Debug("Starting operation", "requestID", requestID, "operation", op, "url", c.serverURL)
	}

	c.metrics.RecordRequestStart(op)
	defer c.metrics.RecordRequestEnd(op)

	if c.deduplication != nil && kind == kindQuery && c.dedupCondition(req) {
		key := c.dedupKeyFunc(req)
		entry, owner := c.deduplication.GetOrCreateEntry(key)
		if owner {
			go c.executeShared(ctx, key, req, kind, requestID, start)
		} else {
			c.metrics.RecordDeduplicationHit(op)
			if c.debug != nil && c.debug.Enabled && c.debug.LogDedup {
				c.logger.Debug("Deduplication hit", "requestID", requestID, "operation", op)
			}
		}
		resp, err := entry.Wait(ctx)
		c.finishOperation(op, resp, err, start)
		return resp, err
	}

	resp, err := c.executeWithRetry(ctx, req, kind, requestID, start)
	c.finishOperation(op, resp, err, start)
	return resp, err
}

// executeShared runs a deduplicated exchange for every caller waiting on
// key. It keeps the owner's context values but not its cancellation, so a
// caller that gives up only stops its own wait; closing the client stops
// the exchange.
func (c *Client) executeShared(owner context.Context, key string, req *Request, kind operationKind, requestID string, start time.Time) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(owner))
	stop := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	resp, err := c.executeWithRetry(ctx, req, kind, requestID, start)
	c.deduplication.Complete(key, resp, err)
}

func (c *Client) finishOperation(op string, resp *Response, err error, start time.Time) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
		errorType := "Unknown"
		if clientErr, ok := asClientError(err); ok {
			errorType = clientErr.Type
		}
		c.metrics.RecordError(errorType, op)
	case resp.HasErrors():
		status = "graphql_error"
		c.metrics.RecordError(ErrorTypeGraphQL, op)
	}
	c.metrics.RecordRequest(op, status, time.Since(start))
}

func (c *Client) executeWithRetry(ctx context.Context, req *Request, kind operationKind, requestID string, start time.Time) (*Response, error) {
	op := req.operationLabel()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.RecordRetry(op, attempt)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries {
				c.logger.Info("Retry attempt", "requestID", requestID, "attempt", attempt, "operation", op)
			}
		}

		resp, err := c.roundTrip(ctx, req)
		if err == nil {
			return resp, nil
		}

		if kind == kindMutation || c.retryPolicy == nil {
			return nil, c.decorateError(err, requestID, op, attempt, start)
		}
		delay, retry := c.retryPolicy.ShouldRetry(err, attempt)
		if !retry {
			return nil, c.decorateError(err, requestID, op, attempt, start)
		}

		if c.retryBudget != nil && !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(op)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries {
				c.logger.Warn("Retry budget exceeded", "requestID", requestID, "operation", op)
			}
			budgetErr := newClientError(ErrorTypeRetryBudget, "retry budget exceeded", err)
			return nil, c.decorateError(budgetErr, requestID, op, attempt, start)
		}

		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries {
			c.logger.Info("Scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay, "operation", op)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, c.decorateError(contextError(ctx.Err()), requestID, op, attempt, start)
		}
	}
}

// decorateError copies err with caller context. Batched calls share one
// error value, so it is never modified in place.
func (c *Client) decorateError(err error, requestID, op string, attempt int, start time.Time) error {
	clientErr, ok := asClientError(err)
	if !ok {
		clientErr = newClientError(ErrorTypeNetwork, "request failed", err)
	}
	decorated := *clientErr
	decorated.RequestID = requestID
	decorated.OperationName = op
	decorated.Duration = time.Since(start)
	if decorated.URL == "" {
		decorated.URL = c.serverURL
	}
	if attempt > 0 {
		decorated.Attempt = attempt
		if p, ok := c.retryPolicy.(*DefaultRetryPolicy); ok {
			decorated.MaxRetries = p.MaxRetries()
		}
	}
	return &decorated
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if c.batcher != nil && !batchingDisabled(ctx) {
		return c.batcher.do(ctx, req)
	}
	resps, err := c.post(ctx, []*Request{req})
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// post performs one HTTP exchange. A single request is sent as an object,
// several as a JSON array answered by an array in the same order. The body
// is always read to EOF so the engine reports the exchange as succeeded.
func (c *Client) post(ctx context.Context, reqs []*Request) ([]*Response, error) {
	var payload interface{} = reqs
	if len(reqs) == 1 {
		payload = reqs[0]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newClientError(ErrorTypeValidation, "encode request", err)
	}

	ctx = withOperations(ctx, operationLabels(reqs))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, newClientError(ErrorTypeValidation, "build request", err)
	}
	httpReq.Header = c.headers.Clone()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	setUserAgent(httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySnippet))
		_, _ = io.Copy(io.Discard, resp.Body)
		serverErr := newClientError(ErrorTypeServer, fmt.Sprintf("server responded %d", resp.StatusCode), nil)
		serverErr.StatusCode = resp.StatusCode
		serverErr.URL = c.serverURL
		serverErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		if text := strings.TrimSpace(string(snippet)); text != "" {
			serverErr.Cause = errors.New(text)
		}
		return nil, serverErr
	}

	decoder := json.NewDecoder(resp.Body)
	var resps []*Response
	if len(reqs) == 1 {
		var single Response
		err = decoder.Decode(&single)
		resps = []*Response{&single}
	} else {
		err = decoder.Decode(&resps)
	}
	if _, drainErr := io.Copy(io.Discard, resp.Body); err == nil && drainErr != nil {
		err = drainErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		decodeErr := newClientError(ErrorTypeDecode, "decode response", err)
		decodeErr.StatusCode = resp.StatusCode
		decodeErr.URL = c.serverURL
		return nil, decodeErr
	}
	return resps, nil
}

func (c *Client) transportError(ctx context.Context, err error) *ClientError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeoutErr := newClientError(ErrorTypeTimeout, "request timed out", err)
		timeoutErr.URL = c.serverURL
		return timeoutErr
	}
	networkErr := newClientError(ErrorTypeNetwork, "network request failed", err)
	networkErr.URL = c.serverURL
	return networkErr
}

// Close ends every subscription, fails pending batched calls and stops the
// stream supervisor. The engine stays up for other clients.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.batcher != nil {
			c.batcher.close()
		}
		c.stream.close()
		c.cancel()
		c.logger.Info("graphql client closed", "serverURL", c.serverURL)
	})
	return nil
}

// ServerURL returns the HTTP endpoint.
func (c *Client) ServerURL() string { return c.serverURL }

// WebSocketURL returns the subscription endpoint.
func (c *Client) WebSocketURL() string { return c.wsURL }

// Stages lists the request chain in execution order.
func (c *Client) Stages() []string { return c.chain.Names() }

// StreamState reports the state of the subscription stream.
func (c *Client) StreamState() StreamState { return c.stream.State() }

// Engine returns the engine the client runs on.
func (c *Client) Engine() *Engine { return c.engine }

// deriveWebSocketURL maps http to ws and https to wss on the same path.
func deriveWebSocketURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return ""
	}
	return u.String()
}
