package gqlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultAckTimeout   = 10 * time.Second
	streamWriteTimeout  = 10 * time.Second
	subscriptionBacklog = 64
)

// StreamState is the lifecycle state of the shared WebSocket stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamOpen
	StreamDisconnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamDisconnected:
		return "disconnected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is one active subscription on the shared stream. Events is
// closed when the subscription ends; Err yields at most one error.
type Subscription struct {
	id      string
	request *Request
	manager *streamManager

	events chan *Response
	errs   chan error
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSubscription(id string, req *Request, m *streamManager) *Subscription {
	return &Subscription{
		id:      id,
		request: req,
		manager: m,
		events:  make(chan *Response, subscriptionBacklog),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the protocol id of the subscription.
func (s *Subscription) ID() string { return s.id }

// Events delivers the results pushed by the server. It buffers 64 events;
// a consumer that falls further behind has its subscription ended with
// ErrSlowConsumer so the shared connection keeps flowing.
func (s *Subscription) Events() <-chan *Response { return s.events }

// Err delivers the error that ended the subscription, if any.
func (s *Subscription) Err() <-chan error { return s.errs }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe stops the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.manager.end(s, nil, true)
}

// deliver never blocks the read loop. It reports false when the backlog is
// full.
func (s *Subscription) deliver(resp *Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- resp:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(err error) {
	s.shutdown(err)
}

func (s *Subscription) close() {
	s.shutdown(nil)
}

func (s *Subscription) shutdown(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		if err != nil {
			s.errs <- err
		}
		close(s.events)
		close(s.errs)
		s.mu.Unlock()
	})
}

type streamConfig struct {
	url            string
	protocol       WebSocketProtocol
	dialer         *websocket.Dialer
	tokenProvider  TokenProvider
	payload        map[string]interface{}
	headers        http.Header
	policy         ReconnectPolicy
	ackTimeout     time.Duration
	onDisconnected func(error)
	logger         Logger
	debug          *DebugConfig
	metrics        *MetricsCollector
}

// streamManager multiplexes subscriptions over one WebSocket connection,
// opened on the first Subscribe and reopened by a supervisor goroutine
// after every disconnect, as the ReconnectPolicy allows.
type streamManager struct {
	cfg    streamConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   StreamState
	conn    *websocket.Conn
	subs    map[string]*Subscription
	started bool
	attempt int

	writeMu sync.Mutex
}

func newStreamManager(parent context.Context, cfg streamConfig) *streamManager {
	if cfg.policy == nil {
		cfg.policy = DefaultReconnectPolicy()
	}
	if cfg.ackTimeout <= 0 {
		cfg.ackTimeout = defaultAckTimeout
	}
	if !cfg.protocol.valid() {
		cfg.protocol = ProtocolGraphQLWS
	}
	if cfg.logger == nil {
		cfg.logger = NopLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	return &streamManager{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscription),
	}
}

// State returns the current stream state.
func (m *streamManager) State() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt; 0 while the stream is
// healthy.
func (m *streamManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *streamManager) setState(s StreamState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.cfg.metrics.RecordStreamState(s)
	if m.cfg.debug != nil && m.cfg.debug.Enabled && m.cfg.debug.LogStream {
		m.cfg.logger.Debug("Stream state changed", "state", s.String(), "url", m.cfg.url)
	}
}

func (m *streamManager) subscribe(ctx context.Context, req *Request) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	sub := newSubscription(uuid.NewString(), req, m)

	m.mu.Lock()
	if m.state == StreamClosed || m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, newClientError(ErrorTypeClosed, "stream closed", nil)
	}
	m.subs[sub.id] = sub
	active := len(m.subs)
	conn := m.conn
	start := !m.started
	m.started = true
	m.mu.Unlock()

	m.cfg.metrics.RecordSubscriptions(active)

	if start {
		go m.run()
	} else if conn != nil {
		// A failed write means the connection is going away; the next
		// session re-sends every active subscription.
		if err := m.sendStart(conn, sub); err != nil {
			m.cfg.logger.Debug("subscribe write failed", "id", sub.id, "error", err.Error())
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// end removes sub from the stream and closes it. A non-nil err is
// delivered on the subscription's error channel.
func (m *streamManager) end(sub *Subscription, err error, notifyServer bool) {
	m.mu.Lock()
	_, active := m.subs[sub.id]
	delete(m.subs, sub.id)
	remaining := len(m.subs)
	conn := m.conn
	m.mu.Unlock()

	if active {
		m.cfg.metrics.RecordSubscriptions(remaining)
		if notifyServer && conn != nil {
			if werr := m.writeFrame(conn, wsFrame{ID: sub.id, Type: m.cfg.protocol.stopType()}); werr != nil {
				m.cfg.logger.Debug("unsubscribe write failed", "id", sub.id, "error", werr.Error())
			}
		}
	}

	if err != nil {
		sub.fail(err)
		return
	}
	sub.close()
}

func (m *streamManager) lookup(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *streamManager) takeAll() []*Subscription {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for id, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	m.cfg.metrics.RecordSubscriptions(0)
	return subs
}

// run is the reconnect supervisor. The delay before each reopen is a
// select on a timer and the stream context; no lock is held while waiting.
func (m *streamManager) run() {
	defer close(m.done)

	for {
		if m.Attempt() == 0 {
			m.setState(StreamConnecting)
		} else {
			m.setState(StreamReconnecting)
		}

		err := m.session()
		if m.ctx.Err() != nil {
			m.setState(StreamClosed)
			return
		}

		m.setState(StreamDisconnected)
		cause := newClientError(ErrorTypeStreamDisconnected, "stream disconnected", err)
		cause.URL = m.cfg.url
		if m.cfg.onDisconnected != nil {
			m.cfg.onDisconnected(cause)
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		delay, reopen := m.cfg.policy.ReopenWhen(cause, attempt)
		if !reopen {
			m.cfg.logger.Error("WebSocket reconnect abandoned", "cause", errString(err), "attempt", attempt)
			for _, sub := range m.takeAll() {
				sub.fail(cause)
			}
			m.setState(StreamClosed)
			return
		}

		m.cfg.logger.Warn("WebSocket got disconnected, reopening after a delay", "cause", errString(err), "attempt", attempt, "delay", delay)
		m.cfg.metrics.RecordReconnect(delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			m.setState(StreamClosed)
			return
		}
	}
}

// session dials, waits for connection_ack, re-sends active subscriptions
// and reads until the connection fails. It always returns a non-nil error.
func (m *streamManager) session() error {
	header := m.cfg.headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	setUserAgent(header)
	payload := make(map[string]interface{}, len(m.cfg.payload)+1)
	for k, v := range m.cfg.payload {
		payload[k] = v
	}
	if m.cfg.tokenProvider != nil {
		if token, ok := m.cfg.tokenProvider.Token(); ok {
			header.Set("Authorization", token)
			payload["Authorization"] = token
		}
	}

	dialer := *m.cfg.dialer
	dialer.Subprotocols = []string{string(m.cfg.protocol)}
	conn, resp, err := dialer.DialContext(m.ctx, m.cfg.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", m.cfg.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", m.cfg.url, err)
	}

	stop := context.AfterFunc(m.ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := m.handshake(conn, payload); err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.attempt = 0
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	m.setState(StreamOpen)
	m.cfg.logger.Info("WebSocket stream open", "url", m.cfg.url, "protocol", string(m.cfg.protocol), "subscriptions", len(subs))

	for _, sub := range subs {
		if err := m.sendStart(conn, sub); err != nil {
			return err
		}
	}

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		m.handleFrame(conn, frame)
	}
}

func (m *streamManager) handshake(conn *websocket.Conn, payload map[string]interface{}) error {
	init, err := newFrame("", msgConnectionInit, payload)
	if err != nil {
		return err
	}
	if err := m.writeFrame(conn, init); err != nil {
		return fmt.Errorf("send %s: %w", msgConnectionInit, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.ackTimeout)); err != nil {
		return err
	}
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("wait for %s: %w", msgConnectionAck, err)
		}
		switch frame.Type {
		case msgConnectionAck:
			return conn.SetReadDeadline(time.Time{})
		case msgConnectionError, msgError:
			return fmt.Errorf("connection rejected: %w", frameError(frame.Payload))
		case msgPing:
			if err := m.writeFrame(conn, wsFrame{Type: msgPong}); err != nil {
				return err
			}
		}
	}
}

func (m *streamManager) handleFrame(conn *websocket.Conn, frame wsFrame) {
	switch {
	case m.cfg.protocol.isData(frame.Type):
		sub := m.lookup(frame.ID)
		if sub == nil {
			return
		}
		var resp Response
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			m.end(sub, newClientError(ErrorTypeDecode, "decode subscription payload", err), true)
			return
		}
		if !sub.deliver(&resp) {
			m.cfg.metrics.RecordSubscriptionOverflow()
			m.cfg.logger.Warn("subscription backlog full, ending it", "id", sub.id, "operation", sub.request.operationLabel(), "backlog", subscriptionBacklog)
			m.end(sub, &ClientError{
				Type:          ErrorTypeSlowConsumer,
				Message:       fmt.Sprintf("consumer fell more than %d events behind", subscriptionBacklog),
				OperationName: sub.request.OperationName,
				Timestamp:     time.Now(),
			}, true)
		}

	case frame.Type == msgError:
		if sub := m.lookup(frame.ID); sub != nil {
			m.end(sub, &ClientError{
				Type:          ErrorTypeGraphQL,
				Message:       "subscription failed",
				Cause:         frameError(frame.Payload),
				OperationName: sub.request.OperationName,
				Timestamp:     time.Now(),
			}, false)
		}

	case frame.Type == msgComplete:
		if sub := m.lookup(frame.ID); sub != nil {
			m.end(sub, nil, false)
		}

	case frame.Type == msgPing:
		if err := m.writeFrame(conn, wsFrame{Type: msgPong, Payload: frame.Payload}); err != nil {
			m.cfg.logger.Debug("pong write failed", "error", err.Error())
		}

	case frame.Type == msgKeepAlive, frame.Type == msgPong:

	default:
		if m.cfg.debug != nil && m.cfg.debug.Enabled && m.cfg.debug.LogStream {
			m.cfg.logger.Debug("Ignoring stream frame", "type", frame.Type, "id", frame.ID)
		}
	}
}

func (m *streamManager) sendStart(conn *websocket.Conn, sub *Subscription) error {
	frame, err := newFrame(sub.id, m.cfg.protocol.startType(), sub.request)
	if err != nil {
		return err
	}
	return m.writeFrame(conn, frame)
}

func (m *streamManager) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// close stops the supervisor, closes the connection and ends every
// subscription.
func (m *streamManager) close() {
	m.mu.Lock()
	started := m.started
	m.started = true
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && m.cfg.protocol == ProtocolGraphQLWS {
		_ = m.writeFrame(conn, wsFrame{Type: msgTerminate})
	}
	m.cancel()
	for _, sub := range m.takeAll() {
		sub.close()
	}
	if started {
		<-m.done
	}
	m.setState(StreamClosed)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
