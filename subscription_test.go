package gqlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{string(ProtocolGraphQLWS), string(ProtocolGraphQLTransportWS)},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(server.Close)
	return server
}

// acceptInit reads connection_init and acknowledges it.
func acceptInit(conn *websocket.Conn) (wsFrame, error) {
	var init wsFrame
	if err := conn.ReadJSON(&init); err != nil {
		return init, err
	}
	return init, conn.WriteJSON(wsFrame{Type: msgConnectionAck})
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newStreamClient(t *testing.T, serverURL string, opts ...Option) *Client {
	t.Helper()
	client, err := New(newTestEngine(t), append([]Option{WithServerURL(serverURL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func collectEvents(t *testing.T, sub *Subscription, timeout time.Duration) []*Response {
	t.Helper()
	var out []*Response
	deadline := time.After(timeout)
	for {
		select {
		case resp, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, resp)
		case <-deadline:
			t.Fatalf("subscription did not end within %v (got %d events)", timeout, len(out))
		}
	}
}

func TestSubscribeTransportWSProtocol(t *testing.T) {
	type handshake struct {
		protocol string
		header   string
		init     wsFrame
		sub      wsFrame
	}
	seen := make(chan handshake, 1)

	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		init, err := acceptInit(conn)
		if err != nil {
			return
		}
		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		seen <- handshake{protocol: conn.Subprotocol(), header: r.Header.Get("Authorization"), init: init, sub: sub}

		conn.WriteJSON(wsFrame{ID: sub.ID, Type: msgNext, Payload: json.RawMessage(`{"data":{"tripsBooked":1}}`)})
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: msgPing})
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: msgNext, Payload: json.RawMessage(`{"data":{"tripsBooked":2}}`)})
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: msgComplete})
		drain(conn)
	})

	client := newStreamClient(t, server.URL,
		WithWebSocketProtocol(ProtocolGraphQLTransportWS),
		WithTokenProvider(StaticTokenProvider("token-1")),
		WithAuthorizationScheme("Bearer"),
		WithConnectionPayload(map[string]interface{}{"client": "gqlink"}),
	)

	sub, err := client.Subscribe(context.Background(), NewRequest("subscription OnTripsBooked { tripsBooked }").WithOperationName("OnTripsBooked"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	events := collectEvents(t, sub, 5*time.Second)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	for i, resp := range events {
		var data struct {
			TripsBooked int `json:"tripsBooked"`
		}
		if err := resp.Decode(&data); err != nil || data.TripsBooked != i+1 {
			t.Errorf("event %d: %+v / %v", i, data, err)
		}
	}

	hs := <-seen
	if hs.protocol != string(ProtocolGraphQLTransportWS) {
		t.Errorf("negotiated protocol %q", hs.protocol)
	}
	if hs.header != "Bearer token-1" {
		t.Errorf("handshake Authorization header %q", hs.header)
	}
	if hs.init.Type != msgConnectionInit {
		t.Errorf("first frame %q", hs.init.Type)
	}
	var payload map[string]interface{}
	json.Unmarshal(hs.init.Payload, &payload)
	if payload["Authorization"] != "Bearer token-1" || payload["client"] != "gqlink" {
		t.Errorf("connection_init payload %v", payload)
	}
	if hs.sub.Type != msgSubscribe || hs.sub.ID != sub.ID() {
		t.Errorf("subscribe frame %+v", hs.sub)
	}
	var req Request
	json.Unmarshal(hs.sub.Payload, &req)
	if req.OperationName != "OnTripsBooked" {
		t.Errorf("subscribe payload %+v", req)
	}
}

func TestSubscribeLegacyProtocolUnsubscribe(t *testing.T) {
	stops := make(chan wsFrame, 1)
	started := make(chan string, 1)

	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptInit(conn); err != nil {
			return
		}
		conn.WriteJSON(wsFrame{Type: msgKeepAlive})
		var start wsFrame
		if err := conn.ReadJSON(&start); err != nil || start.Type != msgStart {
			return
		}
		conn.WriteJSON(wsFrame{ID: start.ID, Type: msgData, Payload: json.RawMessage(`{"data":{"tripsBooked":7}}`)})
		started <- start.ID
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == msgStop {
				stops <- frame
			}
		}
	})

	client := newStreamClient(t, server.URL)
	sub, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case resp := <-sub.Events():
		if string(resp.Data) != `{"tripsBooked":7}` {
			t.Errorf("event data %s", resp.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	if id := <-started; id != sub.ID() {
		t.Errorf("start id %q, want %q", id, sub.ID())
	}
	if client.StreamState() != StreamOpen {
		t.Errorf("stream state %v", client.StreamState())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case stop := <-stops:
		if stop.ID != sub.ID() {
			t.Errorf("stop id %q", stop.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop frame not sent")
	}
	if _, open := <-sub.Events(); open {
		t.Error("events channel must be closed after Unsubscribe")
	}
}

func TestSubscriptionErrorFrame(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptInit(conn); err != nil {
			return
		}
		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: msgError, Payload: json.RawMessage(`[{"message":"not authorized"}]`)})
		drain(conn)
	})

	client := newStreamClient(t, server.URL, WithWebSocketProtocol(ProtocolGraphQLTransportWS))
	sub, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case err := <-sub.Err():
		if !errors.Is(err, &ClientError{Type: ErrorTypeGraphQL}) {
			t.Errorf("Expected GraphQL error, got %v", err)
		}
		var gqlErrs GraphQLErrors
		if !errors.As(err, &gqlErrs) || gqlErrs[0].Message != "not authorized" {
			t.Errorf("Expected server message, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error not delivered")
	}
}

// recordingPolicy wraps a policy and keeps every decision it makes.
type recordingPolicy struct {
	next ReconnectPolicy

	mu       sync.Mutex
	attempts []int
	delays   []time.Duration
	causes   []error
}

func (p *recordingPolicy) ReopenWhen(cause error, attempt int) (time.Duration, bool) {
	delay, reopen := p.next.ReopenWhen(cause, attempt)
	p.mu.Lock()
	p.attempts = append(p.attempts, attempt)
	p.delays = append(p.delays, delay)
	p.causes = append(p.causes, cause)
	p.mu.Unlock()
	return delay, reopen
}

func (p *recordingPolicy) snapshot() ([]int, []time.Duration, []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.attempts...), append([]time.Duration(nil), p.delays...), append([]error(nil), p.causes...)
}

func TestStreamReopensAfterServerDrop(t *testing.T) {
	var connections atomic.Int32
	opened := make(chan time.Time, 4)
	starts := make(chan string, 4)

	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		n := connections.Add(1)
		if _, err := acceptInit(conn); err != nil {
			return
		}
		opened <- time.Now()
		var start wsFrame
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		starts <- start.ID
		if n <= 2 {
			return
		}
		conn.WriteJSON(wsFrame{ID: start.ID, Type: msgData, Payload: json.RawMessage(`{"data":{"tripsBooked":3}}`)})
		drain(conn)
	})

	logger := &recordingLogger{}
	policy := &recordingPolicy{next: DefaultReconnectPolicy()}
	var hookCalls atomic.Int32
	client := newStreamClient(t, server.URL,
		WithLogger(logger),
		WithReconnectPolicy(policy),
		WithOnDisconnected(func(err error) {
			if errors.Is(err, ErrStreamDisconnected) {
				hookCalls.Add(1)
			}
		}),
	)

	sub, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case resp := <-sub.Events():
		if string(resp.Data) != `{"tripsBooked":3}` {
			t.Errorf("event data %s", resp.Data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no event after reconnect")
	}

	first, second := <-opened, <-opened
	if gap := second.Sub(first); gap < 950*time.Millisecond {
		t.Errorf("stream reopened after %v, want about 1s", gap)
	}
	for i := 0; i < 3; i++ {
		if id := <-starts; id != sub.ID() {
			t.Errorf("connection %d started %q, want %q", i+1, id, sub.ID())
		}
	}

	attempts, delays, causes := policy.snapshot()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 1 {
		t.Errorf("attempts = %v, want [1 1] since each reopen succeeded", attempts)
	}
	for i, d := range delays {
		if d != time.Second {
			t.Errorf("delay %d = %v, want 1s", i, d)
		}
	}
	for _, cause := range causes {
		if !errors.Is(cause, ErrStreamDisconnected) {
			t.Errorf("cause %v is not a stream disconnect", cause)
		}
	}
	if hookCalls.Load() != 2 {
		t.Errorf("disconnect hook called %d times, want 2", hookCalls.Load())
	}

	if n := logger.count("WebSocket got disconnected, reopening after a delay"); n != 2 {
		t.Errorf("disconnect logged %d times, want 2", n)
	}
	rec, _ := logger.find("WebSocket got disconnected, reopening after a delay")
	if rec.level != "warn" {
		t.Errorf("disconnect logged at %s", rec.level)
	}
	if attempt, _ := rec.value("attempt"); attempt != 1 {
		t.Errorf("logged attempt %v", attempt)
	}
	if delay, _ := rec.value("delay"); delay != time.Second {
		t.Errorf("logged delay %v", delay)
	}
	if _, ok := rec.value("cause"); !ok {
		t.Error("cause not logged")
	}

	if client.stream.Attempt() != 0 {
		t.Errorf("attempt counter %d after a healthy reconnect", client.stream.Attempt())
	}
}

func TestStreamFiftyConsecutiveFailures(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	policy := &recordingPolicy{next: ReconnectPolicyFunc(func(cause error, attempt int) (time.Duration, bool) {
		return time.Millisecond, attempt <= 50
	})}
	logger := &recordingLogger{}
	client := newStreamClient(t, server.URL, WithReconnectPolicy(policy), WithLogger(logger))

	sub, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case err := <-sub.Err():
		if !errors.Is(err, ErrStreamDisconnected) {
			t.Errorf("Expected ErrStreamDisconnected, got %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("subscription did not fail after the policy gave up")
	}

	attempts, _, _ := policy.snapshot()
	if len(attempts) != 51 {
		t.Fatalf("policy consulted %d times, want 51", len(attempts))
	}
	for i, attempt := range attempts {
		if attempt != i+1 {
			t.Fatalf("attempt %d reported as %d", i+1, attempt)
		}
	}
	if dials.Load() != 51 {
		t.Errorf("Expected 1 dial plus 50 reopens, got %d", dials.Load())
	}
	if logger.count("WebSocket got disconnected, reopening after a delay") != 50 {
		t.Errorf("Expected 50 reopen records, got %d", logger.count("WebSocket got disconnected, reopening after a delay"))
	}
	if logger.count("WebSocket reconnect abandoned") != 1 {
		t.Error("Expected the give-up to be logged")
	}
	waitFor(t, time.Second, func() bool { return client.StreamState() == StreamClosed })

	if _, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Expected closed stream to reject subscriptions, got %v", err)
	}
}

func TestSubscribeContextCancel(t *testing.T) {
	stops := make(chan string, 1)
	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptInit(conn); err != nil {
			return
		}
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == msgComplete {
				stops <- frame.ID
			}
		}
	})

	client := newStreamClient(t, server.URL, WithWebSocketProtocol(ProtocolGraphQLTransportWS))
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := client.Subscribe(ctx, NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return client.StreamState() == StreamOpen })
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ended by context")
	}
	select {
	case id := <-stops:
		if id != sub.ID() {
			t.Errorf("complete id %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("complete frame not sent")
	}
}

func TestClientCloseEndsSubscriptions(t *testing.T) {
	terminated := make(chan struct{}, 1)
	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptInit(conn); err != nil {
			return
		}
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == msgTerminate {
				terminated <- struct{}{}
			}
		}
	})

	client := newStreamClient(t, server.URL)
	sub, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return client.StreamState() == StreamOpen })

	client.Close()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ended by Close")
	}
	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("connection_terminate not sent")
	}
	if client.StreamState() != StreamClosed {
		t.Errorf("stream state %v after Close", client.StreamState())
	}
	if _, err := client.Subscribe(context.Background(), NewRequest("subscription { tripsBooked }")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Expected ErrClientClosed, got %v", err)
	}
}

func TestSubscribeRejectsNonSubscriptions(t *testing.T) {
	client := newStreamClient(t, "http://example.test/graphql")
	if _, err := client.Subscribe(context.Background(), NewRequest("{ me { id } }")); !errors.Is(err, &ClientError{Type: ErrorTypeValidation}) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if client.StreamState() != StreamIdle {
		t.Error("rejected subscribe must not open the stream")
	}
}

func TestStreamStateString(t *testing.T) {
	states := map[StreamState]string{
		StreamIdle:         "idle",
		StreamConnecting:   "connecting",
		StreamOpen:         "open",
		StreamDisconnected: "disconnected",
		StreamReconnecting: "reconnecting",
		StreamClosed:       "closed",
		StreamState(99):    "unknown",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(state), state.String(), want)
		}
	}
}

func TestSlowSubscriberDoesNotStallStream(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptInit(conn); err != nil {
			return
		}
		for {
			var start wsFrame
			if err := conn.ReadJSON(&start); err != nil {
				return
			}
			if start.Type != msgStart {
				continue
			}
			var req Request
			json.Unmarshal(start.Payload, &req)
			count := 1
			if req.OperationName == "Flood" {
				count = subscriptionBacklog + 20
			}
			for i := 0; i < count; i++ {
				conn.WriteJSON(wsFrame{ID: start.ID, Type: msgData, Payload: json.RawMessage(`{"data":{"tripsBooked":1}}`)})
			}
		}
	})

	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client := newStreamClient(t, server.URL, WithMetricsCollector(collector))

	flood, err := client.Subscribe(context.Background(), NewRequest("subscription Flood { tripsBooked }").WithOperationName("Flood"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case <-flood.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("an unread subscription must be ended once its backlog is full")
	}

	events := collectEvents(t, flood, time.Second)
	if len(events) != subscriptionBacklog {
		t.Errorf("Expected %d buffered events, got %d", subscriptionBacklog, len(events))
	}
	if err := <-flood.Err(); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("Expected ErrSlowConsumer, got %v", err)
	}
	if got := testutil.ToFloat64(collector.subscriptionsSlow); got != 1 {
		t.Errorf("overflow counter = %v, want 1", got)
	}

	other, err := client.Subscribe(context.Background(), NewRequest("subscription Trips { tripsBooked }").WithOperationName("Trips"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case resp := <-other.Events():
		if resp == nil || string(resp.Data) != `{"tripsBooked":1}` {
			t.Errorf("unexpected event %v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("the stream stalled behind the slow subscriber")
	}
}
