package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/gqlink"
)

// run executes the command tree with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

type capturedRequest struct {
	Authorization string
	Body          gqlink.Request
}

func graphqlServer(t *testing.T, response string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlink.Request
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		captured <- capturedRequest{Authorization: r.Header.Get("Authorization"), Body: req}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, gqlink.GetVersion()+"\n", out)
}

func TestQueryCommand(t *testing.T) {
	server, captured := graphqlServer(t, `{"data":{"launch":{"id":"109","site":"CCAFS SLC 40"}}}`)

	out, stderr, err := run(t, "query",
		"--server", server.URL,
		"--token", "secret",
		"--operation", "Launch",
		"--var", `id="109"`,
		"--var", "limit=5",
		"--var", "site=KSC",
		`query Launch($id: ID!) { launch(id: $id) { id site } }`,
	)
	require.NoError(t, err)

	var resp gqlink.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.JSONEq(t, `{"launch":{"id":"109","site":"CCAFS SLC 40"}}`, string(resp.Data))

	req := <-captured
	assert.Equal(t, "Bearer secret", req.Authorization)
	assert.Equal(t, "Launch", req.Body.OperationName)
	assert.Equal(t, "109", req.Body.Variables["id"])
	assert.EqualValues(t, 5, req.Body.Variables["limit"])
	assert.Equal(t, "KSC", req.Body.Variables["site"])

	assert.Contains(t, stderr, "network engine started")
	assert.Contains(t, stderr, "request finished")
}

func TestQueryCommandFromFileAndConfig(t *testing.T) {
	server, captured := graphqlServer(t, `{"data":{"me":{"id":"1"}}}`)

	dir := t.TempDir()
	docPath := filepath.Join(dir, "me.graphql")
	require.NoError(t, os.WriteFile(docPath, []byte(`{ me { id } }`), 0o600))
	cfgPath := filepath.Join(dir, "gqlink.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  url: "+server.URL+"\nauth:\n  token: from-file\n  scheme: Token\n"), 0o600))

	out, _, err := run(t, "query", "--config", cfgPath, "-f", docPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "1"`)

	req := <-captured
	assert.Equal(t, "Token from-file", req.Authorization)
	assert.Equal(t, `{ me { id } }`, req.Body.Query)
}

func TestQueryCommandGraphQLErrors(t *testing.T) {
	server, _ := graphqlServer(t, `{"data":null,"errors":[{"message":"launch not found"}]}`)

	out, _, err := run(t, "query", "--server", server.URL, `{ launch(id: 0) { id } }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch not found")
	assert.Contains(t, out, "launch not found")
}

func TestQueryCommandInputErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no document", []string{"query", "--server", "http://localhost:1"}, "no GraphQL document"},
		{"document twice", []string{"query", "--server", "http://localhost:1", "-f", "x.graphql", "{ a }"}, "not both"},
		{"missing file", []string{"query", "--server", "http://localhost:1", "-f", filepath.Join(t.TempDir(), "missing.graphql")}, "failed to read document"},
		{"bad variable", []string{"query", "--server", "http://localhost:1", "--var", "novalue", "{ a }"}, "invalid variable"},
		{"no server", []string{"query", "{ a }"}, "server.url"},
		{"subscription over http", []string{"query", "--server", "http://localhost:1", "subscription { tripsBooked }"}, "subscription"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseVariable(t *testing.T) {
	tests := []struct {
		in        string
		wantName  string
		wantValue interface{}
	}{
		{"id=83", "id", float64(83)},
		{`id="83"`, "id", "83"},
		{"site=KSC LC 39A", "site", "KSC LC 39A"},
		{"ok=true", "ok", true},
		{`ids=["1","2"]`, "ids", []interface{}{"1", "2"}},
		{"empty=", "empty", ""},
		{" name =x", "name", "x"},
	}
	for _, tt := range tests {
		name, value, err := parseVariable(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.wantName, name, tt.in)
		assert.Equal(t, tt.wantValue, value, tt.in)
	}

	_, _, err := parseVariable("=1")
	assert.Error(t, err)
}

func TestSubscribeCommand(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"graphql-ws"}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame map[string]interface{}
		if conn.ReadJSON(&frame) != nil || frame["type"] != "connection_init" {
			return
		}
		conn.WriteJSON(map[string]string{"type": "connection_ack"})
		if conn.ReadJSON(&frame) != nil || frame["type"] != "start" {
			return
		}
		id := frame["id"]
		for i := 0; i < 3; i++ {
			conn.WriteJSON(map[string]interface{}{
				"id":      id,
				"type":    "data",
				"payload": map[string]interface{}{"data": map[string]int{"tripsBooked": i + 1}},
			})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	out, _, err := run(t, "subscribe", "--server", server.URL, "--count", "2", "subscription { tripsBooked }")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var events []gqlink.Response
	for dec.More() {
		var resp gqlink.Response
		require.NoError(t, dec.Decode(&resp))
		events = append(events, resp)
	}
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"tripsBooked":1}`, string(events[0].Data))
	assert.JSONEq(t, `{"tripsBooked":2}`, string(events[1].Data))
}

func TestServeMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	collector := gqlink.NewMetricsCollectorWithRegistry(registry)
	collector.RecordStreamState(gqlink.StreamOpen)

	var body string
	err = serveMetrics(context.Background(), ln, registry, func(ctx context.Context) error {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		body = string(data)
		return err
	})
	require.NoError(t, err)
	assert.Contains(t, body, "gqlink_stream_state")
	assert.Contains(t, body, "go_goroutines")

	_, err = http.Get("http://" + ln.Addr().String() + "/metrics")
	assert.Error(t, err, "server must stop with the command")
}

func TestQueryCommandWithMetrics(t *testing.T) {
	server, _ := graphqlServer(t, `{"data":{"ok":true}}`)

	_, stderr, err := run(t, "query", "--server", server.URL, "--metrics-addr", "127.0.0.1:0", "{ ok }")
	require.NoError(t, err)
	assert.Contains(t, stderr, "serving metrics")
}
