// Package gqlink is a GraphQL client built around one shared network engine.
//
//   - A process-wide Engine owns pooled connections and the WebSocket dialer
//   - Request-finished events are delivered to listeners on a bounded worker pool
//   - Every HTTP exchange passes the authorization and logging stages, then any user stages
//   - HTTP batching, on by default, merges operations issued within a short interval
//   - Subscriptions share one WebSocket stream that is reopened after a
//     policy-controlled delay (linear, one more second per attempt, by default)
//   - Optional query retries with backoff and a retry budget, plus in-flight deduplication
//   - Prometheus metrics and opt-in structured debug logging
//
// The engine must exist before any client:
//
//	engine, err := gqlink.InitializeEngine(ctx, gqlink.DefaultEngineConfig(),
//	    gqlink.WithServerURL("https://api.example.com/graphql"),
//	    gqlink.WithTokenProvider(store),
//	    gqlink.WithHTTPBatching(10*time.Millisecond, 10),
//	)
//	client, err := gqlink.GetClient()
//	resp, err := client.Query(ctx, gqlink.NewRequest(`{ launches { id } }`))
//
// GraphQL errors returned by the server do not fail a call; inspect
// Response.Err. Transport, HTTP status and decoding failures are returned as
// *ClientError and match ErrRequestFailed with errors.Is.
package gqlink
