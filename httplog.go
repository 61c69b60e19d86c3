package gqlink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LogLevel selects how much of each HTTP exchange the logging stage records.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogBasic
	LogHeaders
	LogBody
)

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogBasic:
		return "basic"
	case LogHeaders:
		return "headers"
	case LogBody:
		return "body"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel accepts the names returned by LogLevel.String.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LogNone, nil
	case "basic":
		return LogBasic, nil
	case "headers":
		return LogHeaders, nil
	case "body":
		return LogBody, nil
	}
	return LogNone, fmt.Errorf("unknown log level %q", s)
}

const redacted = "██"

// LoggingMiddleware logs each exchange at level. At LogBody both bodies are
// buffered and restored, so the response is fully read before the caller
// sees it.
func LoggingMiddleware(logger Logger, level LogLevel) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if level <= LogNone || logger == nil {
			return next.RoundTrip(req)
		}

		kv := []interface{}{"method", req.Method, "url", req.URL.String()}
		if level >= LogHeaders {
			kv = append(kv, "headers", headerFields(req.Header))
		}
		if level >= LogBody && req.Body != nil && req.Body != http.NoBody {
			body, err := io.ReadAll(req.Body)
			req.Body.Close()
			if err != nil {
				return nil, err
			}
			clone := req.Clone(req.Context())
			clone.Body = io.NopCloser(bytes.NewReader(body))
			clone.ContentLength = int64(len(body))
			req = clone
			kv = append(kv, "body", string(body))
		}
		logger.Debug("--> HTTP request", kv...)

		start := time.Now()
		resp, err := next.RoundTrip(req)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("<-- HTTP FAILED", "method", req.Method, "url", req.URL.String(), "duration", elapsed, "error", err.Error())
			return nil, err
		}

		kv = []interface{}{"status", resp.StatusCode, "url", req.URL.String(), "duration", elapsed}
		if level >= LogHeaders {
			kv = append(kv, "headers", headerFields(resp.Header))
		}
		if level >= LogBody && resp.Body != nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				logger.Warn("<-- HTTP FAILED", "method", req.Method, "url", req.URL.String(), "duration", time.Since(start), "error", readErr.Error())
				return nil, readErr
			}
			resp.Body = io.NopCloser(bytes.NewReader(body))
			kv = append(kv, "body", string(body))
		}
		logger.Debug("<-- HTTP response", kv...)

		return resp, nil
	}
}

func headerFields(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "Cookie") {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
