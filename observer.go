package gqlink

import (
	"time"
)

// FinishedReason tells how a wire exchange ended.
type FinishedReason int

const (
	FinishedSucceeded FinishedReason = iota
	FinishedFailed
	FinishedCanceled
)

func (r FinishedReason) String() string {
	switch r {
	case FinishedSucceeded:
		return "succeeded"
	case FinishedFailed:
		return "failed"
	case FinishedCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RequestFinishedInfo is the completion event the engine emits once per wire
// exchange. A batched exchange lists every operation it carried.
type RequestFinishedInfo struct {
	ID         uint64
	Method     string
	URL        string
	Operations []string
	Reason     FinishedReason
	StatusCode int
	Err        error
	Started    time.Time
	Finished   time.Time
	BytesRead  int64
}

// Duration is the time between sending the request and the end of the body.
func (i *RequestFinishedInfo) Duration() time.Duration {
	if i == nil {
		return 0
	}
	return i.Finished.Sub(i.Started)
}

// RequestFinishedListener receives completion events on the engine's
// observer pool, never on the goroutine that issued the request.
type RequestFinishedListener interface {
	OnRequestFinished(info *RequestFinishedInfo)
}

// RequestFinishedListenerFunc adapts a function to RequestFinishedListener.
type RequestFinishedListenerFunc func(info *RequestFinishedInfo)

func (f RequestFinishedListenerFunc) OnRequestFinished(info *RequestFinishedInfo) {
	f(info)
}

// LoggingRequestFinishedListener logs one record per completed exchange.
type LoggingRequestFinishedListener struct {
	logger Logger
}

// NewLoggingRequestFinishedListener returns a listener writing to logger.
func NewLoggingRequestFinishedListener(logger Logger) *LoggingRequestFinishedListener {
	if logger == nil {
		logger = NopLogger()
	}
	return &LoggingRequestFinishedListener{logger: logger}
}

func (l *LoggingRequestFinishedListener) OnRequestFinished(info *RequestFinishedInfo) {
	if info == nil {
		l.logger.Warn("request finished without info")
		return
	}

	kv := []interface{}{
		"id", info.ID,
		"reason", info.Reason.String(),
		"method", info.Method,
		"url", info.URL,
		"status", info.StatusCode,
		"duration", info.Duration(),
		"bytes", info.BytesRead,
		"operations", info.Operations,
	}
	if info.Err != nil {
		kv = append(kv, "error", info.Err.Error())
	}
	l.logger.Info("request finished", kv...)
}
