package gqlink

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the engine, the
// request/response path and the subscription stream. It is safe for
// concurrent use and every method is a no-op on a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	deduplicationHits *prometheus.CounterVec

	batchesTotal *prometheus.CounterVec
	batchSize    prometheus.Histogram

	completionsTotal   *prometheus.CounterVec
	observerDropped    *prometheus.CounterVec
	observerQueueDepth *prometheus.GaugeVec
	observerPanics     *prometheus.CounterVec

	streamState         prometheus.Gauge
	streamReconnects    prometheus.Counter
	streamReconnectWait prometheus.Histogram
	subscriptionsActive prometheus.Gauge
	subscriptionsSlow   prometheus.Counter

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_requests_total",
				Help: "Total number of GraphQL request/response operations",
			},
			[]string{"operation", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gqlink_request_duration_seconds",
				Help:    "Duration of GraphQL operations in seconds, including batching and retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gqlink_requests_in_flight",
				Help: "Number of GraphQL operations currently in flight",
			},
			[]string{"operation"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_retry_budget_exceeded_total",
				Help: "Total number of times retry budget was exceeded",
			},
			[]string{"operation"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_deduplication_hits_total",
				Help: "Total number of operations served by an identical in-flight operation",
			},
			[]string{"operation"},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_batches_total",
				Help: "Total number of batched wire exchanges",
			},
			[]string{"outcome"},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gqlink_batch_size",
				Help:    "Number of operations carried by one batched wire exchange",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 50},
			},
		),
		completionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_engine_completions_total",
				Help: "Completion events emitted by the network engine",
			},
			[]string{"reason"},
		),
		observerDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_observer_dropped_total",
				Help: "Observer tasks dropped because the worker pool queue was full",
			},
			[]string{"pool"},
		),
		observerQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gqlink_observer_queue_depth",
				Help: "Observer tasks waiting for a worker",
			},
			[]string{"pool"},
		),
		observerPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_observer_panics_total",
				Help: "Observer tasks that panicked",
			},
			[]string{"pool"},
		),
		streamState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gqlink_stream_state",
				Help: "Subscription stream state (0=idle, 1=connecting, 2=open, 3=disconnected, 4=reconnecting, 5=closed)",
			},
		),
		streamReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gqlink_stream_reconnects_total",
				Help: "Total number of stream reopen attempts",
			},
		),
		streamReconnectWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gqlink_stream_reconnect_delay_seconds",
				Help:    "Delay applied before reopening the stream",
				Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60, 120},
			},
		),
		subscriptionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gqlink_subscriptions_active",
				Help: "Number of active subscriptions on the stream",
			},
		),
		subscriptionsSlow: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gqlink_subscriptions_overflowed_total",
				Help: "Subscriptions ended because their consumer let the event backlog fill up",
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gqlink_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "operation"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records operation count and duration.
func (mc *MetricsCollector) RecordRequest(operation, status string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.requestsTotal.WithLabelValues(operation, status).Inc()
	mc.requestDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(operation string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(operation string) {
	if mc == nil {
		return
	}

	mc.retryBudgetExceeded.WithLabelValues(operation).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(operation string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(operation).Inc()
}

// RecordBatch records one batched wire exchange carrying size operations.
func (mc *MetricsCollector) RecordBatch(size int, err error) {
	if mc == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	mc.batchesTotal.WithLabelValues(outcome).Inc()
	mc.batchSize.Observe(float64(size))
}

// RecordCompletion counts an engine completion event by reason.
func (mc *MetricsCollector) RecordCompletion(reason FinishedReason) {
	if mc == nil {
		return
	}

	mc.completionsTotal.WithLabelValues(reason.String()).Inc()
}

// RecordObserverDropped counts an observer task rejected by a saturated pool.
func (mc *MetricsCollector) RecordObserverDropped(pool string) {
	if mc == nil {
		return
	}

	mc.observerDropped.WithLabelValues(pool).Inc()
}

// RecordObserverQueueDepth sets the pending observer task gauge.
func (mc *MetricsCollector) RecordObserverQueueDepth(pool string, depth int) {
	if mc == nil {
		return
	}

	mc.observerQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

// RecordObserverPanic counts an observer task that panicked.
func (mc *MetricsCollector) RecordObserverPanic(pool string) {
	if mc == nil {
		return
	}

	mc.observerPanics.WithLabelValues(pool).Inc()
}

// RecordStreamState sets the stream state gauge.
func (mc *MetricsCollector) RecordStreamState(state StreamState) {
	if mc == nil {
		return
	}

	mc.streamState.Set(float64(state))
}

// RecordReconnect counts a reopen attempt and the delay that preceded it.
func (mc *MetricsCollector) RecordReconnect(delay time.Duration) {
	if mc == nil {
		return
	}

	mc.streamReconnects.Inc()
	mc.streamReconnectWait.Observe(delay.Seconds())
}

// RecordSubscriptions sets the active subscription gauge.
func (mc *MetricsCollector) RecordSubscriptions(active int) {
	if mc == nil {
		return
	}

	mc.subscriptionsActive.Set(float64(active))
}

// RecordSubscriptionOverflow counts a subscription ended for a full backlog.
func (mc *MetricsCollector) RecordSubscriptionOverflow() {
	if mc == nil {
		return
	}

	mc.subscriptionsSlow.Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, operation string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, operation).Inc()
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a Registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
