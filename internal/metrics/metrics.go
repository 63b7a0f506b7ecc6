package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values.
const (
	// Channels an update can arrive on
	ChannelStream = "stream"
	ChannelPoll   = "poll"
	ChannelSubmit = "submit"
	ChannelCancel = "cancel"

	// Outcomes of an order update
	UpdateApplied    = "applied"
	UpdateRejected   = "rejected"
	UpdateUnresolved = "unresolved"
	UpdateInvalid    = "invalid"

	// Outcomes of a trade update
	TradeApplied    = "applied"
	TradeDuplicate  = "duplicate"
	TradeOverfill   = "overfill"
	TradeUnresolved = "unresolved"
	TradeInvalid    = "invalid"
)

// Order tracking
var (
	TrackedOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderbridge_tracked_orders",
		Help: "Number of orders in the live set",
	}, []string{"connector"})

	CachedOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderbridge_cached_orders",
		Help: "Number of released orders kept for late updates",
	}, []string{"connector"})

	OrderUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_order_updates_total",
		Help: "Order updates by channel and outcome",
	}, []string{"connector", "channel", "outcome"})

	TradeUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_trade_updates_total",
		Help: "Trade updates by channel and outcome",
	}, []string{"connector", "channel", "outcome"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_state_transitions_total",
		Help: "Accepted order state transitions by target state",
	}, []string{"connector", "state"})

	FilledBase = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_filled_base_amount_total",
		Help: "Sum of applied fill base amounts",
	}, []string{"connector", "trading_pair"})
)

// Poll loop
var (
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_poll_cycles_total",
		Help: "Completed poll cycles",
	}, []string{"connector"})

	PollCycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_poll_cycle_failures_total",
		Help: "Poll cycles in which every request failed transiently",
	}, []string{"connector"})

	PollCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbridge_poll_cycle_duration_ms",
		Help:    "Duration of one poll cycle in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"connector"})

	PollBackoff = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderbridge_poll_backoff_seconds",
		Help: "Current extra delay applied to the poll cadence",
	}, []string{"connector"})

	OrdersNotFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_orders_not_found_total",
		Help: "Status polls answered with order not found",
	}, []string{"connector"})
)

// Exchange requests
var (
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_exchange_requests_total",
		Help: "Requests sent to the exchange by operation",
	}, []string{"connector", "op"})

	ExchangeRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_exchange_request_errors_total",
		Help: "Failed exchange requests by operation and error kind",
	}, []string{"connector", "op", "kind"})

	ExchangeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbridge_exchange_request_duration_ms",
		Help:    "Exchange request latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"connector", "op"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderbridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"connector"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_alerts_total",
		Help: "Alerts raised by severity and category",
	}, []string{"severity", "category"})
)

// User stream
var (
	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_stream_messages_total",
		Help: "Raw user stream messages received",
	}, []string{"connector"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_stream_reconnects_total",
		Help: "User stream reconnect attempts",
	}, []string{"connector"})

	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderbridge_stream_connected",
		Help: "Whether the user stream is connected (1) or not (0)",
	}, []string{"connector"})
)

// Persistence and API
var (
	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_snapshot_saves_total",
		Help: "Tracking-state snapshots written by outcome",
	}, []string{"connector", "outcome"})

	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_audit_writes_total",
		Help: "Audit rows written by table and outcome",
	}, []string{"table", "outcome"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_redis_operations_total",
		Help: "Redis operations by type",
	}, []string{"operation"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbridge_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbridge_http_requests_total",
		Help: "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})
)

// Helper functions to update metrics

// RecordOrderUpdate records the outcome of an order update
func RecordOrderUpdate(connector, channel, outcome string) {
	OrderUpdates.WithLabelValues(connector, channel, outcome).Inc()
}

// RecordTradeUpdate records the outcome of a trade update
func RecordTradeUpdate(connector, channel, outcome string) {
	TradeUpdates.WithLabelValues(connector, channel, outcome).Inc()
}

// RecordTransition records an accepted state transition
func RecordTransition(connector, state string) {
	StateTransitions.WithLabelValues(connector, state).Inc()
}

// RecordFill adds an applied fill amount
func RecordFill(connector, tradingPair string, baseAmount float64) {
	FilledBase.WithLabelValues(connector, tradingPair).Add(baseAmount)
}

// SetTrackedOrders sets the live and cached order gauges
func SetTrackedOrders(connector string, live, cached int) {
	TrackedOrders.WithLabelValues(connector).Set(float64(live))
	CachedOrders.WithLabelValues(connector).Set(float64(cached))
}

// RecordPollCycle records one completed poll cycle
func RecordPollCycle(connector string, durationMs float64, failed bool) {
	PollCycles.WithLabelValues(connector).Inc()
	PollCycleDuration.WithLabelValues(connector).Observe(durationMs)
	if failed {
		PollCycleFailures.WithLabelValues(connector).Inc()
	}
}

// SetPollBackoff sets the current poll backoff
func SetPollBackoff(connector string, seconds float64) {
	PollBackoff.WithLabelValues(connector).Set(seconds)
}

// RecordOrderNotFound records a status poll answered with "not found"
func RecordOrderNotFound(connector string) {
	OrdersNotFound.WithLabelValues(connector).Inc()
}

// RecordExchangeRequest records an exchange request; kind is empty on success
func RecordExchangeRequest(connector, op string, durationMs float64, kind string) {
	ExchangeRequests.WithLabelValues(connector, op).Inc()
	ExchangeRequestDuration.WithLabelValues(connector, op).Observe(durationMs)
	if kind != "" {
		ExchangeRequestErrors.WithLabelValues(connector, op, kind).Inc()
	}
}

// SetCircuitBreakerState sets the breaker gauge (0=closed, 1=half-open, 2=open)
func SetCircuitBreakerState(connector string, state int) {
	CircuitBreakerState.WithLabelValues(connector).Set(float64(state))
}

// RecordAlert records a raised alert
func RecordAlert(severity, category string) {
	Alerts.WithLabelValues(severity, category).Inc()
}

// RecordStreamMessage records a received user stream message
func RecordStreamMessage(connector string) {
	StreamMessages.WithLabelValues(connector).Inc()
}

// RecordStreamReconnect records a user stream reconnect attempt
func RecordStreamReconnect(connector string) {
	StreamReconnects.WithLabelValues(connector).Inc()
}

// SetStreamConnected sets the user stream connection gauge
func SetStreamConnected(connector string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	StreamConnected.WithLabelValues(connector).Set(status)
}

// RecordSnapshotSave records a tracking-state snapshot write
func RecordSnapshotSave(connector string, success bool) {
	SnapshotSaves.WithLabelValues(connector, outcome(success)).Inc()
}

// RecordAuditWrite records an audit row write
func RecordAuditWrite(table string, success bool) {
	AuditWrites.WithLabelValues(table, outcome(success)).Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
