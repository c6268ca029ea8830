package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tool metrics
	ToolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolflow_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "mode", "status"}, // status: success|error|pending
	)

	ToolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolflow_tool_latency_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ToolFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolflow_tool_failures_total",
			Help: "Tool call failures by kind",
		},
		[]string{"tool", "kind"}, // kind: unresolved|malformed|execution|panic
	)

	// Dispatcher metrics
	TurnCalls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolflow_turn_calls",
			Help:    "Number of function calls per model turn",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolflow_turn_duration_seconds",
			Help:    "Time to execute all calls of a turn",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	TurnsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolflow_turns_cancelled_total",
			Help: "Turns abandoned before all calls finished",
		},
	)

	AsyncInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolflow_async_calls_in_flight",
			Help: "Asynchronous tool calls currently running",
		},
	)

	// Correlation metrics
	CorrelatorLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolflow_correlator_lookups_total",
			Help: "Response correlation lookups",
		},
		[]string{"result"}, // result: match|no_match
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolflow_db_queries_total",
			Help: "Total database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolflow_db_query_duration_seconds",
			Help:    "Database query duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolflow_kafka_messages_total",
			Help: "Total Kafka messages",
		},
		[]string{"topic", "status"}, // status: sent|failed
	)
)

var initOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ToolExecutions,
			ToolLatency,
			ToolFailures,
			TurnCalls,
			TurnDuration,
			TurnsCancelled,
			AsyncInFlight,
			CorrelatorLookups,
			DBQueries,
			DBQueryDuration,
			KafkaMessages,
		)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolExecution records a tool execution
func RecordToolExecution(tool, mode string, latency time.Duration, pending bool, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case pending:
		status = "pending"
	}

	ToolExecutions.WithLabelValues(tool, mode, status).Inc()
	ToolLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

// RecordToolFailure counts a failed call by failure kind
func RecordToolFailure(tool, kind string) {
	ToolFailures.WithLabelValues(tool, kind).Inc()
}

// RecordTurn records one dispatched turn
func RecordTurn(calls int, duration time.Duration, cancelled bool) {
	TurnCalls.Observe(float64(calls))
	TurnDuration.Observe(duration.Seconds())
	if cancelled {
		TurnsCancelled.Inc()
	}
}

// RecordCorrelation records a correlator lookup
func RecordCorrelation(matched bool) {
	result := "no_match"
	if matched {
		result = "match"
	}
	CorrelatorLookups.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordKafkaMessage records a produced message
func RecordKafkaMessage(topic string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	KafkaMessages.WithLabelValues(topic, status).Inc()
}
