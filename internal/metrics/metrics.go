// Package metrics declares the bridge's Prometheus collectors.
//
// Naming convention: namespace_subsystem_name
//   - namespace: pumaduct (application-level grouping)
//   - subsystem: dispatch, offlinequeue, account, homeserver, circuit_breaker, service
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAccounts tracks the current number of accounts with connected=true.
	ConnectedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pumaduct",
		Subsystem: "account",
		Name:      "connected",
		Help:      "Current number of accounts with an active back-end connection",
	})

	// OfflineQueueDepth tracks the current number of queued offline messages per destination.
	OfflineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pumaduct",
		Subsystem: "offlinequeue",
		Name:      "depth",
		Help:      "Current number of queued offline messages",
	}, []string{"destination"})

	// TransactionsProcessed tracks the total number of AS transactions processed.
	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Subsystem: "dispatch",
		Name:      "transactions_total",
		Help:      "Total home-server transactions processed",
	}, []string{"status"})

	// TransactionProcessingDuration tracks the main-loop latency of transaction processing.
	TransactionProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pumaduct",
		Subsystem: "dispatch",
		Name:      "transaction_processing_seconds",
		Help:      "Time spent processing a single home-server transaction",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{})

	// CallbacksDispatched tracks callback dispatch counts by event type and origin.
	CallbacksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Subsystem: "dispatch",
		Name:      "callbacks_total",
		Help:      "Total callbacks dispatched, by event id and origin",
	}, []string{"event_id", "origin"})

	// CircuitBreakerState tracks the home-server HTTP client breaker's state.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pumaduct",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the home-server circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// HomeserverRequestDuration tracks home-server HTTP client call latency.
	HomeserverRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pumaduct",
		Subsystem: "homeserver",
		Name:      "request_duration_seconds",
		Help:      "Duration of home-server HTTP client calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// HomeserverRequestsTotal tracks home-server HTTP client call counts by outcome.
	HomeserverRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Subsystem: "homeserver",
		Name:      "requests_total",
		Help:      "Total home-server HTTP client calls",
	}, []string{"method", "status"})

	// CommandsHandled tracks service-room command usage by command word.
	CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Subsystem: "service",
		Name:      "commands_total",
		Help:      "Total service-room commands handled, by command word",
	}, []string{"command"})
)

// SetCircuitBreakerState records the breaker's numeric state (0 closed, 1 open, 2 half-open).
func SetCircuitBreakerState(service string, state float64) {
	CircuitBreakerState.WithLabelValues(service).Set(state)
}
