package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectedAccountsGauge(t *testing.T) {
	ConnectedAccounts.Set(0)
	ConnectedAccounts.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(ConnectedAccounts))
}

func TestOfflineQueueDepth(t *testing.T) {
	OfflineQueueDepth.WithLabelValues("client").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(OfflineQueueDepth.WithLabelValues("client")))
}

func TestTransactionsProcessed(t *testing.T) {
	TransactionsProcessed.WithLabelValues("ok").Inc()
	val := testutil.ToFloat64(TransactionsProcessed.WithLabelValues("ok"))
	assert.GreaterOrEqual(t, val, float64(1))
}

func TestCallbacksDispatched(t *testing.T) {
	CallbacksDispatched.WithLabelValues("new-message", "client").Inc()
	val := testutil.ToFloat64(CallbacksDispatched.WithLabelValues("new-message", "client"))
	assert.GreaterOrEqual(t, val, float64(1))
}

func TestSetCircuitBreakerState(t *testing.T) {
	SetCircuitBreakerState("homeserver", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("homeserver")))
}

func TestCommandsHandled(t *testing.T) {
	CommandsHandled.WithLabelValues("accounts").Inc()
	val := testutil.ToFloat64(CommandsHandled.WithLabelValues("accounts"))
	assert.GreaterOrEqual(t, val, float64(1))
}
