package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func TestNewMetrics(t *testing.T) {
	m := newTestMetrics()
	require.NotNil(t, m)

	assert.NotNil(t, m.ConsensusBuildsTotal)
	assert.NotNil(t, m.ConsensusFallbacksTotal)
	assert.NotNil(t, m.ProviderDuration)
	assert.NotNil(t, m.ResolutionsTotal)
	assert.NotNil(t, m.ResolverSweepDuration)
	assert.NotNil(t, m.CalibrationRunsTotal)
	assert.NotNil(t, m.FactorOutcomesTotal)
	assert.NotNil(t, m.DBQueryTotal)
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.CircuitBreakerState)
}

func TestRecordConsensus(t *testing.T) {
	m := newTestMetrics()

	m.RecordConsensus("UP", 0.8, 75)
	m.RecordConsensus("UP", 0.6, 60)
	m.RecordConsensus("HOLD", 0.4, 50)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConsensusBuildsTotal.WithLabelValues("UP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusBuildsTotal.WithLabelValues("HOLD")))

	m.RecordConsensusFallback("insufficient_picks")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusFallbacksTotal.WithLabelValues("insufficient_picks")))
}

func TestProviderAndPickMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordProviderError("momentum", "timeout")
	m.RecordProviderError("momentum", "timeout")
	m.RecordPickIngested("momentum", "UP")
	m.RecordPickRejected("value")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProviderErrorsTotal.WithLabelValues("momentum", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PicksIngestedTotal.WithLabelValues("momentum", "UP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PicksRejectedTotal.WithLabelValues("value")))
}

func TestResolverMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordResolution("momentum", "WIN")
	m.RecordResolution("momentum", "LOSS")
	m.RecordResolution("momentum", "WIN")
	m.RecordSkippedGroup("price_unavailable")
	m.RecordSweep(3 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("momentum", "WIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolverSkippedGroups.WithLabelValues("price_unavailable")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ResolverSweepDuration))
}

func TestLearningMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordCalibrationRun("value", "stored")
	m.RecordFactorOutcome(true)
	m.RecordFactorOutcome(false)
	m.RecordFactorOutcome(true)
	m.RecordEventPublished("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CalibrationRunsTotal.WithLabelValues("value", "stored")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FactorOutcomesTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactorOutcomesTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("ok")))
}

func TestRecordDBQuery(t *testing.T) {
	m := newTestMetrics()

	m.RecordDBQuery("select", "picks", 10*time.Millisecond)
	m.RecordDBQuery("update", "picks", 5*time.Millisecond)
	m.RecordDBError("update", "picks")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBQueryTotal.WithLabelValues("select", "picks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBErrorsTotal.WithLabelValues("update", "picks")))
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordHTTPRequest("GET", "/api/health", "200", 10*time.Millisecond, 256)
	m.RecordHTTPRequest("POST", "/api/resolve", "500", time.Second, 128)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/resolve", "500")))
}

func TestCircuitBreakerMetrics(t *testing.T) {
	m := newTestMetrics()

	m.SetCircuitBreakerState("alpaca", 2)
	m.RecordCircuitBreakerTrip("alpaca")
	m.RecordCircuitBreakerTrip("alpaca")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("alpaca")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("alpaca")))
}

func TestTimer(t *testing.T) {
	m := newTestMetrics()

	timer := m.NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	timer.ObserveProvider("momentum")
	timer.ObserveSweep()
	timer.ObserveExternalAPI("alpaca", "latest_trade")
	timer.ObserveDB("select", "picks")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBQueryTotal.WithLabelValues("select", "picks")))
}

func TestGetMetrics_Singleton(t *testing.T) {
	original := globalMetrics
	defer func() { globalMetrics = original }()

	m := newTestMetrics()
	SetMetrics(m)

	assert.Same(t, m, GetMetrics())
	assert.Same(t, GetMetrics(), GetMetrics())
}
