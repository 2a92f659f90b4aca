package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Window:              10 * time.Second,
		Buckets:             10,
		FailureThreshold:    0.5,
		MinRequests:         4,
		CoolDown:            5 * time.Second,
		ProbeLimit:          1,
		HeartbeatTimeout:    30 * time.Second,
		DegradedSuccessRate: 0.9,
		DegradedLatency:     time.Second,
	}
}

func newTestRegistry(t *testing.T, codes ...string) (*Registry, *clock.FakeClock) {
	clk := clock.NewFakeClock(epoch)
	r := NewRegistry(testConfig(), clk, zaptest.NewLogger(t))
	for _, c := range codes {
		r.Register(domain.Bank{Code: c, Name: c})
	}
	return r, clk
}

func call(t *testing.T, r *Registry, code string, o Outcome) {
	t.Helper()
	c, err := r.Begin(code)
	require.NoError(t, err)
	c.End(o)
}

func circuit(r *Registry, code string) domain.CircuitState {
	h, _ := r.Health(code)
	return h.CircuitState
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")

	call(t, r, "AXIS", OutcomeSuccess)
	call(t, r, "AXIS", OutcomeFailure)
	call(t, r, "AXIS", OutcomeTimeout)
	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"), "below min requests")

	call(t, r, "AXIS", OutcomeFailure)
	assert.Equal(t, domain.CircuitOpen, circuit(r, "AXIS"))

	_, err := r.Begin("AXIS")
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	h, _ := r.Health("AXIS")
	assert.Equal(t, domain.HealthUnavailable, h.HealthState)
}

func TestBreakerStaysClosedAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	call(t, r, "AXIS", OutcomeSuccess)
	call(t, r, "AXIS", OutcomeSuccess)
	call(t, r, "AXIS", OutcomeFailure)
	call(t, r, "AXIS", OutcomeFailure)

	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"), "rate must exceed threshold")
}

func TestHalfOpenProbeLifecycle(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	for i := 0; i < 4; i++ {
		call(t, r, "AXIS", OutcomeFailure)
	}
	require.Equal(t, domain.CircuitOpen, circuit(r, "AXIS"))

	clk.Advance(4 * time.Second)
	assert.Equal(t, domain.CircuitOpen, circuit(r, "AXIS"))

	clk.Advance(time.Second)
	assert.Equal(t, domain.CircuitHalfOpen, circuit(r, "AXIS"))

	probe, err := r.Begin("AXIS")
	require.NoError(t, err)
	assert.True(t, probe.Probe())

	_, err = r.Begin("AXIS")
	assert.True(t, errors.Is(err, ErrCircuitOpen), "probe limit is one")

	probe.End(OutcomeFailure)
	assert.Equal(t, domain.CircuitOpen, circuit(r, "AXIS"))

	clk.Advance(5 * time.Second)
	probe, err = r.Begin("AXIS")
	require.NoError(t, err)
	probe.End(OutcomeSuccess)
	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"))

	h, _ := r.Health("AXIS")
	assert.Equal(t, int64(0), h.Requests, "window cleared on close")
	assert.Equal(t, domain.HealthHealthy, h.HealthState)
}

func TestEndIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	c, err := r.Begin("AXIS")
	require.NoError(t, err)
	c.End(OutcomeFailure)
	c.End(OutcomeFailure)

	h, _ := r.Health("AXIS")
	assert.Equal(t, int64(1), h.Requests)
	assert.Equal(t, int64(0), h.InFlight)
}

func TestForcedOpenDoesNotCoolDown(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	require.NoError(t, r.SetOverride("AXIS", domain.CircuitOpen))

	clk.Advance(time.Hour)
	h, _ := r.Health("AXIS")
	assert.Equal(t, domain.CircuitOpen, h.CircuitState)
	assert.True(t, h.Forced)

	require.NoError(t, r.SetOverride("AXIS", domain.CircuitClosed))
	h, _ = r.Health("AXIS")
	assert.Equal(t, domain.CircuitClosed, h.CircuitState)
	assert.False(t, h.Forced)

	assert.Error(t, r.SetOverride("AXIS", domain.CircuitState("AJAR")))
	assert.True(t, errors.Is(r.SetOverride("NOPE", domain.CircuitOpen), domain.ErrUnknownBank))
}

func TestHeartbeatActsAsProbe(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	require.NoError(t, r.SetOverride("AXIS", domain.CircuitHalfOpen))

	require.NoError(t, r.Heartbeat("AXIS", false, 0))
	assert.Equal(t, domain.CircuitOpen, circuit(r, "AXIS"))

	clk.Advance(5 * time.Second)
	require.Equal(t, domain.CircuitHalfOpen, circuit(r, "AXIS"))
	require.NoError(t, r.Heartbeat("AXIS", true, 0))
	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"))
}

func TestStaleHeartbeatMakesBankUnavailable(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	h, _ := r.Health("AXIS")
	assert.Equal(t, domain.HealthHealthy, h.HealthState, "no heartbeat yet")
	assert.Nil(t, h.LastHeartbeatAt)

	require.NoError(t, r.Heartbeat("AXIS", true, 0))
	clk.Advance(31 * time.Second)
	h, _ = r.Health("AXIS")
	assert.Equal(t, domain.HealthUnavailable, h.HealthState)
	assert.Equal(t, domain.CircuitClosed, h.CircuitState)
}

func TestDegradedOnLatency(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	for i := 0; i < 4; i++ {
		c, err := r.Begin("AXIS")
		require.NoError(t, err)
		clk.Advance(1200 * time.Millisecond)
		c.End(OutcomeSuccess)
	}
	h, _ := r.Health("AXIS")
	assert.Equal(t, 2500*time.Millisecond, h.P95Latency)
	assert.Equal(t, domain.HealthDegraded, h.HealthState)
}

func TestHeartbeatLatencyFeedsHealth(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Heartbeat("AXIS", true, 1200*time.Millisecond))
	}
	h, _ := r.Health("AXIS")
	assert.Equal(t, 2500*time.Millisecond, h.P95Latency)
	assert.Equal(t, domain.HealthDegraded, h.HealthState)
	assert.NotNil(t, h.LastHeartbeatAt)
	assert.Equal(t, domain.CircuitClosed, h.CircuitState)
}

func TestWindowAgesOutOldOutcomes(t *testing.T) {
	r, clk := newTestRegistry(t, "AXIS")
	call(t, r, "AXIS", OutcomeFailure)
	call(t, r, "AXIS", OutcomeFailure)
	call(t, r, "AXIS", OutcomeFailure)

	clk.Advance(11 * time.Second)
	call(t, r, "AXIS", OutcomeFailure)
	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"), "old failures left the window")

	h, _ := r.Health("AXIS")
	assert.Equal(t, int64(1), h.Requests)
}

func TestCircuitIsolation(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS", "HDFC")
	for i := 0; i < 4; i++ {
		call(t, r, "AXIS", OutcomeFailure)
		call(t, r, "HDFC", OutcomeSuccess)
	}
	snap := r.Snapshot()
	axis, _ := snap.Get("AXIS")
	hdfc, _ := snap.Get("HDFC")
	assert.Equal(t, domain.CircuitOpen, axis.CircuitState)
	assert.Equal(t, domain.CircuitClosed, hdfc.CircuitState)
	assert.Equal(t, domain.HealthHealthy, hdfc.HealthState)
}

func TestConcurrentCallsKeepCountsConsistent(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	call(t, r, "AXIS", OutcomeSuccess)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c, err := r.Begin("AXIS")
				if err != nil {
					continue
				}
				c.End(OutcomeSuccess)
			}
		}()
	}
	wg.Wait()

	h, _ := r.Health("AXIS")
	assert.Equal(t, int64(workers*perWorker+1), h.Requests)
	assert.Equal(t, int64(0), h.InFlight)
}

func TestConcurrentProbesRespectLimit(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	require.NoError(t, r.SetOverride("AXIS", domain.CircuitHalfOpen))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	calls := make([]*Call, 0)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Begin("AXIS")
			if err != nil {
				return
			}
			mu.Lock()
			admitted++
			calls = append(calls, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
	for _, c := range calls {
		c.End(OutcomeSuccess)
	}
	assert.Equal(t, domain.CircuitClosed, circuit(r, "AXIS"))
}

func TestRegisterKeepsHealth(t *testing.T) {
	r, _ := newTestRegistry(t, "AXIS")
	call(t, r, "AXIS", OutcomeSuccess)
	r.Register(domain.Bank{Code: "AXIS", Name: "Axis Bank", Endpoint: "http://axis"})

	b, ok := r.Bank("AXIS")
	require.True(t, ok)
	assert.Equal(t, "Axis Bank", b.Name)
	h, _ := r.Health("AXIS")
	assert.Equal(t, int64(1), h.Requests)

	_, err := r.Begin("NOPE")
	assert.True(t, errors.Is(err, domain.ErrUnknownBank))
}

func TestPercentile(t *testing.T) {
	var hist [latencySlots]int64
	assert.Equal(t, time.Duration(0), percentile(hist, 0, 0.95))

	hist[0] = 95
	hist[4] = 5
	assert.Equal(t, 5*time.Millisecond, percentile(hist, 100, 0.95))
	hist[0] = 94
	hist[4] = 6
	assert.Equal(t, 100*time.Millisecond, percentile(hist, 100, 0.95))
}
