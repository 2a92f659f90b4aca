package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bank(code string, opts ...func(*domain.BankHealth)) domain.BankHealth {
	h := domain.BankHealth{
		Bank:         domain.Bank{Code: code},
		HealthState:  domain.HealthHealthy,
		CircuitState: domain.CircuitClosed,
		SuccessRate:  1,
	}
	for _, o := range opts {
		o(&h)
	}
	return h
}

func sponsors(codes ...string) func(*domain.BankHealth) {
	return func(h *domain.BankHealth) { h.SponsorFor = codes }
}

func p95(d time.Duration) func(*domain.BankHealth) {
	return func(h *domain.BankHealth) { h.P95Latency = d }
}

func inFlight(n int64) func(*domain.BankHealth) {
	return func(h *domain.BankHealth) { h.InFlight = n }
}

func state(c domain.CircuitState, hs domain.HealthState) func(*domain.BankHealth) {
	return func(h *domain.BankHealth) { h.CircuitState, h.HealthState = c, hs }
}

func caps(c ...string) func(*domain.BankHealth) {
	return func(h *domain.BankHealth) { h.Capabilities = c }
}

func snapshot(banks ...domain.BankHealth) health.Snapshot {
	s := health.Snapshot{Banks: map[string]domain.BankHealth{}}
	for _, b := range banks {
		s.Banks[b.Code] = b
	}
	return s
}

func p2p() Request {
	return Request{PayerBank: "AXIS", PayeeBank: "HDFC", Type: domain.TxnTypeP2P, Amount: 100}
}

func TestRouteDirect(t *testing.T) {
	e := NewDefaultEngine(nil)
	d, err := e.Route(snapshot(bank("AXIS"), bank("HDFC")), p2p())
	require.NoError(t, err)
	assert.Equal(t, "AXIS", d.PayerBank)
	assert.Equal(t, "HDFC", d.CreditBank)
	assert.False(t, d.Sponsored)
}

func TestRouteFailsWhenPayerUnavailable(t *testing.T) {
	e := NewDefaultEngine(nil)
	tests := map[string]health.Snapshot{
		"payer open":      snapshot(bank("AXIS", state(domain.CircuitOpen, domain.HealthUnavailable)), bank("HDFC")),
		"payer unknown":   snapshot(bank("HDFC")),
		"payer stale":     snapshot(bank("AXIS", state(domain.CircuitClosed, domain.HealthUnavailable)), bank("HDFC")),
		"payer no probe":  snapshot(bank("AXIS", state(domain.CircuitHalfOpen, domain.HealthDegraded)), bank("HDFC")),
		"payee open":      snapshot(bank("AXIS"), bank("HDFC", state(domain.CircuitOpen, domain.HealthUnavailable))),
		"no payee at all": snapshot(bank("AXIS")),
		"payee lacks p2p": snapshot(bank("AXIS"), bank("HDFC", caps("P2M"))),
	}
	for name, snap := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.Route(snap, p2p())
			assert.True(t, errors.Is(err, domain.ErrNoHealthyRoute))
		})
	}
}

func TestRouteFallsBackToSponsor(t *testing.T) {
	e := NewDefaultEngine(nil)
	snap := snapshot(
		bank("AXIS"),
		bank("HDFC", state(domain.CircuitOpen, domain.HealthUnavailable)),
		bank("SBI", sponsors("HDFC")),
		bank("ICICI"),
	)
	d, err := e.Route(snap, p2p())
	require.NoError(t, err)
	assert.Equal(t, "SBI", d.CreditBank)
	assert.True(t, d.Sponsored)
}

func TestRouteTieBreakOrder(t *testing.T) {
	e := NewDefaultEngine(nil)

	t.Run("health tier first", func(t *testing.T) {
		snap := snapshot(bank("AXIS"),
			bank("HDFC", state(domain.CircuitClosed, domain.HealthDegraded)),
			bank("SBI", sponsors("HDFC"), p95(time.Second)))
		d, err := e.Route(snap, p2p())
		require.NoError(t, err)
		assert.Equal(t, "SBI", d.CreditBank)
	})

	t.Run("then p95", func(t *testing.T) {
		snap := snapshot(bank("AXIS"),
			bank("HDFC", p95(250*time.Millisecond)),
			bank("SBI", sponsors("HDFC"), p95(50*time.Millisecond)))
		d, err := e.Route(snap, p2p())
		require.NoError(t, err)
		assert.Equal(t, "SBI", d.CreditBank)
	})

	t.Run("then in-flight", func(t *testing.T) {
		snap := snapshot(bank("AXIS"),
			bank("HDFC", inFlight(40)),
			bank("SBI", sponsors("HDFC"), inFlight(3)))
		d, err := e.Route(snap, p2p())
		require.NoError(t, err)
		assert.Equal(t, "SBI", d.CreditBank)
	})

	t.Run("then code", func(t *testing.T) {
		snap := snapshot(bank("AXIS"),
			bank("HDFC"),
			bank("BOB", sponsors("HDFC")))
		d, err := e.Route(snap, p2p())
		require.NoError(t, err)
		assert.Equal(t, "BOB", d.CreditBank)
	})
}

func TestRouteHalfOpenNeedsProbeSlot(t *testing.T) {
	e := NewDefaultEngine(nil)
	half := func(h *domain.BankHealth) {
		h.CircuitState, h.HealthState, h.ProbeAvailable = domain.CircuitHalfOpen, domain.HealthDegraded, true
	}
	d, err := e.Route(snapshot(bank("AXIS"), bank("HDFC", half)), p2p())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, d.Health)
}

func TestRouteIsDeterministic(t *testing.T) {
	e := NewDefaultEngine(nil)
	snap := snapshot(bank("AXIS"), bank("HDFC"),
		bank("SBI", sponsors("HDFC")), bank("BOB", sponsors("HDFC")), bank("PNB", sponsors("HDFC")))

	first, err := e.Route(snap, p2p())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		d, err := e.Route(snap, p2p())
		require.NoError(t, err)
		assert.Equal(t, first, d)
	}
}

func TestCategoryRulePrefersConfiguredBanks(t *testing.T) {
	e := NewDefaultEngine(map[string][]string{"5411": {"SBI", "HDFC"}})
	snap := snapshot(bank("AXIS"), bank("HDFC"), bank("SBI", sponsors("HDFC")))

	req := p2p()
	req.Type = domain.TxnTypeP2M
	req.MCC = "5411"
	d, err := e.Route(snap, req)
	require.NoError(t, err)
	assert.Equal(t, "SBI", d.CreditBank)

	req.MCC = "5812"
	d, err = e.Route(snap, req)
	require.NoError(t, err)
	assert.Equal(t, "HDFC", d.CreditBank)
}

func TestCapabilityRuleForMerchantPayments(t *testing.T) {
	e := NewDefaultEngine(nil)
	snap := snapshot(bank("AXIS", caps("P2P", "P2M")), bank("HDFC", caps("P2P")), bank("SBI", sponsors("HDFC"), caps("P2M")))

	req := p2p()
	req.Type = domain.TxnTypeP2M
	d, err := e.Route(snap, req)
	require.NoError(t, err)
	assert.Equal(t, "SBI", d.CreditBank)
}
