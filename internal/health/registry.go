package health

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Begin when the breaker rejects the call.
var ErrCircuitOpen = errors.New("circuit open")

type record struct {
	bank          atomic.Pointer[domain.Bank]
	win           *window
	br            breaker
	inFlight      atomic.Int64
	lastHeartbeat atomic.Int64
}

// Registry tracks live health for every participant bank. It holds no
// global lock: records live in a sync.Map and all counters are atomic.
type Registry struct {
	banks sync.Map
	cfg   config.BreakerConfig
	clock clock.Clock
	log   *zap.Logger
}

func NewRegistry(cfg config.BreakerConfig, clk clock.Clock, log *zap.Logger) *Registry {
	return &Registry{cfg: cfg, clock: clk, log: log.Named("health")}
}

// Register adds a bank or replaces its registration, keeping live health.
func (r *Registry) Register(b domain.Bank) {
	rec := &record{
		win: newWindow(r.cfg.Window, r.cfg.Buckets),
		br:  breaker{coolDown: r.cfg.CoolDown, probeLimit: r.cfg.ProbeLimit},
	}
	actual, loaded := r.banks.LoadOrStore(b.Code, rec)
	rec = actual.(*record)
	rec.bank.Store(&b)
	if !loaded {
		circuitState.WithLabelValues(b.Code).Set(float64(stateClosed))
		r.log.Info("bank registered", zap.String("bank", b.Code))
	}
}

func (r *Registry) lookup(code string) (*record, bool) {
	v, ok := r.banks.Load(code)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// Bank returns the registration of code.
func (r *Registry) Bank(code string) (domain.Bank, bool) {
	rec, ok := r.lookup(code)
	if !ok {
		return domain.Bank{}, false
	}
	return *rec.bank.Load(), true
}

// Call is an admitted request to a bank. End must be called exactly once.
type Call struct {
	reg   *Registry
	rec   *record
	code  string
	probe bool
	start time.Time
	done  atomic.Bool
}

// Begin admits a call to code through its breaker.
func (r *Registry) Begin(code string) (*Call, error) {
	rec, ok := r.lookup(code)
	if !ok {
		return nil, domain.ErrUnknownBank
	}
	now := r.clock.Now()
	allowed, probe := rec.br.admit(now)
	if !allowed {
		return nil, ErrCircuitOpen
	}
	rec.inFlight.Add(1)
	return &Call{reg: r, rec: rec, code: code, probe: probe, start: now}, nil
}

// BeginUnguarded tracks a call that must go out whatever the breaker says,
// such as a reversal. Its outcome still feeds the window and the breaker.
func (r *Registry) BeginUnguarded(code string) (*Call, error) {
	rec, ok := r.lookup(code)
	if !ok {
		return nil, domain.ErrUnknownBank
	}
	rec.inFlight.Add(1)
	return &Call{reg: r, rec: rec, code: code, start: r.clock.Now()}, nil
}

// End records the outcome and feeds the breaker.
func (c *Call) End(o Outcome) {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	now := c.reg.clock.Now()
	latency := now.Sub(c.start)
	c.rec.inFlight.Add(-1)
	c.rec.win.record(now, o, latency)
	bankCalls.WithLabelValues(c.code, o.String()).Inc()
	bankLatency.WithLabelValues(c.code).Observe(latency.Seconds())

	c.reg.observe(c.rec, c.code, now, o == OutcomeSuccess, c.probe)
	if c.probe {
		c.rec.br.releaseProbe()
	}
}

// Probe reports whether the call held a half-open probe slot.
func (c *Call) Probe() bool { return c.probe }

func (r *Registry) observe(rec *record, code string, now time.Time, ok, probe bool) {
	switch rec.br.current(now) {
	case stateHalfOpen:
		if !probe {
			return
		}
		if ok {
			if rec.br.close(stateHalfOpen) {
				rec.win.clear()
				r.transitioned(code, stateClosed, "probe succeeded")
			}
			return
		}
		if rec.br.trip(now, stateHalfOpen) {
			r.transitioned(code, stateOpen, "probe failed")
		}
	case stateClosed:
		if ok {
			return
		}
		st := rec.win.stats(now)
		if st.Total() >= r.cfg.MinRequests && st.FailureRate() > r.cfg.FailureThreshold {
			if rec.br.trip(now, stateClosed) {
				r.transitioned(code, stateOpen, "failure rate exceeded")
			}
		}
	}
}

func (r *Registry) transitioned(code string, to int32, reason string) {
	circuitState.WithLabelValues(code).Set(float64(to))
	circuitTransitions.WithLabelValues(code, string(toCircuit(to))).Inc()
	if to == stateOpen {
		r.log.Warn("circuit opened", zap.String("bank", code), zap.String("reason", reason))
		return
	}
	r.log.Info("circuit transition", zap.String("bank", code),
		zap.String("to", string(toCircuit(to))), zap.String("reason", reason))
}

// Heartbeat records liveness and the reported latency. While HALF_OPEN a
// heartbeat is a probe outcome.
func (r *Registry) Heartbeat(code string, healthy bool, latency time.Duration) error {
	rec, ok := r.lookup(code)
	if !ok {
		return domain.ErrUnknownBank
	}
	now := r.clock.Now()
	outcome := OutcomeFailure
	if healthy {
		outcome = OutcomeSuccess
		rec.lastHeartbeat.Store(now.UnixNano())
	}
	rec.win.record(now, outcome, latency)
	r.observe(rec, code, now, healthy, true)
	return nil
}

// SetOverride forces the breaker state. A forced OPEN stays open until
// another override moves it.
func (r *Registry) SetOverride(code string, state domain.CircuitState) error {
	rec, ok := r.lookup(code)
	if !ok {
		return domain.ErrUnknownBank
	}
	s, ok := fromCircuit(state)
	if !ok {
		return domain.Validation("INVALID_STATE", "unknown circuit state "+string(state))
	}
	rec.br.force(r.clock.Now(), s)
	if s == stateClosed {
		rec.win.clear()
	}
	r.transitioned(code, s, "manual override")
	return nil
}

// Health returns the current view of one bank.
func (r *Registry) Health(code string) (domain.BankHealth, bool) {
	rec, ok := r.lookup(code)
	if !ok {
		return domain.BankHealth{}, false
	}
	return r.view(rec, r.clock.Now()), true
}

func (r *Registry) view(rec *record, now time.Time) domain.BankHealth {
	s := rec.br.current(now)
	st := rec.win.stats(now)
	h := domain.BankHealth{
		Bank:           *rec.bank.Load(),
		CircuitState:   toCircuit(s),
		Forced:         rec.br.forced.Load(),
		SuccessRate:    st.SuccessRate(),
		P95Latency:     st.P95,
		Requests:       st.Total(),
		InFlight:       rec.inFlight.Load(),
		ProbeAvailable: s == stateHalfOpen && rec.br.probeAvailable(),
	}
	if hb := rec.lastHeartbeat.Load(); hb != 0 {
		t := time.Unix(0, hb).UTC()
		h.LastHeartbeatAt = &t
	}
	h.HealthState = r.classify(s, st, h.LastHeartbeatAt, now)
	return h
}

// classify derives the routing health tier. A bank that has never sent a
// heartbeat is judged on its breaker and call stats alone.
func (r *Registry) classify(s int32, st Stats, lastHeartbeat *time.Time, now time.Time) domain.HealthState {
	if s == stateOpen {
		return domain.HealthUnavailable
	}
	if lastHeartbeat != nil && r.cfg.HeartbeatTimeout > 0 && now.Sub(*lastHeartbeat) > r.cfg.HeartbeatTimeout {
		return domain.HealthUnavailable
	}
	if s == stateHalfOpen {
		return domain.HealthDegraded
	}
	if st.Total() >= r.cfg.MinRequests {
		if st.SuccessRate() < r.cfg.DegradedSuccessRate {
			return domain.HealthDegraded
		}
		if r.cfg.DegradedLatency > 0 && st.P95 > r.cfg.DegradedLatency {
			return domain.HealthDegraded
		}
	}
	return domain.HealthHealthy
}

// Snapshot is an immutable view of every bank at one instant.
type Snapshot struct {
	TakenAt time.Time
	Banks   map[string]domain.BankHealth
}

func (s Snapshot) Get(code string) (domain.BankHealth, bool) {
	h, ok := s.Banks[code]
	return h, ok
}

// Sorted returns the banks ordered by code.
func (s Snapshot) Sorted() []domain.BankHealth {
	out := make([]domain.BankHealth, 0, len(s.Banks))
	for _, h := range s.Banks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (r *Registry) Snapshot() Snapshot {
	now := r.clock.Now()
	snap := Snapshot{TakenAt: now, Banks: map[string]domain.BankHealth{}}
	r.banks.Range(func(key, value any) bool {
		snap.Banks[key.(string)] = r.view(value.(*record), now)
		return true
	})
	return snap
}
