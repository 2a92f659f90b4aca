package health

import (
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

func toCircuit(s int32) domain.CircuitState {
	switch s {
	case stateOpen:
		return domain.CircuitOpen
	case stateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func fromCircuit(c domain.CircuitState) (int32, bool) {
	switch c {
	case domain.CircuitClosed:
		return stateClosed, true
	case domain.CircuitOpen:
		return stateOpen, true
	case domain.CircuitHalfOpen:
		return stateHalfOpen, true
	}
	return 0, false
}

// breaker is the per-bank circuit FSM. Every transition is a CAS on state,
// so concurrent outcomes can never move it along an edge that does not exist.
type breaker struct {
	state    atomic.Int32
	openedAt atomic.Int64
	forced   atomic.Bool
	probes   atomic.Int32

	coolDown   time.Duration
	probeLimit int32
}

// current resolves lazy OPEN -> HALF_OPEN once the cool-down has passed.
// A forced OPEN never cools down on its own.
func (b *breaker) current(now time.Time) int32 {
	s := b.state.Load()
	if s == stateOpen && !b.forced.Load() && now.UnixNano()-b.openedAt.Load() >= int64(b.coolDown) {
		b.state.CompareAndSwap(stateOpen, stateHalfOpen)
		s = b.state.Load()
	}
	return s
}

// admit reports whether a call may go out and whether it holds a probe slot.
func (b *breaker) admit(now time.Time) (allowed, probe bool) {
	switch b.current(now) {
	case stateClosed:
		return true, false
	case stateHalfOpen:
		if b.acquireProbe() {
			return true, true
		}
	}
	return false, false
}

func (b *breaker) acquireProbe() bool {
	for {
		p := b.probes.Load()
		if p >= b.probeLimit {
			return false
		}
		if b.probes.CompareAndSwap(p, p+1) {
			return true
		}
	}
}

func (b *breaker) releaseProbe() { b.probes.Add(-1) }

func (b *breaker) probeAvailable() bool { return b.probes.Load() < b.probeLimit }

// trip moves from -> OPEN and reports whether this caller did it.
func (b *breaker) trip(now time.Time, from int32) bool {
	b.openedAt.Store(now.UnixNano())
	return b.state.CompareAndSwap(from, stateOpen)
}

func (b *breaker) close(from int32) bool {
	return b.state.CompareAndSwap(from, stateClosed)
}

func (b *breaker) force(now time.Time, s int32) {
	b.forced.Store(s == stateOpen)
	if s == stateOpen {
		b.openedAt.Store(now.UnixNano())
	}
	b.state.Store(s)
}
