package health

import (
	"math"
	"sync/atomic"
	"time"
)

// Outcome is the result of one call to a bank as seen by the switch.
// A business decline is a success from the health point of view.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

const latencySlots = 12

var latencyBounds = [latencySlots - 1]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
}

func latencySlot(d time.Duration) int {
	for i, b := range latencyBounds {
		if d <= b {
			return i
		}
	}
	return latencySlots - 1
}

type bucket struct {
	epoch   atomic.Int64
	success atomic.Int64
	failure atomic.Int64
	timeout atomic.Int64
	latency [latencySlots]atomic.Int64
}

func (b *bucket) reset() {
	b.success.Store(0)
	b.failure.Store(0)
	b.timeout.Store(0)
	for i := range b.latency {
		b.latency[i].Store(0)
	}
}

// window is a ring of time buckets. Writers never lock: the first writer to
// observe a stale bucket claims it with a CAS on its epoch and zeroes it.
// Reads may lag by at most one bucket width.
type window struct {
	width   int64
	buckets []bucket
}

func newWindow(span time.Duration, n int) *window {
	if n <= 0 {
		n = 1
	}
	width := int64(span) / int64(n)
	if width <= 0 {
		width = int64(time.Millisecond)
	}
	w := &window{width: width, buckets: make([]bucket, n)}
	for i := range w.buckets {
		w.buckets[i].epoch.Store(-1)
	}
	return w
}

func (w *window) current(now time.Time) *bucket {
	epoch := now.UnixNano() / w.width
	b := &w.buckets[epoch%int64(len(w.buckets))]
	for {
		e := b.epoch.Load()
		switch {
		case e == epoch:
			return b
		case e > epoch:
			return nil
		case b.epoch.CompareAndSwap(e, epoch):
			b.reset()
			return b
		}
	}
}

func (w *window) record(now time.Time, o Outcome, latency time.Duration) {
	b := w.current(now)
	if b == nil {
		return
	}
	switch o {
	case OutcomeSuccess:
		b.success.Add(1)
	case OutcomeTimeout:
		b.timeout.Add(1)
	default:
		b.failure.Add(1)
	}
	if latency > 0 {
		b.latency[latencySlot(latency)].Add(1)
	}
}

func (w *window) clear() {
	for i := range w.buckets {
		w.buckets[i].epoch.Store(-1)
	}
}

// Stats aggregates the live buckets of a window.
type Stats struct {
	Success int64
	Failure int64
	Timeout int64
	P95     time.Duration
}

func (s Stats) Total() int64 { return s.Success + s.Failure + s.Timeout }

// FailureRate counts timeouts as failures.
func (s Stats) FailureRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Failure+s.Timeout) / float64(total)
}

func (s Stats) SuccessRate() float64 {
	total := s.Total()
	if total == 0 {
		return 1
	}
	return float64(s.Success) / float64(total)
}

func (w *window) stats(now time.Time) Stats {
	epoch := now.UnixNano() / w.width
	oldest := epoch - int64(len(w.buckets))

	var st Stats
	var hist [latencySlots]int64
	var samples int64
	for i := range w.buckets {
		b := &w.buckets[i]
		e := b.epoch.Load()
		if e <= oldest || e > epoch {
			continue
		}
		st.Success += b.success.Load()
		st.Failure += b.failure.Load()
		st.Timeout += b.timeout.Load()
		for j := range hist {
			n := b.latency[j].Load()
			hist[j] += n
			samples += n
		}
	}
	st.P95 = percentile(hist, samples, 0.95)
	return st
}

func percentile(hist [latencySlots]int64, samples int64, q float64) time.Duration {
	if samples == 0 {
		return 0
	}
	target := int64(math.Ceil(float64(samples) * q))
	var seen int64
	for i, n := range hist {
		seen += n
		if seen >= target {
			if i < len(latencyBounds) {
				return latencyBounds[i]
			}
			break
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}
