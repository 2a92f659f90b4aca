// Package banktest provides a scriptable in-process bank peer.
package banktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/payswitch/internal/bank"
)

// Behavior is one scripted response. When Apply is true the instruction
// takes effect at the bank even if Err is returned.
type Behavior struct {
	Result bank.Result
	Err    error
	Apply  bool
	Delay  time.Duration
}

var (
	Approve        = Behavior{Result: bank.Result{Approved: true}, Apply: true}
	Timeout        = Behavior{Err: bank.ErrTimeout}
	TimeoutApplied = Behavior{Err: bank.ErrTimeout, Apply: true}
	Unavailable    = Behavior{Err: bank.ErrUnavailable}
)

func Decline(reason string) Behavior {
	return Behavior{Result: bank.Result{Approved: false, Reason: reason}}
}

type key struct {
	bank string
	op   bank.Op
}

type applied struct {
	key
	token string
}

// Fake is a bank.Client. Unscripted calls are approved.
type Fake struct {
	mu      sync.Mutex
	scripts map[key][]Behavior
	calls   map[key][]bank.Instruction
	applied map[applied]string
	unknown map[string]bool
	seq     int
}

func New() *Fake {
	return &Fake{
		scripts: map[key][]Behavior{},
		calls:   map[key][]bank.Instruction{},
		applied: map[applied]string{},
		unknown: map[string]bool{},
	}
}

// Script queues behaviors for (bank, op); they are consumed in order.
func (f *Fake) Script(code string, op bank.Op, bs ...Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key{code, op}
	f.scripts[k] = append(f.scripts[k], bs...)
}

// StatusUnknown makes status probes against code fail until reset.
func (f *Fake) StatusUnknown(code string, unknown bool) {
	f.mu.Lock()
	f.unknown[code] = unknown
	f.mu.Unlock()
}

func (f *Fake) Execute(ctx context.Context, in bank.Instruction) (bank.Result, error) {
	f.mu.Lock()
	k := key{in.Bank, in.Op}
	f.calls[k] = append(f.calls[k], in)
	b := Approve
	if q := f.scripts[k]; len(q) > 0 {
		b, f.scripts[k] = q[0], q[1:]
	}
	a := applied{k, in.Token}
	ref, already := f.applied[a]
	if b.Apply && !already {
		f.seq++
		ref = fmt.Sprintf("%s-%s-%d", in.Bank, in.Op, f.seq)
		f.applied[a] = ref
	}
	f.mu.Unlock()

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return bank.Result{}, bank.ErrTimeout
		}
	}
	if b.Err != nil {
		return bank.Result{}, b.Err
	}
	res := b.Result
	if res.Approved {
		res.Reference = ref
	}
	return res, nil
}

func (f *Fake) Status(_ context.Context, code string, op bank.Op, token string) (bank.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[code] {
		return bank.StatusResult{}, bank.ErrTimeout
	}
	if ref, ok := f.applied[applied{key{code, op}, token}]; ok {
		return bank.StatusResult{Status: bank.StatusApplied, Reference: ref}, nil
	}
	return bank.StatusResult{Status: bank.StatusNotApplied}, nil
}

// Calls returns the instructions sent for (bank, op).
func (f *Fake) Calls(code string, op bank.Op) []bank.Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bank.Instruction(nil), f.calls[key{code, op}]...)
}

// Applied reports whether token took effect at (bank, op).
func (f *Fake) Applied(code string, op bank.Op, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.applied[applied{key{code, op}, token}]
	return ok
}

// AppliedCount counts distinct tokens applied for (bank, op).
func (f *Fake) AppliedCount(code string, op bank.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for a := range f.applied {
		if a.bank == code && a.op == op {
			n++
		}
	}
	return n
}
