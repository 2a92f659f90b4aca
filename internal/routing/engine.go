package routing

import (
	"sort"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
)

// Request is the routing-relevant part of a payment.
type Request struct {
	PayerBank string
	PayeeBank string
	Type      domain.TxnType
	MCC       string
	Amount    int64
}

// Decision names the banks the saga will debit and credit.
type Decision struct {
	PayerBank  string
	CreditBank string
	Sponsored  bool
	Health     domain.HealthState
}

// Engine selects a credit destination. Route is a pure function of the
// snapshot and request, so identical inputs always yield identical output.
type Engine struct {
	rules []Rule
}

func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine applies the capability rule and, when configured, MCC preferences.
func NewDefaultEngine(categories map[string][]string) *Engine {
	rules := []Rule{CapabilityRule{}}
	if len(categories) > 0 {
		rules = append(rules, CategoryRule{Preferred: categories})
	}
	return NewEngine(rules...)
}

type candidate struct {
	bank      domain.BankHealth
	rank      int
	sponsored bool
}

func (e *Engine) Route(snap health.Snapshot, req Request) (Decision, error) {
	payer, ok := snap.Get(req.PayerBank)
	if !ok || !Routable(payer) {
		return Decision{}, domain.ErrNoHealthyRoute
	}

	var candidates []candidate
	for _, b := range snap.Sorted() {
		direct := b.Code == req.PayeeBank
		if !direct && !b.Sponsors(req.PayeeBank) {
			continue
		}
		if !Routable(b) {
			continue
		}
		rank, ok := e.evaluate(req, payer, b)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{bank: b, rank: rank, sponsored: !direct})
	}
	if len(candidates) == 0 {
		return Decision{}, domain.ErrNoHealthyRoute
	}

	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	best := candidates[0]
	return Decision{
		PayerBank:  payer.Code,
		CreditBank: best.bank.Code,
		Sponsored:  best.sponsored,
		Health:     best.bank.HealthState,
	}, nil
}

func (e *Engine) evaluate(req Request, payer, b domain.BankHealth) (int, bool) {
	total := 0
	for _, r := range e.rules {
		rank, ok := r.Evaluate(req, payer, b)
		if !ok {
			return 0, false
		}
		total += rank
	}
	return total, true
}

// less orders by rule rank, health tier, p95 latency, in-flight load, then code.
func less(a, b candidate) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if ha, hb := a.bank.HealthState.Rank(), b.bank.HealthState.Rank(); ha != hb {
		return ha < hb
	}
	if a.bank.P95Latency != b.bank.P95Latency {
		return a.bank.P95Latency < b.bank.P95Latency
	}
	if a.bank.InFlight != b.bank.InFlight {
		return a.bank.InFlight < b.bank.InFlight
	}
	return a.bank.Code < b.bank.Code
}

// Routable excludes OPEN and UNAVAILABLE banks, and HALF_OPEN banks with
// no probe slot left.
func Routable(b domain.BankHealth) bool {
	if b.CircuitState == domain.CircuitOpen || b.HealthState == domain.HealthUnavailable {
		return false
	}
	if b.CircuitState == domain.CircuitHalfOpen && !b.ProbeAvailable {
		return false
	}
	return true
}
