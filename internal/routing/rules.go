package routing

import (
	"slices"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// Rule is a routing policy hook. Evaluate returns ok=false to exclude the
// credit candidate; otherwise rank is added to its score (lower wins).
type Rule interface {
	Evaluate(req Request, payer, candidate domain.BankHealth) (rank int, ok bool)
}

// CapabilityRule requires both sides to support the payment type.
type CapabilityRule struct{}

func (CapabilityRule) Evaluate(req Request, payer, c domain.BankHealth) (int, bool) {
	capability := domain.CapabilityP2P
	if req.Type == domain.TxnTypeP2M {
		capability = domain.CapabilityP2M
	}
	return 0, payer.Supports(capability) && c.Supports(capability)
}

// CategoryRule prefers configured banks for merchant category codes, in
// list order. Banks not listed rank after every listed one.
type CategoryRule struct {
	Preferred map[string][]string
}

func (r CategoryRule) Evaluate(req Request, _, c domain.BankHealth) (int, bool) {
	if req.Type != domain.TxnTypeP2M || req.MCC == "" {
		return 0, true
	}
	list, ok := r.Preferred[req.MCC]
	if !ok {
		return 0, true
	}
	if i := slices.Index(list, c.Code); i >= 0 {
		return i, true
	}
	return len(list), true
}
