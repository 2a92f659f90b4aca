package settlement

import (
	"sort"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Tolerance is the absolute difference allowed per reported net:
// floor(volume * ppm / 1e6).
func Tolerance(volume, ppm int64) int64 {
	if ppm <= 0 || volume <= 0 {
		return 0
	}
	return decimal.NewFromInt(volume).
		Mul(decimal.NewFromInt(ppm)).
		Div(million).
		Floor().
		IntPart()
}

// Reconcile compares every submitted report against the computed nets.
// A counterparty missing from either side counts as zero.
func Reconcile(b *domain.SettlementBatch, tolerance int64) []domain.Mismatch {
	var out []domain.Mismatch
	for _, r := range b.Reports {
		counterparties := map[string]struct{}{}
		for _, n := range b.Nets {
			if n.From == r.BankCode {
				counterparties[n.To] = struct{}{}
			}
		}
		for cp := range r.NetByCounterparty {
			counterparties[cp] = struct{}{}
		}
		for cp := range counterparties {
			expected := b.Net(r.BankCode, cp)
			reported := r.NetByCounterparty[cp]
			diff := decimal.NewFromInt(expected).Sub(decimal.NewFromInt(reported)).Abs()
			if diff.GreaterThan(decimal.NewFromInt(tolerance)) {
				out = append(out, domain.Mismatch{
					BankCode:     r.BankCode,
					Counterparty: cp,
					Expected:     expected,
					Reported:     reported,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BankCode != out[j].BankCode {
			return out[i].BankCode < out[j].BankCode
		}
		return out[i].Counterparty < out[j].Counterparty
	})
	return out
}
