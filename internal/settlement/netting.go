package settlement

import (
	"fmt"
	"sort"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// Netting is the outcome of netting one window.
type Netting struct {
	Nets           []domain.PairNet
	Volume         int64
	SwitchFees     int64
	BankFees       int64
	TransactionIDs []string
}

type pair struct{ a, b string }

// Net collapses successful transactions into bilateral net positions.
// For every pair of banks with a non-zero balance it emits A->B and the
// mirrored B->A entry, so the nets always sum to zero. On-us transactions
// move no money between banks and are left out of the nets and volume, but
// their fees are still collected.
func Net(txns []*domain.Transaction) (Netting, error) {
	var n Netting
	owed := map[pair]int64{}
	for _, t := range txns {
		if t.State != domain.StateSuccess {
			return Netting{}, fmt.Errorf("transaction %s is %s, not settleable", t.ID, t.State)
		}
		n.TransactionIDs = append(n.TransactionIDs, t.ID)
		n.SwitchFees += t.SwitchFee
		n.BankFees += t.BankFee
		from, to := t.PayerBank, t.CreditBank
		if to == "" {
			to = t.PayeeBank
		}
		if from == to {
			continue
		}
		n.Volume += t.Amount
		if from < to {
			owed[pair{from, to}] += t.Amount
		} else {
			owed[pair{to, from}] -= t.Amount
		}
	}

	for p, amt := range owed {
		if amt == 0 {
			continue
		}
		n.Nets = append(n.Nets,
			domain.PairNet{From: p.a, To: p.b, Amount: amt},
			domain.PairNet{From: p.b, To: p.a, Amount: -amt},
		)
	}
	sort.Slice(n.Nets, func(i, j int) bool {
		if n.Nets[i].From != n.Nets[j].From {
			return n.Nets[i].From < n.Nets[j].From
		}
		return n.Nets[i].To < n.Nets[j].To
	})
	sort.Strings(n.TransactionIDs)

	var sum int64
	for _, e := range n.Nets {
		sum += e.Amount
	}
	if sum != 0 {
		return Netting{}, fmt.Errorf("nets sum to %d", sum)
	}
	return n, nil
}
