package domain

import (
	"sort"
	"time"
)

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "OPEN"
	BatchClosed     BatchStatus = "CLOSED"
	BatchReconciled BatchStatus = "RECONCILED"
	BatchMismatched BatchStatus = "MISMATCHED"
)

// PairNet is the signed amount From owes To within a batch.
// Every entry has an exact mirror with the opposite sign.
type PairNet struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// SettlementBatch groups successful transactions of one window.
type SettlementBatch struct {
	ID             string       `json:"id"`
	WindowStart    time.Time    `json:"window_start"`
	WindowEnd      time.Time    `json:"window_end"`
	Status         BatchStatus  `json:"status"`
	TransactionIDs []string     `json:"transaction_ids"`
	Nets           []PairNet    `json:"nets"`
	Volume         int64        `json:"volume"`
	SwitchFees     int64        `json:"switch_fees"`
	BankFees       int64        `json:"bank_fees"`
	Reports        []BankReport `json:"reports,omitempty"`
	Mismatches     []Mismatch   `json:"mismatches,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	ReconciledAt   *time.Time   `json:"reconciled_at,omitempty"`
}

// Net returns the amount from owes to (negative when to owes from).
func (b *SettlementBatch) Net(from, to string) int64 {
	for _, n := range b.Nets {
		if n.From == from && n.To == to {
			return n.Amount
		}
	}
	return 0
}

// NetSum adds up every pair entry; a closed batch always sums to zero.
func (b *SettlementBatch) NetSum() int64 {
	var sum int64
	for _, n := range b.Nets {
		sum += n.Amount
	}
	return sum
}

// Participants lists the bank codes appearing in the batch, sorted.
func (b *SettlementBatch) Participants() []string {
	seen := map[string]struct{}{}
	for _, n := range b.Nets {
		seen[n.From] = struct{}{}
		seen[n.To] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// BankReport is a bank's own view of its net positions for a batch.
// NetByCounterparty follows the PairNet sign: positive means the reporter owes.
type BankReport struct {
	BankCode          string           `json:"bank_code"`
	NetByCounterparty map[string]int64 `json:"net_by_counterparty"`
	SubmittedAt       time.Time        `json:"submitted_at"`
}

// Mismatch records a reported net that disagrees with the computed one.
type Mismatch struct {
	BankCode     string `json:"bank_code"`
	Counterparty string `json:"counterparty"`
	Expected     int64  `json:"expected"`
	Reported     int64  `json:"reported"`
}
