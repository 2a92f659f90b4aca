package bank

import (
	"context"
	"errors"
)

// Op is the kind of instruction sent to a bank.
type Op string

const (
	OpDebit    Op = "debit"
	OpCredit   Op = "credit"
	OpReversal Op = "reversal"
)

var (
	// ErrTimeout means the outcome of the call is unknown.
	ErrTimeout = errors.New("bank call timed out")
	// ErrUnavailable means the call was not delivered or the bank failed it.
	ErrUnavailable = errors.New("bank unavailable")
)

// Instruction is one debit, credit or reversal. Token is the bank-side
// idempotency key: resending the same token never applies twice.
type Instruction struct {
	Bank          string `json:"-"`
	Op            Op     `json:"-"`
	Token         string `json:"token"`
	TransactionID string `json:"transactionId"`
	RRN           string `json:"rrn"`
	VPA           string `json:"vpa"`
	Counterparty  string `json:"counterparty,omitempty"`
	Amount        int64  `json:"amountMinorUnits"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference,omitempty"`
}

// Result is a definitive bank answer.
type Result struct {
	Approved  bool   `json:"approved"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Status is the answer to "did this token apply?".
type Status string

const (
	StatusApplied    Status = "APPLIED"
	StatusNotApplied Status = "NOT_APPLIED"
	StatusUnknown    Status = "UNKNOWN"
)

type StatusResult struct {
	Status    Status `json:"status"`
	Reference string `json:"reference,omitempty"`
}

// Client talks to participant banks.
type Client interface {
	Execute(ctx context.Context, in Instruction) (Result, error)
	Status(ctx context.Context, bank string, op Op, token string) (StatusResult, error)
}
