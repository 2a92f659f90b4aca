package domain

import (
	"time"
)

// State is the saga state of a transaction.
type State string

const (
	StatePending        State = "PENDING"
	StateRouted         State = "ROUTED"
	StateDebitInFlight  State = "DEBIT_IN_FLIGHT"
	StateDebited        State = "DEBITED"
	StateDebitFailed    State = "DEBIT_FAILED"
	StateCreditInFlight State = "CREDIT_IN_FLIGHT"
	StateCreditFailed   State = "CREDIT_FAILED"
	StateReversing      State = "REVERSING"
	StateSuccess        State = "SUCCESS"
	StateFailed         State = "FAILED"
	StateReversed       State = "REVERSED"
	StateTimeout        State = "TIMEOUT"
)

var transitions = map[State][]State{
	StatePending:        {StateRouted, StateFailed},
	StateRouted:         {StateDebitInFlight},
	StateDebitInFlight:  {StateDebited, StateDebitFailed, StateTimeout},
	StateDebitFailed:    {StateFailed},
	StateDebited:        {StateCreditInFlight},
	StateCreditInFlight: {StateSuccess, StateCreditFailed},
	StateCreditFailed:   {StateReversing},
	StateReversing:      {StateReversed},
}

// CanTransition reports whether from -> to is an edge of the saga.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateReversed, StateTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// TxnType distinguishes person-to-person from person-to-merchant payments.
type TxnType string

const (
	TxnTypeP2P TxnType = "P2P"
	TxnTypeP2M TxnType = "P2M"
)

// Transaction is one payment moving through the switch.
// Amount is in minor units and always positive.
type Transaction struct {
	ID               string     `json:"id"`
	RRN              string     `json:"rrn"`
	DedupeKey        string     `json:"dedupe_key"`
	PayerVPA         string     `json:"payer_vpa"`
	PayeeVPA         string     `json:"payee_vpa"`
	PayerBank        string     `json:"payer_bank"`
	PayeeBank        string     `json:"payee_bank"`
	CreditBank       string     `json:"credit_bank,omitempty"`
	Amount           int64      `json:"amount"`
	SwitchFee        int64      `json:"switch_fee"`
	BankFee          int64      `json:"bank_fee"`
	Currency         string     `json:"currency"`
	Type             TxnType    `json:"type"`
	MCC              string     `json:"mcc,omitempty"`
	Signature        string     `json:"-"`
	CanonicalHash    string     `json:"canonical_hash"`
	State            State      `json:"state"`
	Version          int64      `json:"version"`
	RetryCount       int        `json:"retry_count"`
	// ReversalAttempts survives driver takeovers so alerting keeps counting.
	ReversalAttempts int        `json:"reversal_attempts,omitempty"`
	DebitRef         string     `json:"debit_ref,omitempty"`
	CreditRef        string     `json:"credit_ref,omitempty"`
	ReversalRef      string     `json:"reversal_ref,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DebitedAt        *time.Time `json:"debited_at,omitempty"`
	CreditedAt       *time.Time `json:"credited_at,omitempty"`
	TerminalAt       *time.Time `json:"terminal_at,omitempty"`
	LeaseUntil       time.Time  `json:"-"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.DebitedAt = cloneTime(t.DebitedAt)
	c.CreditedAt = cloneTime(t.CreditedAt)
	c.TerminalAt = cloneTime(t.TerminalAt)
	return &c
}

// BankReference is the most relevant bank-side reference for the current state.
func (t *Transaction) BankReference() string {
	switch {
	case t.ReversalRef != "":
		return t.ReversalRef
	case t.CreditRef != "":
		return t.CreditRef
	default:
		return t.DebitRef
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is one row of a transaction's audit history.
type Transition struct {
	TransactionID string    `json:"transaction_id"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	Version       int64     `json:"version"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Error codes recorded on transactions.
const (
	CodeNoHealthyRoute  = "NO_HEALTHY_ROUTE"
	CodeDebitDeclined   = "DEBIT_DECLINED"
	CodeDebitTimeout    = "DEBIT_TIMEOUT"
	CodeCreditDeclined  = "CREDIT_DECLINED"
	CodeCreditExhausted = "CREDIT_RETRIES_EXHAUSTED"
	CodeReversalPending = "REVERSAL_PENDING"
)
