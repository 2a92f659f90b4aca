package domain

import (
	"encoding/json"
	"time"
)

// EventType names the events the switch emits.
type EventType string

const (
	EventTransactionTerminal  EventType = "TRANSACTION_TERMINAL"
	EventSettlementClosed     EventType = "SETTLEMENT_CLOSED"
	EventSettlementReconciled EventType = "SETTLEMENT_RECONCILED"
	EventSettlementMismatched EventType = "SETTLEMENT_MISMATCHED"
)

const (
	TopicTransactions = "switch.transactions"
	TopicSettlements  = "switch.settlements"
)

// OutboxEvent is written in the same store operation as the state change it describes.
// ID doubles as the consumer-side dedupe key.
type OutboxEvent struct {
	ID              string          `json:"id"`
	Seq             int64           `json:"seq"`
	Type            EventType       `json:"type"`
	Topic           string          `json:"topic"`
	PartitionKey    string          `json:"partition_key"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	PublishAttempts int             `json:"publish_attempts"`
	LastError       string          `json:"last_error,omitempty"`
}

// TransactionEvent is the payload of TRANSACTION_TERMINAL.
type TransactionEvent struct {
	TransactionID string    `json:"transactionId"`
	RRN           string    `json:"rrn"`
	State         State     `json:"state"`
	PayerVPA      string    `json:"payerVpa"`
	PayeeVPA      string    `json:"payeeVpa"`
	PayerBank     string    `json:"payerBank"`
	CreditBank    string    `json:"creditBank,omitempty"`
	Amount        int64     `json:"amountMinorUnits"`
	Currency      string    `json:"currency"`
	SwitchFee     int64     `json:"switchFeeMinorUnits"`
	BankFee       int64     `json:"bankFeeMinorUnits"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	TerminalAt    time.Time `json:"terminalAt"`
}

// SettlementEvent is the payload of the SETTLEMENT_* events.
type SettlementEvent struct {
	BatchID     string      `json:"batchId"`
	Status      BatchStatus `json:"status"`
	WindowStart time.Time   `json:"windowStart"`
	WindowEnd   time.Time   `json:"windowEnd"`
	Nets        []PairNet   `json:"nets"`
	Volume      int64       `json:"volume"`
	SwitchFees  int64       `json:"switchFees"`
	BankFees    int64       `json:"bankFees"`
	Mismatches  []Mismatch  `json:"mismatches,omitempty"`
}
