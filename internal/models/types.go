package models

import (
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// PaymentRequest is the signed payload a payer PSP submits.
type PaymentRequest struct {
	DedupeKey string `json:"dedupeKey" validate:"required,dedupekey"`
	PayerVPA  string `json:"payerVPA" validate:"required,vpa"`
	PayeeVPA  string `json:"payeeVPA" validate:"required,vpa,nefield=PayerVPA"`
	Amount    int64  `json:"amountMinorUnits" validate:"gt=0"`
	Currency  string `json:"currency" validate:"required,iso4217"`
	Type      string `json:"type,omitempty" validate:"omitempty,oneof=P2P P2M"`
	MCC       string `json:"mcc,omitempty" validate:"omitempty,numeric,len=4"`
	Signature string `json:"signature" validate:"required,base64|base64rawurl|base64url"`
}

// PaymentResponse is returned by SubmitPayment and GetTransaction.
type PaymentResponse struct {
	TransactionID   string `json:"transactionId"`
	RRN             string `json:"rrn"`
	Status          string `json:"status"`
	State           string `json:"state"`
	Amount          string `json:"amount"`
	SwitchFee       string `json:"switchFee"`
	BankFee         string `json:"bankFee"`
	TotalFee        string `json:"totalFee"`
	BankReferenceID string `json:"bankReferenceId,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
}

// RegisterBankRequest registers or updates a participant.
type RegisterBankRequest struct {
	Code         string   `json:"code" validate:"required,alphanum,max=16"`
	Name         string   `json:"name" validate:"required"`
	Endpoint     string   `json:"endpoint" validate:"required,url"`
	PublicKey    string   `json:"publicKey" validate:"required,base64"`
	Capabilities []string `json:"capabilities,omitempty"`
	SponsorFor   []string `json:"sponsorFor,omitempty" validate:"dive,alphanum"`
}

// RegisterVPARequest maps a VPA to its bank.
type RegisterVPARequest struct {
	VPA      string `json:"vpa" validate:"required,vpa"`
	BankCode string `json:"bankCode" validate:"required,alphanum"`
}

// HeartbeatRequest is sent periodically by each bank.
type HeartbeatRequest struct {
	Healthy   bool  `json:"healthy"`
	LatencyMS int64 `json:"latencyMs" validate:"gte=0"`
}

// CircuitOverrideRequest forces a breaker state.
type CircuitOverrideRequest struct {
	State string `json:"state" validate:"required,oneof=CLOSED OPEN HALF_OPEN"`
}

// SettlementReportRequest is a bank's own net positions for a batch.
type SettlementReportRequest struct {
	BankCode          string           `json:"bankCode" validate:"required"`
	NetByCounterparty map[string]int64 `json:"netByCounterparty" validate:"required"`
}

// SettleRequest triggers formation of the window containing At (defaults to the last closed window).
type SettleRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// SettlementResponse is the outward view of a batch.
type SettlementResponse struct {
	*domain.SettlementBatch
	TransactionCount int `json:"transactionCount"`
}
