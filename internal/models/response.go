package models

import (
	"strings"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/shopspring/decimal"
)

// minorUnitExp is the exponent of the minor unit for the currencies the switch carries.
const minorUnitExp = -2

// NewPaymentResponse maps a transaction to its outward view. Any state that
// is not terminal is reported as PENDING.
func NewPaymentResponse(t *domain.Transaction) PaymentResponse {
	status := string(domain.StatePending)
	if t.State.Terminal() {
		status = string(t.State)
	}
	return PaymentResponse{
		TransactionID:   t.ID,
		RRN:             t.RRN,
		Status:          status,
		State:           string(t.State),
		Amount:          FormatAmount(t.Amount, t.Currency),
		SwitchFee:       FormatAmount(t.SwitchFee, t.Currency),
		BankFee:         FormatAmount(t.BankFee, t.Currency),
		TotalFee:        FormatAmount(t.SwitchFee+t.BankFee, t.Currency),
		BankReferenceID: t.BankReference(),
		ErrorCode:       t.ErrorCode,
	}
}

// FormatAmount renders minor units as a major-unit decimal string, e.g. "500.00 INR".
func FormatAmount(minor int64, currency string) string {
	s := decimal.New(minor, minorUnitExp).StringFixed(-minorUnitExp)
	if currency == "" {
		return s
	}
	return s + " " + strings.ToUpper(currency)
}

func NewSettlementResponse(b *domain.SettlementBatch) SettlementResponse {
	return SettlementResponse{SettlementBatch: b, TransactionCount: len(b.TransactionIDs)}
}
