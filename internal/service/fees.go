package service

import (
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/shopspring/decimal"
)

var bpsScale = decimal.NewFromInt(10_000)

// Fees returns the switch and bank fee for amount, in minor units.
func Fees(amount int64, cfg config.FeeConfig) (switchFee, bankFee int64) {
	return fee(amount, cfg.SwitchBPS), fee(amount, cfg.BankBPS)
}

// fee charges bps of amount rounded down, never less than one minor unit
// unless the rate is zero.
func fee(amount, bps int64) int64 {
	if bps <= 0 || amount <= 0 {
		return 0
	}
	f := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(bps)).Div(bpsScale).Floor().IntPart()
	return max(f, 1)
}
