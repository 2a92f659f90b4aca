package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/punchamoorthee/payswitch/internal/models"
)

// Canonicalize renders the signed fields of a payment as sorted key=value
// lines. Two logically identical requests always produce identical bytes,
// whatever the JSON field order or surrounding whitespace.
func Canonicalize(req models.PaymentRequest) []byte {
	txnType := strings.ToUpper(strings.TrimSpace(req.Type))
	if txnType == "" {
		txnType = "P2P"
	}
	fields := map[string]string{
		"amountMinorUnits": strconv.FormatInt(req.Amount, 10),
		"currency":         strings.ToUpper(strings.TrimSpace(req.Currency)),
		"dedupeKey":        req.DedupeKey,
		"mcc":              strings.TrimSpace(req.MCC),
		"payeeVPA":         NormalizeVPA(req.PayeeVPA),
		"payerVPA":         NormalizeVPA(req.PayerVPA),
		"type":             txnType,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Hash is the hex sha256 of the canonical form.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// NormalizeVPA trims and lower-cases a virtual payment address.
func NormalizeVPA(vpa string) string {
	return strings.ToLower(strings.TrimSpace(vpa))
}
