package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
)

// DropsPerXRP is the number of drops in one XRP.
const DropsPerXRP = 1_000_000

// rippleEpoch is 2000-01-01T00:00:00Z, the zero point of ledger close times.
const rippleEpoch = 946684800

// parseAmount decodes an Amount or delivered_amount field. Native amounts are
// a string of drops; issued amounts are an object with a decimal value.
func parseAmount(raw json.RawMessage) (decimal.Decimal, string, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, "", fmt.Errorf("amount missing")
	}

	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		if drops == "unavailable" {
			return decimal.Decimal{}, "", fmt.Errorf("delivered amount unavailable")
		}
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return decimal.Decimal{}, "", fmt.Errorf("invalid drops %q: %w", drops, err)
		}
		return DropsToXRP(d), payment.NativeCurrency, nil
	}

	var issued issuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("invalid amount %s: %w", string(raw), err)
	}
	d, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("invalid issued value %q: %w", issued.Value, err)
	}
	return d, strings.ToUpper(issued.Currency), nil
}

// DropsToXRP converts drops to XRP exactly.
func DropsToXRP(drops decimal.Decimal) decimal.Decimal {
	return drops.Shift(-6)
}

// XRPToDrops converts XRP to drops, truncating below one drop.
func XRPToDrops(xrp decimal.Decimal) decimal.Decimal {
	return xrp.Shift(6).Truncate(0)
}

func closeTime(date int64) time.Time {
	if date <= 0 {
		return time.Time{}
	}
	return time.Unix(date+rippleEpoch, 0).UTC()
}

// toRawTransaction maps one account_tx item to the domain type. The delivered
// amount is preferred over Amount so partial payments are credited at what
// actually arrived.
func toRawTransaction(item AccountTxItem, observedAt time.Time) (payment.RawTransaction, error) {
	raw := item.Meta.DeliveredAmount
	if len(raw) == 0 || string(raw) == `"unavailable"` {
		raw = item.Tx.Amount
	}

	tx := payment.RawTransaction{
		Hash:               item.Tx.Hash,
		SourceAddress:      item.Tx.Account,
		DestinationAddress: item.Tx.Destination,
		DestinationTag:     item.Tx.DestinationTag,
		LedgerSequence:     item.Tx.LedgerIndex,
		ObservedAt:         observedAt,
		CloseTime:          closeTime(item.Tx.Date),
		Type:               payment.TransactionType(item.Tx.TransactionType),
	}

	// Non-payment transactions often carry no Amount at all; the validator
	// rejects them on type, so a missing amount is not an error here.
	if tx.Type != payment.TypePayment {
		return tx, nil
	}

	amount, currency, err := parseAmount(raw)
	if err != nil {
		return payment.RawTransaction{}, fmt.Errorf("transaction %s: %w", item.Tx.Hash, err)
	}
	tx.Amount = amount
	tx.Currency = currency
	return tx, nil
}
