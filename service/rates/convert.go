package rates

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits is the ISO 4217 exponent for currencies we expect to settle in.
// Unlisted currencies default to two decimals.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CHF": 2,
	"CAD": 2,
	"AUD": 2,
	"SGD": 2,
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// MinorUnits returns the number of decimals of currency's smallest unit.
func MinorUnits(currency string) int32 {
	if u, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return u
	}
	return 2
}

// Convert returns amount*price rounded half-to-even to currency's minor unit.
func Convert(amount, price decimal.Decimal, currency string) decimal.Decimal {
	return amount.Mul(price).RoundBank(MinorUnits(currency))
}
