package ingest

import (
	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
)

// Reason explains why a transaction was not eligible.
type Reason string

const (
	ReasonEligible         Reason = ""
	ReasonNotPayment       Reason = "not_payment"
	ReasonWrongDestination Reason = "wrong_destination"
	ReasonNonNativeAsset   Reason = "non_native_asset"
	ReasonBelowMinimum     Reason = "below_minimum"
	ReasonTagMismatch      Reason = "destination_tag_mismatch"
)

// DefaultMinimumAmount is the dust threshold in XRP.
var DefaultMinimumAmount = decimal.RequireFromString("0.0001")

// Validator decides whether a ledger transaction is a payment this merchant
// should settle. It performs no I/O.
type Validator struct {
	MinimumAmount decimal.Decimal
	// RequiredTag, when set, must equal the transaction's destination tag.
	RequiredTag *uint32
}

// NewValidator returns a validator with the given dust threshold and optional
// required destination tag.
func NewValidator(minimum decimal.Decimal, requiredTag *uint32) Validator {
	return Validator{MinimumAmount: minimum, RequiredTag: requiredTag}
}

// Evaluate applies the rules in order and reports the first one that fails.
func (v Validator) Evaluate(tx payment.RawTransaction, merchantAddress string) (bool, Reason) {
	if tx.Type != payment.TypePayment {
		return false, ReasonNotPayment
	}
	if tx.DestinationAddress != merchantAddress {
		return false, ReasonWrongDestination
	}
	if !tx.IsNative() {
		return false, ReasonNonNativeAsset
	}
	if tx.Amount.LessThan(v.MinimumAmount) {
		return false, ReasonBelowMinimum
	}
	if v.RequiredTag != nil {
		if tx.DestinationTag == nil || *tx.DestinationTag != *v.RequiredTag {
			return false, ReasonTagMismatch
		}
	}
	return true, ReasonEligible
}

// IsEligible reports whether tx passes every rule.
func (v Validator) IsEligible(tx payment.RawTransaction, merchantAddress string) bool {
	ok, _ := v.Evaluate(tx, merchantAddress)
	return ok
}
