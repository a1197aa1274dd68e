package payment

import "errors"

var (
	// ErrLedgerUnavailable means the ledger node could not be reached or
	// answered with an error. Transient.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrRateProvider means a single rate provider failed. Transient.
	ErrRateProvider = errors.New("rate provider error")

	// ErrRateUnavailable means no provider answered and no quote within the
	// grace window exists.
	ErrRateUnavailable = errors.New("rate unavailable")

	// ErrDuplicateKey is returned by Insert when the hash already exists.
	ErrDuplicateKey = errors.New("duplicate settlement")

	// ErrNotFound is returned when no record exists for a hash.
	ErrNotFound = errors.New("settlement not found")

	// ErrInvalidTransition is returned when a status change would regress.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStorageFault marks a store failure that survived retries.
	ErrStorageFault = errors.New("storage fault")

	// ErrInvalidConfig is the only error that stops a worker from starting.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrRateProvider) ||
		errors.Is(err, ErrRateUnavailable)
}

// Failure reason codes stored on failed settlements. Only these reach API
// clients; the error behind a code is logged, never persisted.
const (
	ReasonRateUnavailable  = "rate_unavailable"
	ReasonRateProvider     = "rate_provider_error"
	ReasonConversionFailed = "conversion_failed"
)

// ClassifyFailure maps a conversion error to a reason code.
func ClassifyFailure(err error) string {
	switch {
	case errors.Is(err, ErrRateUnavailable):
		return ReasonRateUnavailable
	case errors.Is(err, ErrRateProvider):
		return ReasonRateProvider
	default:
		return ReasonConversionFailed
	}
}

// PublicFailureReason passes known codes through and collapses anything else,
// such as free text written by an operator or an older release, to
// ReasonConversionFailed.
func PublicFailureReason(reason string) string {
	switch reason {
	case "", ReasonRateUnavailable, ReasonRateProvider, ReasonConversionFailed:
		return reason
	default:
		return ReasonConversionFailed
	}
}
