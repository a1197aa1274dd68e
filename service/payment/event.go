package payment

import "time"

// SettlementEvent is the message published to notification sinks when a
// settlement is stored. Amounts are decimal strings.
type SettlementEvent struct {
	TransactionHash string    `json:"transaction_hash"`
	Sender          string    `json:"sender"`
	Receiver        string    `json:"receiver"`
	DestinationTag  *uint32   `json:"destination_tag,omitempty"`
	AmountNative    string    `json:"amount_native"`
	AmountFiat      string    `json:"amount_fiat,omitempty"`
	FiatCurrency    string    `json:"fiat_currency"`
	Status          Status    `json:"status"`
	LedgerSequence  uint64    `json:"ledger_sequence"`
	RateProvider    string    `json:"rate_provider,omitempty"`
	RateStale       bool      `json:"rate_stale,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	PublishedAt     time.Time `json:"published_at"`
}

// NewSettlementEvent builds the event for rec, stamped with publishedAt.
func NewSettlementEvent(rec SettlementRecord, publishedAt time.Time) *SettlementEvent {
	event := &SettlementEvent{
		TransactionHash: rec.TransactionHash,
		Sender:          rec.Sender,
		Receiver:        rec.Receiver,
		DestinationTag:  rec.DestinationTag,
		AmountNative:    rec.AmountNative.String(),
		FiatCurrency:    rec.FiatCurrency,
		Status:          rec.Status,
		LedgerSequence:  rec.LedgerSequence,
		RateProvider:    rec.RateProvider,
		RateStale:       rec.RateStale,
		CreatedAt:       rec.CreatedAt,
		PublishedAt:     publishedAt.UTC(),
	}
	if rec.AmountFiat != nil {
		event.AmountFiat = rec.AmountFiat.String()
	}
	return event
}
