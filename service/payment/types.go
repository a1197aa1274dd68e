package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the ledger's native asset code.
const NativeCurrency = "XRP"

// TransactionType is the ledger transaction type as reported by the node.
type TransactionType string

const (
	TypePayment      TransactionType = "Payment"
	TypeOfferCreate  TransactionType = "OfferCreate"
	TypeTrustSet     TransactionType = "TrustSet"
	TypeAccountSet   TransactionType = "AccountSet"
	TypeEscrowFinish TransactionType = "EscrowFinish"
)

// RawTransaction is a transaction as observed on the ledger. It is never
// mutated after the ledger client constructs it.
type RawTransaction struct {
	Hash               string
	SourceAddress      string
	DestinationAddress string
	DestinationTag     *uint32
	Amount             decimal.Decimal
	Currency           string
	LedgerSequence     uint64
	ObservedAt         time.Time // when this process fetched it
	CloseTime          time.Time // ledger close time, zero when the node omits it
	Type               TransactionType
}

// LedgerPage is one fetch from the ledger. Through is the highest ledger
// sequence read in full; it can exceed every returned transaction when the
// tail of the read held nothing eligible for return.
type LedgerPage struct {
	Transactions []RawTransaction
	Through      uint64
}

// IsNative reports whether the transaction moves the ledger's native asset.
func (t RawTransaction) IsNative() bool {
	return t.Currency == "" || strings.EqualFold(t.Currency, NativeCurrency)
}

// Pair identifies a currency pair, e.g. XRP/USD.
type Pair struct {
	Base  string
	Quote string
}

// NewPair builds a pair with upper-cased currency codes.
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ParsePair parses "XRP/USD" style identifiers.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: expected BASE/QUOTE", s)
	}
	return NewPair(base, quote), nil
}

// Quote is a price observation from a single provider.
type Quote struct {
	Pair       Pair
	Price      decimal.Decimal
	FetchedAt  time.Time
	ProviderID string
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Rate is what the resolver hands back: a quote plus whether it was served
// from the stale grace window.
type Rate struct {
	Quote
	Stale bool
}

// SettlementRecord is the durable outcome for one ledger transaction.
type SettlementRecord struct {
	TransactionHash string
	Sender          string
	Receiver        string
	DestinationTag  *uint32
	AmountNative    decimal.Decimal
	AmountFiat      *decimal.Decimal
	FiatCurrency    string
	Status          Status
	LedgerSequence  uint64
	RateProvider    string
	RateStale       bool
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PageCursor is a keyset position for ListRecent. Records strictly older than
// the cursor (by CreatedAt, then hash) are returned.
type PageCursor struct {
	CreatedAt       time.Time
	TransactionHash string
}

// CursorFor returns the cursor that continues after r.
func CursorFor(r *SettlementRecord) *PageCursor {
	return &PageCursor{CreatedAt: r.CreatedAt, TransactionHash: r.TransactionHash}
}
