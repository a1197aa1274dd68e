package ledger

import "encoding/json"

// Wire types for the XRPL JSON-RPC account_tx method. Only the fields the
// ingestion pipeline reads are decoded.

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// AccountTxRequest is the parameter object of an account_tx call.
type AccountTxRequest struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Limit          int             `json:"limit,omitempty"`
	Forward        bool            `json:"forward"`
	Marker         json.RawMessage `json:"marker,omitempty"`
}

// AccountTxResult is the result object of an account_tx call.
type AccountTxResult struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Marker         json.RawMessage `json:"marker,omitempty"`
	Transactions   []AccountTxItem `json:"transactions"`
	Validated      bool            `json:"validated"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// AccountTxItem pairs a transaction with its metadata.
type AccountTxItem struct {
	Tx        TxJSON   `json:"tx"`
	Meta      MetaJSON `json:"meta"`
	Validated bool     `json:"validated"`
}

// TxJSON is the subset of transaction fields we consume.
type TxJSON struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	DestinationTag  *uint32         `json:"DestinationTag,omitempty"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     uint64          `json:"ledger_index"`
	Date            int64           `json:"date"`
}

// MetaJSON is the subset of transaction metadata we consume.
type MetaJSON struct {
	TransactionResult string          `json:"TransactionResult"`
	TransactionIndex  uint32          `json:"TransactionIndex"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount,omitempty"`
}

// issuedAmount is the object form of an Amount field (non-native assets).
type issuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

type rpcResponse struct {
	Result AccountTxResult `json:"result"`
}
