package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const merchant = "rMerchant1xxxxxxxxxxxxxxxxxxxxxxx"

// mockRPCClient implements RPCClient for testing.
// Pages are returned in order; every request is recorded.
type mockRPCClient struct {
	pages    []*AccountTxResult
	err      error
	requests []AccountTxRequest
}

func (m *mockRPCClient) AccountTx(ctx context.Context, req AccountTxRequest) (*AccountTxResult, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.pages) == 0 {
		return &AccountTxResult{Status: "success"}, nil
	}
	page := m.pages[0]
	m.pages = m.pages[1:]
	return page, nil
}

func newTestClient(rpc RPCClient, opts Options) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(rpc, opts, nil, logger)
}

func paymentItem(hash string, ledgerIndex uint64, txIndex uint32, drops string) AccountTxItem {
	return AccountTxItem{
		Tx: TxJSON{
			Hash:            hash,
			TransactionType: "Payment",
			Account:         "rSender",
			Destination:     merchant,
			Amount:          json.RawMessage(`"` + drops + `"`),
			LedgerIndex:     ledgerIndex,
			Date:            750000000,
		},
		Meta: MetaJSON{
			TransactionResult: "tesSUCCESS",
			TransactionIndex:  txIndex,
			DeliveredAmount:   json.RawMessage(`"` + drops + `"`),
		},
		Validated: true,
	}
}

func TestFetchSince_ConvertsDropsAndOrders(t *testing.T) {
	rpc := &mockRPCClient{pages: []*AccountTxResult{{
		Status: "success",
		Transactions: []AccountTxItem{
			paymentItem("H2", 101, 0, "2500000"),
			paymentItem("H1", 100, 3, "10000000"),
			paymentItem("H0", 100, 1, "1"),
		},
	}}}
	c := newTestClient(rpc, Options{})
	fetchedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fetchedAt }

	txs, err := c.FetchSince(context.Background(), merchant, 99)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	assert.Equal(t, []string{"H0", "H1", "H2"}, []string{txs[0].Hash, txs[1].Hash, txs[2].Hash})
	assert.True(t, decimal.RequireFromString("10").Equal(txs[1].Amount))
	assert.True(t, decimal.RequireFromString("0.000001").Equal(txs[0].Amount))
	assert.Equal(t, payment.NativeCurrency, txs[1].Currency)
	assert.Equal(t, payment.TypePayment, txs[1].Type)
	assert.Equal(t, fetchedAt, txs[1].ObservedAt)
	assert.Equal(t, time.Unix(750000000+rippleEpoch, 0).UTC(), txs[1].CloseTime)

	require.Len(t, rpc.requests, 1)
	assert.Equal(t, int64(100), rpc.requests[0].LedgerIndexMin)
	assert.True(t, rpc.requests[0].Forward)
}

func TestFetchSince_ZeroCursorStartsAtEarliest(t *testing.T) {
	rpc := &mockRPCClient{}
	c := newTestClient(rpc, Options{})

	txs, err := c.FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, int64(-1), rpc.requests[0].LedgerIndexMin)
}

func TestFetchSince_FiltersUnvalidatedAndFailed(t *testing.T) {
	pending := paymentItem("HP", 100, 0, "5000000")
	pending.Validated = false
	failed := paymentItem("HF", 100, 1, "5000000")
	failed.Meta.TransactionResult = "tecUNFUNDED_PAYMENT"

	rpc := &mockRPCClient{pages: []*AccountTxResult{{
		Status:       "success",
		Transactions: []AccountTxItem{pending, failed, paymentItem("HOK", 100, 2, "5000000")},
	}}}
	c := newTestClient(rpc, Options{})

	txs, err := c.FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "HOK", txs[0].Hash)
}

func TestFetchSince_PartialPaymentUsesDeliveredAmount(t *testing.T) {
	item := paymentItem("HPP", 100, 0, "10000000")
	item.Meta.DeliveredAmount = json.RawMessage(`"4000000"`)

	rpc := &mockRPCClient{pages: []*AccountTxResult{{Status: "success", Transactions: []AccountTxItem{item}}}}
	txs, err := newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, decimal.RequireFromString("4").Equal(txs[0].Amount))
}

func TestFetchSince_IssuedCurrency(t *testing.T) {
	item := paymentItem("HIOU", 100, 0, "0")
	item.Meta.DeliveredAmount = json.RawMessage(`{"currency":"usd","issuer":"rIssuer","value":"12.5"}`)

	rpc := &mockRPCClient{pages: []*AccountTxResult{{Status: "success", Transactions: []AccountTxItem{item}}}}
	txs, err := newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "USD", txs[0].Currency)
	assert.False(t, txs[0].IsNative())
}

func TestFetchSince_PagesWithMarker(t *testing.T) {
	rpc := &mockRPCClient{pages: []*AccountTxResult{
		{Status: "success", Marker: json.RawMessage(`{"ledger":100,"seq":1}`), Transactions: []AccountTxItem{paymentItem("H1", 100, 0, "1000000")}},
		{Status: "success", Transactions: []AccountTxItem{paymentItem("H2", 100, 1, "1000000"), paymentItem("H3", 101, 0, "1000000")}},
	}}
	c := newTestClient(rpc, Options{MaxPages: 5})

	txs, err := c.FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	require.Len(t, rpc.requests, 2)
	assert.JSONEq(t, `{"ledger":100,"seq":1}`, string(rpc.requests[1].Marker))
}

func TestFetchSince_TrimsIncompleteTrailingLedger(t *testing.T) {
	rpc := &mockRPCClient{pages: []*AccountTxResult{
		{Status: "success", Marker: json.RawMessage(`{"ledger":101,"seq":1}`), Transactions: []AccountTxItem{
			paymentItem("H1", 100, 0, "1000000"),
			paymentItem("H2", 101, 0, "1000000"),
		}},
	}}
	c := newTestClient(rpc, Options{MaxPages: 1})

	txs, err := c.FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "H1", txs[0].Hash)
}

func TestFetchSince_BudgetEndsInsideOnlyLedger(t *testing.T) {
	// Page budget is spent inside ledger 100; the fetch keeps paging until
	// the ledger ends and then holds back the ledger it ran into.
	rpc := &mockRPCClient{pages: []*AccountTxResult{
		{Status: "success", Marker: json.RawMessage(`{"ledger":100,"seq":2}`), Transactions: []AccountTxItem{
			paymentItem("H1", 100, 0, "1000000"),
			paymentItem("H2", 100, 1, "1000000"),
		}},
		{Status: "success", Marker: json.RawMessage(`{"ledger":101,"seq":1}`), Transactions: []AccountTxItem{
			paymentItem("H3", 100, 2, "1000000"),
			paymentItem("H4", 101, 0, "1000000"),
		}},
	}}
	c := newTestClient(rpc, Options{PageLimit: 2, MaxPages: 1})

	txs, err := c.FetchSince(context.Background(), merchant, 99)
	require.NoError(t, err)
	require.Len(t, rpc.requests, 2)
	assert.JSONEq(t, `{"ledger":100,"seq":2}`, string(rpc.requests[1].Marker))

	require.Len(t, txs, 3)
	assert.Equal(t, []string{"H1", "H2", "H3"}, []string{txs[0].Hash, txs[1].Hash, txs[2].Hash})
}

func TestFetchSince_OnlyLedgerReadToEnd(t *testing.T) {
	rpc := &mockRPCClient{pages: []*AccountTxResult{
		{Status: "success", Marker: json.RawMessage(`{"ledger":100,"seq":2}`), Transactions: []AccountTxItem{
			paymentItem("H1", 100, 0, "1000000"),
			paymentItem("H2", 100, 1, "1000000"),
		}},
		{Status: "success", Transactions: []AccountTxItem{paymentItem("H3", 100, 2, "1000000")}},
	}}
	c := newTestClient(rpc, Options{PageLimit: 2, MaxPages: 1})

	txs, err := c.FetchSince(context.Background(), merchant, 99)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "H3", txs[2].Hash)
}

func TestFetchSince_TrimUsesUnfilteredLedgers(t *testing.T) {
	// Ledger 100 holds only a failed transaction, ledger 101 is cut off by
	// the budget. Nothing may be returned from 101.
	failed := paymentItem("HF", 100, 0, "1000000")
	failed.Meta.TransactionResult = "tecUNFUNDED_PAYMENT"

	rpc := &mockRPCClient{pages: []*AccountTxResult{
		{Status: "success", Marker: json.RawMessage(`{"ledger":101,"seq":1}`), Transactions: []AccountTxItem{
			failed,
			paymentItem("H2", 101, 0, "1000000"),
		}},
	}}
	c := newTestClient(rpc, Options{PageLimit: 2, MaxPages: 1})

	txs, err := c.FetchSince(context.Background(), merchant, 99)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestFetchSince_TransportErrorIsUnavailable(t *testing.T) {
	rpc := &mockRPCClient{err: errors.New("connection refused")}
	_, err := newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrLedgerUnavailable)
}

func TestFetchSince_NodeErrors(t *testing.T) {
	rpc := &mockRPCClient{pages: []*AccountTxResult{{Status: "error", Error: "actNotFound"}}}
	txs, err := newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	rpc = &mockRPCClient{pages: []*AccountTxResult{{Status: "error", Error: "tooBusy", ErrorMessage: "The server is too busy"}}}
	_, err = newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 0)
	assert.ErrorIs(t, err, payment.ErrLedgerUnavailable)
}

func TestHTTPRPC_AccountTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string             `json:"method"`
			Params []AccountTxRequest `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "account_tx", req.Method)
		require.Len(t, req.Params, 1)
		assert.Equal(t, merchant, req.Params[0].Account)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"account":"` + merchant + `","status":"success","validated":true,
			"transactions":[{"validated":true,
				"meta":{"TransactionResult":"tesSUCCESS","TransactionIndex":0,"delivered_amount":"10000000"},
				"tx":{"hash":"H1","TransactionType":"Payment","Account":"rSender","Destination":"` + merchant + `",
					"DestinationTag":7,"Amount":"10000000","ledger_index":100,"date":750000000}}]}}`))
	}))
	defer srv.Close()

	rpc := NewHTTPRPC(srv.URL, nil, 5*time.Second)
	txs, err := newTestClient(rpc, Options{}).FetchSince(context.Background(), merchant, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].DestinationTag)
	assert.Equal(t, uint32(7), *txs[0].DestinationTag)
	assert.Equal(t, uint64(100), txs[0].LedgerSequence)
}

func TestHTTPRPC_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPRPC(srv.URL, nil, time.Second).AccountTx(context.Background(), AccountTxRequest{Account: merchant})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDropsConversion(t *testing.T) {
	assert.True(t, decimal.RequireFromString("1").Equal(DropsToXRP(decimal.NewFromInt(DropsPerXRP))))
	assert.True(t, decimal.NewFromInt(123456).Equal(XRPToDrops(decimal.RequireFromString("0.1234567"))))
}
