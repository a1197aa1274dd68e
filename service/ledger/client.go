package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
)

const resultSuccess = "tesSUCCESS"

// Client fetches validated transactions for an account.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc       RPCClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pageLimit int
	maxPages  int
	now       func() time.Time
}

// Options controls paging. A fetch reads at most MaxPages pages of PageLimit
// transactions each; the rest is picked up by the next cycle. A ledger that
// the budget ends inside is always read to its end first.
type Options struct {
	PageLimit int
	MaxPages  int
}

// maxLedgerPages bounds how far a fetch follows the marker through a single
// ledger after the page budget is spent.
const maxLedgerPages = 1000

// NewClient creates a new ledger client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpc RPCClient, opts Options, m *metrics.Metrics, logger *slog.Logger) *Client {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 200
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	return &Client{
		rpc:       rpc,
		logger:    logger,
		metrics:   m,
		pageLimit: opts.PageLimit,
		maxPages:  opts.MaxPages,
		now:       time.Now,
	}
}

// FetchSince returns successful, validated transactions touching address with
// a ledger sequence strictly greater than cursor, in ledger order.
//
// Every returned ledger is complete, so a cursor advanced to the highest
// returned sequence never skips part of a ledger. When the page budget runs
// out, the last incomplete ledger is held back for the next fetch; when the
// budget runs out inside the only ledger seen so far, paging continues until
// that ledger ends.
//
// Any transport or node error is reported as payment.ErrLedgerUnavailable.
func (c *Client) FetchSince(ctx context.Context, address string, cursor uint64) ([]payment.RawTransaction, error) {
	page, err := c.FetchPage(ctx, address, cursor)
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

// FetchPage is FetchSince plus the highest ledger it read in full, which lets
// a caller move its cursor past ledgers that held only failed or unvalidated
// transactions.
func (c *Client) FetchPage(ctx context.Context, address string, cursor uint64) (payment.LedgerPage, error) {
	req := AccountTxRequest{
		Account:        address,
		LedgerIndexMin: -1,
		LedgerIndexMax: -1,
		Limit:          c.pageLimit,
		Forward:        true,
	}
	if cursor > 0 {
		req.LedgerIndexMin = int64(cursor) + 1
	}

	var items []AccountTxItem
	var marker json.RawMessage
	for page := 0; ; page++ {
		if page >= c.maxPages && !singleLedger(items) {
			break
		}
		if page >= c.maxPages+maxLedgerPages {
			return payment.LedgerPage{}, fmt.Errorf("%w: account_tx %s: ledger %d spans more than %d pages",
				payment.ErrLedgerUnavailable, address, items[0].Tx.LedgerIndex, maxLedgerPages)
		}
		req.Marker = marker

		start := time.Now()
		res, err := c.rpc.AccountTx(ctx, req)
		if err == nil && res.Status == "error" {
			if res.Error == "actNotFound" {
				c.recordCall("success", start)
				c.logger.DebugContext(ctx, "account not found on ledger, nothing to fetch",
					"address", address,
				)
				return payment.LedgerPage{}, nil
			}
			err = fmt.Errorf("node error %s: %s", res.Error, res.ErrorMessage)
		}
		if err != nil {
			c.recordCall("error", start)
			c.logger.WarnContext(ctx, "account_tx failed",
				"address", address,
				"cursor", cursor,
				"page", page,
				"error", err,
			)
			return payment.LedgerPage{}, fmt.Errorf("%w: account_tx %s: %v", payment.ErrLedgerUnavailable, address, err)
		}
		c.recordCall("success", start)

		items = append(items, res.Transactions...)
		marker = res.Marker
		if len(marker) == 0 {
			break
		}
	}

	// Trim on the raw page contents: a ledger whose entries were all dropped
	// by keepFinal still marks where the complete ledgers end.
	truncated := len(marker) > 0
	if truncated {
		items = trimTrailingLedger(items)
	}
	through := cursor
	for _, item := range items {
		if item.Tx.LedgerIndex > through {
			through = item.Tx.LedgerIndex
		}
	}
	items = keepFinal(items)

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Tx.LedgerIndex != items[j].Tx.LedgerIndex {
			return items[i].Tx.LedgerIndex < items[j].Tx.LedgerIndex
		}
		return items[i].Meta.TransactionIndex < items[j].Meta.TransactionIndex
	})

	observedAt := c.now().UTC()
	txs := make([]payment.RawTransaction, 0, len(items))
	for _, item := range items {
		if item.Tx.LedgerIndex <= cursor {
			continue
		}
		tx, err := toRawTransaction(item, observedAt)
		if err != nil {
			c.logger.ErrorContext(ctx, "skipping unparseable transaction",
				"address", address,
				"hash", item.Tx.Hash,
				"error", err,
			)
			continue
		}
		txs = append(txs, tx)
	}

	if c.metrics != nil {
		c.metrics.RecordTransactionsFetched(address, len(txs))
	}
	c.logger.DebugContext(ctx, "fetched ledger transactions",
		"address", address,
		"cursor", cursor,
		"count", len(txs),
		"through", through,
		"truncated", truncated,
	)

	return payment.LedgerPage{Transactions: txs, Through: through}, nil
}

func (c *Client) recordCall(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordLedgerCall("account_tx", status, metrics.Since(start))
	}
}

// singleLedger reports whether items is non-empty and belongs to one ledger.
func singleLedger(items []AccountTxItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items[1:] {
		if item.Tx.LedgerIndex != items[0].Tx.LedgerIndex {
			return false
		}
	}
	return true
}

// keepFinal drops transactions that are not validated or did not succeed.
func keepFinal(items []AccountTxItem) []AccountTxItem {
	out := items[:0]
	for _, item := range items {
		if item.Validated && item.Meta.TransactionResult == resultSuccess {
			out = append(out, item)
		}
	}
	return out
}

// trimTrailingLedger removes the highest ledger's transactions. The caller
// only trims after paging past the end of at least one earlier ledger.
func trimTrailingLedger(items []AccountTxItem) []AccountTxItem {
	var highest uint64
	for _, item := range items {
		if item.Tx.LedgerIndex > highest {
			highest = item.Tx.LedgerIndex
		}
	}
	out := items[:0]
	for _, item := range items {
		if item.Tx.LedgerIndex < highest {
			out = append(out, item)
		}
	}
	return out
}
