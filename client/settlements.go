// Package client is the HTTP client for the flexrp settlement read API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the server has no settlement for a hash.
var ErrNotFound = errors.New("settlement not found")

// Settlement is a stored settlement as returned by the server.
type Settlement struct {
	TransactionHash string           `json:"transaction_hash"`
	Sender          string           `json:"sender"`
	Receiver        string           `json:"receiver"`
	DestinationTag  *uint32          `json:"destination_tag,omitempty"`
	AmountNative    decimal.Decimal  `json:"amount_native"`
	AmountFiat      *decimal.Decimal `json:"amount_fiat,omitempty"`
	FiatCurrency    string           `json:"fiat_currency"`
	Status          string           `json:"status"`
	LedgerSequence  uint64           `json:"ledger_sequence"`
	RateProvider    string           `json:"rate_provider,omitempty"`
	RateStale       bool             `json:"rate_stale"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SettlementPage is one page of ListSettlements. NextCursor is empty on the
// last page.
type SettlementPage struct {
	Settlements []*Settlement `json:"settlements"`
	Count       int           `json:"count"`
	NextCursor  string        `json:"next_cursor,omitempty"`
}

// Stats is the settlement count per status.
type Stats struct {
	ByStatus map[string]int64 `json:"by_status"`
	Total    int64            `json:"total"`
}

// Client is the HTTP client for the flexrp settlement service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new settlement service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ListSettlements returns the newest settlements. Pass the previous page's
// NextCursor to continue; limit 0 uses the server default.
func (c *Client) ListSettlements(ctx context.Context, limit int, cursor string) (*SettlementPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page SettlementPage
	if err := c.getJSON(ctx, "/api/v1/settlements", q, &page); err != nil {
		return nil, err
	}
	c.logger.Debug("settlements listed", "count", page.Count)
	return &page, nil
}

// GetSettlement returns the settlement for hash or ErrNotFound.
func (c *Client) GetSettlement(ctx context.Context, hash string) (*Settlement, error) {
	var s Settlement
	if err := c.getJSON(ctx, "/api/v1/settlements/"+url.PathEscape(hash), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListFailed returns failed settlements, oldest first.
func (c *Client) ListFailed(ctx context.Context, limit int) ([]*Settlement, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page SettlementPage
	if err := c.getJSON(ctx, "/api/v1/settlements/failed", q, &page); err != nil {
		return nil, err
	}
	return page.Settlements, nil
}

// Stats returns settlement counts by status.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.getJSON(ctx, "/api/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Replay asks the server to start a replay of failed settlements and returns
// the workflow ID. batchSize 0 uses the server default.
func (c *Client) Replay(ctx context.Context, batchSize int) (string, error) {
	var body io.Reader
	if batchSize > 0 {
		b, err := json.Marshal(map[string]int{"batch_size": batchSize})
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/settlements/failed/replay", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", c.parseErrorResponse(resp)
	}

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("replay started", "workflow_id", out.WorkflowID)
	return out.WorkflowID, nil
}

// Health returns nil when the server reports healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server unhealthy (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Await polls until a settlement for hash exists and is no longer failed,
// or ctx is done. It is meant for checkout flows that hand a merchant the
// hash of a submitted payment.
func (c *Client) Await(ctx context.Context, hash string, interval time.Duration) (*Settlement, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := c.GetSettlement(ctx, hash)
		switch {
		case err == nil && s.Status != "failed":
			return s, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			c.logger.Debug("await poll failed", "hash", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
