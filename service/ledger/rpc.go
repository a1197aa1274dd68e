package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RPCClient is the subset of the XRPL JSON-RPC API we need.
// This allows us to mock the RPC layer in tests without hitting real nodes.
type RPCClient interface {
	AccountTx(ctx context.Context, req AccountTxRequest) (*AccountTxResult, error)
}

// HTTPRPC talks JSON-RPC to an rippled or clio node over HTTP.
type HTTPRPC struct {
	url        string
	httpClient *http.Client
}

// NewHTTPRPC creates a JSON-RPC transport. If httpClient is nil a client with
// the given timeout is used.
func NewHTTPRPC(url string, httpClient *http.Client, timeout time.Duration) *HTTPRPC {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPRPC{url: url, httpClient: httpClient}
}

// AccountTx calls account_tx. Transport failures, non-2xx responses and
// node-reported errors are all returned as errors; callers classify them.
func (r *HTTPRPC) AccountTx(ctx context.Context, req AccountTxRequest) (*AccountTxResult, error) {
	body, err := json.Marshal(rpcRequest{Method: "account_tx", Params: []any{req}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(snippet))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out.Result, nil
}
