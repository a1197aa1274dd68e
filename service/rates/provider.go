package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
)

// Provider quotes the price of one currency in another.
type Provider interface {
	ID() string
	Quote(ctx context.Context, pair payment.Pair) (payment.Quote, error)
}

// HTTPProviderConfig describes a JSON price API. PriceQuery is a jq program
// evaluated against the decoded response with $base, $quote and $asset bound
// (upper-case codes and the provider-specific asset id).
type HTTPProviderConfig struct {
	ID         string
	URL        func(pair payment.Pair, asset string) string
	Headers    map[string]string
	PriceQuery string
	AssetIDs   map[string]string
}

// HTTPProvider fetches quotes from a JSON HTTP API.
type HTTPProvider struct {
	cfg        HTTPProviderConfig
	code       *gojq.Code
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPProvider compiles the price query and returns a provider. If
// httpClient is nil a client with a 10s timeout is used; the resolver applies
// its own per-call timeout on top.
func NewHTTPProvider(cfg HTTPProviderConfig, httpClient *http.Client) (*HTTPProvider, error) {
	query, err := gojq.Parse(cfg.PriceQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price query %q: %w", cfg.PriceQuery, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$base", "$quote", "$asset"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile price query %q: %w", cfg.PriceQuery, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{cfg: cfg, code: code, httpClient: httpClient, now: time.Now}, nil
}

// NewCoinMarketCapProvider returns a provider for the CoinMarketCap pro API.
func NewCoinMarketCapProvider(apiKey string, httpClient *http.Client) (*HTTPProvider, error) {
	return NewCoinMarketCapProviderAt("https://pro-api.coinmarketcap.com", apiKey, httpClient)
}

// NewCoinMarketCapProviderAt is NewCoinMarketCapProvider against a custom base URL.
func NewCoinMarketCapProviderAt(baseURL, apiKey string, httpClient *http.Client) (*HTTPProvider, error) {
	return NewHTTPProvider(HTTPProviderConfig{
		ID: "coinmarketcap",
		URL: func(pair payment.Pair, _ string) string {
			q := url.Values{"symbol": {pair.Base}, "convert": {pair.Quote}}
			return strings.TrimRight(baseURL, "/") + "/v1/cryptocurrency/quotes/latest?" + q.Encode()
		},
		Headers: map[string]string{
			"X-CMC_PRO_API_KEY": apiKey,
			"Accept":            "application/json",
		},
		PriceQuery: `.data[$base].quote[$quote].price`,
	}, httpClient)
}

// NewCoinGeckoProvider returns a provider for the CoinGecko simple price API.
// apiKey may be empty for the public tier.
func NewCoinGeckoProvider(apiKey string, httpClient *http.Client) (*HTTPProvider, error) {
	return NewCoinGeckoProviderAt("https://api.coingecko.com", apiKey, httpClient)
}

// NewCoinGeckoProviderAt is NewCoinGeckoProvider against a custom base URL.
func NewCoinGeckoProviderAt(baseURL, apiKey string, httpClient *http.Client) (*HTTPProvider, error) {
	headers := map[string]string{"Accept": "application/json"}
	if apiKey != "" {
		headers["x-cg-demo-api-key"] = apiKey
	}
	return NewHTTPProvider(HTTPProviderConfig{
		ID: "coingecko",
		URL: func(pair payment.Pair, asset string) string {
			q := url.Values{"ids": {asset}, "vs_currencies": {strings.ToLower(pair.Quote)}}
			return strings.TrimRight(baseURL, "/") + "/api/v3/simple/price?" + q.Encode()
		},
		Headers:    headers,
		PriceQuery: `.[$asset][$quote | ascii_downcase]`,
		AssetIDs:   map[string]string{"XRP": "ripple"},
	}, httpClient)
}

// ID returns the provider identifier used in logs, metrics and records.
func (p *HTTPProvider) ID() string {
	return p.cfg.ID
}

// Quote fetches the current price. All failures wrap payment.ErrRateProvider.
func (p *HTTPProvider) Quote(ctx context.Context, pair payment.Pair) (payment.Quote, error) {
	asset := pair.Base
	if id, ok := p.cfg.AssetIDs[pair.Base]; ok {
		asset = id
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL(pair, asset), nil)
	if err != nil {
		return payment.Quote{}, p.fail("failed to create request: %v", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return payment.Quote{}, p.fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return payment.Quote{}, p.fail("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return payment.Quote{}, p.fail("failed to decode response: %v", err)
	}

	iter := p.code.RunWithContext(ctx, body, pair.Base, pair.Quote, asset)
	v, ok := iter.Next()
	if !ok {
		return payment.Quote{}, p.fail("price query returned no value")
	}
	if err, isErr := v.(error); isErr {
		return payment.Quote{}, p.fail("price query failed: %v", err)
	}

	price, err := toDecimal(v)
	if err != nil {
		return payment.Quote{}, p.fail("%v", err)
	}
	if !price.IsPositive() {
		return payment.Quote{}, p.fail("non-positive price %s", price)
	}

	return payment.Quote{
		Pair:       pair,
		Price:      price,
		FetchedAt:  p.now().UTC(),
		ProviderID: p.cfg.ID,
	}, nil
}

func (p *HTTPProvider) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", payment.ErrRateProvider, p.cfg.ID, fmt.Sprintf(format, args...))
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", n, err)
		}
		return d, nil
	case nil:
		return decimal.Decimal{}, fmt.Errorf("price missing from response")
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected price type %T", v)
	}
}
