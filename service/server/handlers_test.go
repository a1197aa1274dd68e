package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	hashB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

// fakeStore is an in-memory StoreInterface.
type fakeStore struct {
	mu      sync.Mutex
	recs    []*payment.SettlementRecord // newest first
	err     error
	pingErr error
	before  *payment.PageCursor
}

func (f *fakeStore) GetByHash(ctx context.Context, hash string) (*payment.SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.recs {
		if r.TransactionHash == hash {
			return r, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (f *fakeStore) ListRecent(ctx context.Context, limit int, before *payment.PageCursor) ([]*payment.SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.before = before
	var out []*payment.SettlementRecord
	for _, r := range f.recs {
		if before != nil && !r.CreatedAt.Before(before.CreatedAt) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListFailed(ctx context.Context, limit int) ([]*payment.SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*payment.SettlementRecord
	for _, r := range f.recs {
		if r.Status == payment.StatusFailed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (map[payment.Status]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	counts := map[payment.Status]int64{}
	for _, r := range f.recs {
		counts[r.Status]++
	}
	return counts, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore() *fakeStore {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fiat := decimal.RequireFromString("5.25")
	return &fakeStore{recs: []*payment.SettlementRecord{
		{
			TransactionHash: hashB,
			Receiver:        "rMerchant",
			AmountNative:    decimal.RequireFromString("3"),
			FiatCurrency:    "USD",
			Status:          payment.StatusFailed,
			FailureReason:   payment.ReasonRateUnavailable,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			TransactionHash: hashA,
			Receiver:        "rMerchant",
			AmountNative:    decimal.RequireFromString("10.5"),
			AmountFiat:      &fiat,
			FiatCurrency:    "USD",
			Status:          payment.StatusConverted,
			RateProvider:    "coinmarketcap",
			CreatedAt:       now.Add(-time.Minute),
			UpdatedAt:       now.Add(-time.Minute),
		},
	}}
}

func newTestServer(store StoreInterface, scheduler temporal.ReplayScheduler) http.Handler {
	return New(":0", store, scheduler, 100, nil, nil, testLogger()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetSettlement(t *testing.T) {
	h := newTestServer(seededStore(), nil)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"found", "/api/v1/settlements/" + hashA, http.StatusOK},
		{"lowercase hash normalized", "/api/v1/settlements/" + strings.ToLower(hashA), http.StatusOK},
		{"not found", "/api/v1/settlements/" + strings.Repeat("C", 64), http.StatusNotFound},
		{"invalid hash", "/api/v1/settlements/not-a-hash", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				var got settlementResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
				assert.Equal(t, hashA, got.TransactionHash)
				assert.Equal(t, "10.5", got.AmountNative)
				require.NotNil(t, got.AmountFiat)
				assert.Equal(t, "5.25", *got.AmountFiat)
			}
		})
	}
}

func TestGetSettlement_StoreErrorIsGeneric(t *testing.T) {
	store := seededStore()
	store.err = errors.New("pq: connection refused at 10.0.0.5")
	h := newTestServer(store, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/settlements/"+hashA, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestListSettlements_Pagination(t *testing.T) {
	store := seededStore()
	h := newTestServer(store, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/settlements?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Settlements []settlementResponse `json:"settlements"`
		Count       int                  `json:"count"`
		NextCursor  string               `json:"next_cursor"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Equal(t, 1, page.Count)
	assert.Equal(t, hashB, page.Settlements[0].TransactionHash)
	require.NotEmpty(t, page.NextCursor)

	rec = do(t, h, http.MethodGet, "/api/v1/settlements?limit=1&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page.NextCursor = ""
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, hashA, page.Settlements[0].TransactionHash)
	require.NotNil(t, store.before)
	assert.Equal(t, hashB, store.before.TransactionHash)
}

func TestListSettlements_BadInput(t *testing.T) {
	h := newTestServer(seededStore(), nil)

	for _, target := range []string{
		"/api/v1/settlements?limit=0",
		"/api/v1/settlements?limit=abc",
		"/api/v1/settlements?limit=100000",
		"/api/v1/settlements?cursor=bm9kb3Q",
	} {
		rec := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListFailed(t *testing.T) {
	h := newTestServer(seededStore(), nil)

	rec := do(t, h, http.MethodGet, "/api/v1/settlements/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Settlements []settlementResponse `json:"settlements"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Settlements, 1)
	assert.Equal(t, payment.StatusFailed, page.Settlements[0].Status)
	assert.Equal(t, payment.ReasonRateUnavailable, page.Settlements[0].FailureReason)
}

func TestSettlementResponse_HidesRawFailureText(t *testing.T) {
	store := seededStore()
	store.recs[0].FailureReason = `rate provider error: coinmarketcap: unexpected status code 401: {"status":{"error_message":"API key invalid"}}`
	h := newTestServer(store, nil)

	for _, target := range []string{
		"/api/v1/settlements/" + hashB,
		"/api/v1/settlements",
		"/api/v1/settlements/failed",
	} {
		rec := do(t, h, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
		body := rec.Body.String()
		assert.NotContains(t, body, "API key", target)
		assert.NotContains(t, body, "401", target)
		assert.Contains(t, body, payment.ReasonConversionFailed, target)
	}
}

func TestReplayFailed(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := newTestServer(seededStore(), nil)
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("default batch", func(t *testing.T) {
		scheduler := temporal.NewMockScheduler()
		h := newTestServer(seededStore(), scheduler)
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []int{100}, scheduler.Started())
		assert.Contains(t, rec.Body.String(), "replay-1")
	})

	t.Run("explicit batch", func(t *testing.T) {
		scheduler := temporal.NewMockScheduler()
		h := newTestServer(seededStore(), scheduler)
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", `{"batch_size":7}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []int{7}, scheduler.Started())
	})

	t.Run("invalid batch", func(t *testing.T) {
		h := newTestServer(seededStore(), temporal.NewMockScheduler())
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", `{"batch_size":-1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newTestServer(seededStore(), temporal.NewMockScheduler())
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", `{"batch_size":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid request body")
	})

	t.Run("scheduler error", func(t *testing.T) {
		scheduler := temporal.NewMockScheduler()
		scheduler.SetStartError(errors.New("temporal unreachable"))
		h := newTestServer(seededStore(), scheduler)
		rec := do(t, h, http.MethodPost, "/api/v1/settlements/failed/replay", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "unreachable")
	})
}

func TestStats(t *testing.T) {
	h := newTestServer(seededStore(), nil)

	rec := do(t, h, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ByStatus map[string]int64 `json:"by_status"`
		Total    int64            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, int64(2), body.Total)
	assert.Equal(t, int64(1), body.ByStatus["failed"])
}

func TestHealthAndCORS(t *testing.T) {
	store := seededStore()
	h := newTestServer(store, nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	store.pingErr = errors.New("down")
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodOptions, "/api/v1/settlements", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCursorRoundTrip(t *testing.T) {
	c := &payment.PageCursor{CreatedAt: time.UnixMicro(1700000000123456).UTC(), TransactionHash: hashA}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.TransactionHash, got.TransactionHash)
}
