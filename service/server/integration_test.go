package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/brojonat/flexrp/client"
	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/server"
	"github.com/brojonat/flexrp/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServerIntegration exercises the full request/response cycle against a
// real store through the HTTP client.
func TestServerIntegration(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "flexrp.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	hashes := []string{
		"1111111111111111111111111111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222222222222222222222222222",
		"3333333333333333333333333333333333333333333333333333333333333333",
	}
	for i, h := range hashes {
		rec := &payment.SettlementRecord{
			TransactionHash: h,
			Sender:          "rSender",
			Receiver:        "rMerchant",
			AmountNative:    decimal.NewFromInt(int64(i + 1)),
			FiatCurrency:    "USD",
			Status:          payment.StatusFailed,
			FailureReason:   payment.ReasonRateUnavailable,
			LedgerSequence:  uint64(100 + i),
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
			UpdatedAt:       base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Insert(ctx, rec))
	}

	fiat := decimal.RequireFromString("0.50")
	require.NoError(t, store.Transition(ctx, hashes[0], db.StatusUpdate{
		Status:       payment.StatusConverted,
		AmountFiat:   &fiat,
		RateProvider: "coingecko",
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := temporal.NewMockScheduler()
	srv := server.New(":0", store, scheduler, 10, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, nil)

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, c.Health(ctx))
	})

	t.Run("paginate all", func(t *testing.T) {
		var seen []string
		cursor := ""
		for {
			page, err := c.ListSettlements(ctx, 2, cursor)
			require.NoError(t, err)
			for _, s := range page.Settlements {
				seen = append(seen, s.TransactionHash)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, []string{hashes[2], hashes[1], hashes[0]}, seen)
	})

	t.Run("get converted", func(t *testing.T) {
		s, err := c.GetSettlement(ctx, hashes[0])
		require.NoError(t, err)
		assert.Equal(t, "converted", s.Status)
		assert.Equal(t, "0.5", s.AmountFiat.String())
	})

	t.Run("failed listing and stats", func(t *testing.T) {
		failed, err := c.ListFailed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.Equal(t, hashes[1], failed[0].TransactionHash)

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Total)
		assert.Equal(t, int64(2), stats.ByStatus["failed"])
	})

	t.Run("replay", func(t *testing.T) {
		id, err := c.Replay(ctx, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, []int{10}, scheduler.Started())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.GetSettlement(ctx, "4444444444444444444444444444444444444444444444444444444444444444")
		assert.ErrorIs(t, err, client.ErrNotFound)
	})
}
