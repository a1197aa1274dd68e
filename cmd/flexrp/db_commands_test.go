package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const (
	testMerchant  = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	convertedHash = "A1B2C3D4E5F60718293A4B5C6D7E8F90A1B2C3D4E5F60718293A4B5C6D7E8F90"
	failedHash    = "0F9E8D7C6B5A49382716F5E4D3C2B1A00F9E8D7C6B5A49382716F5E4D3C2B1A0"
)

// createTestApp returns the CLI with its output captured.
func createTestApp() (*cli.App, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	return app, &out, &errOut
}

// setupTestStore seeds a SQLite store and returns its path.
func setupTestStore(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flexrp.db")
	store, err := sqlite.Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	fiat := decimal.RequireFromString("5.23")

	require.NoError(t, store.Insert(ctx, &payment.SettlementRecord{
		TransactionHash: convertedHash,
		Sender:          "rSenderAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Receiver:        testMerchant,
		AmountNative:    decimal.RequireFromString("10"),
		AmountFiat:      &fiat,
		FiatCurrency:    "USD",
		Status:          payment.StatusConverted,
		LedgerSequence:  1000,
		RateProvider:    "coinmarketcap",
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, store.Insert(ctx, &payment.SettlementRecord{
		TransactionHash: failedHash,
		Sender:          "rSenderBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Receiver:        testMerchant,
		AmountNative:    decimal.RequireFromString("2.5"),
		FiatCurrency:    "USD",
		Status:          payment.StatusFailed,
		LedgerSequence:  1001,
		FailureReason:   payment.ReasonRateUnavailable,
		CreatedAt:       now.Add(time.Second),
		UpdatedAt:       now.Add(time.Second),
	}))
	require.NoError(t, store.SetCursor(ctx, testMerchant, 1001))

	return path
}

func TestDBListCommand(t *testing.T) {
	path := setupTestStore(t)

	tests := []struct {
		name      string
		args      []string
		checkFunc func(t *testing.T, output string)
	}{
		{
			name: "list all settlements",
			args: []string{"flexrp", "--sqlite-path", path, "db", "list"},
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, convertedHash)
				assert.Contains(t, output, failedHash)
				assert.Contains(t, output, "5.23 USD")
			},
		},
		{
			name: "filter by status",
			args: []string{"flexrp", "--sqlite-path", path, "db", "list", "--status", "failed"},
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, failedHash)
				assert.NotContains(t, output, convertedHash)
			},
		},
		{
			name: "limit",
			args: []string{"flexrp", "--sqlite-path", path, "db", "list", "-n", "1"},
			checkFunc: func(t *testing.T, output string) {
				// Newest first.
				assert.Contains(t, output, failedHash)
				assert.NotContains(t, output, convertedHash)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, out, _ := createTestApp()
			require.NoError(t, app.Run(tt.args))
			tt.checkFunc(t, out.String())
		})
	}
}

func TestDBListCommand_InvalidStatus(t *testing.T) {
	path := setupTestStore(t)

	app, _, _ := createTestApp()
	err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "list", "--status", "refunded"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown settlement status")
}

func TestDBGetCommand(t *testing.T) {
	path := setupTestStore(t)

	t.Run("human output accepts lower case", func(t *testing.T) {
		app, out, _ := createTestApp()
		err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "get", "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"})
		require.NoError(t, err)

		output := out.String()
		assert.Contains(t, output, convertedHash)
		assert.Contains(t, output, "10 XRP")
		assert.Contains(t, output, "5.23 USD")
		assert.Contains(t, output, "coinmarketcap")
	})

	t.Run("json output", func(t *testing.T) {
		app, out, _ := createTestApp()
		require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "--json", "db", "get", failedHash}))

		var rec payment.SettlementRecord
		require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
		assert.Equal(t, failedHash, rec.TransactionHash)
		assert.Equal(t, payment.StatusFailed, rec.Status)
	})

	t.Run("not found", func(t *testing.T) {
		app, _, _ := createTestApp()
		err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "get", "FFFF"})
		require.Error(t, err)
		assert.ErrorIs(t, err, payment.ErrNotFound)
	})

	t.Run("missing argument", func(t *testing.T) {
		app, _, _ := createTestApp()
		err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "get"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exactly one argument")
	})
}

func TestDBFailedAndStatsCommands(t *testing.T) {
	path := setupTestStore(t)

	app, out, _ := createTestApp()
	require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "db", "failed"}))
	assert.Contains(t, out.String(), failedHash)
	assert.Contains(t, out.String(), payment.ReasonRateUnavailable)
	assert.NotContains(t, out.String(), convertedHash)

	app, out, _ = createTestApp()
	require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "--json", "db", "stats"}))

	var counts map[string]int64
	require.NoError(t, json.Unmarshal(out.Bytes(), &counts))
	assert.Equal(t, int64(1), counts["converted"])
	assert.Equal(t, int64(1), counts["failed"])
}

func TestDBCursorCommands(t *testing.T) {
	path := setupTestStore(t)

	app, out, _ := createTestApp()
	require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "db", "cursor", "get", testMerchant}))
	assert.Contains(t, out.String(), "1001")

	t.Run("reset requires force", func(t *testing.T) {
		app, _, _ := createTestApp()
		err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "cursor", "reset", testMerchant, "500"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--force")
	})

	t.Run("reset rejects bad sequence", func(t *testing.T) {
		app, _, _ := createTestApp()
		err := app.Run([]string{"flexrp", "--sqlite-path", path, "db", "cursor", "reset", "--force", testMerchant, "abc"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ledger sequence")
	})

	t.Run("reset moves backwards", func(t *testing.T) {
		app, _, _ := createTestApp()
		require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "db", "cursor", "reset", "--force", testMerchant, "500"}))

		app, out, _ := createTestApp()
		require.NoError(t, app.Run([]string{"flexrp", "--sqlite-path", path, "--json", "db", "cursor", "get", testMerchant}))

		var got struct {
			LedgerSequence uint64 `json:"ledger_sequence"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.Equal(t, uint64(500), got.LedgerSequence)
	})
}

func TestGetStore_RequiresLocation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")

	app, _, _ := createTestApp()
	err := app.Run([]string{"flexrp", "db", "list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database-url or sqlite-path is required")
}
