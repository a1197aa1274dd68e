package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/config"
	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/rates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_RequiresMerchantAddresses(t *testing.T) {
	cfg := &config.Config{SQLitePath: ":memory:"}

	err := run(cfg, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrInvalidConfig)
}

func TestOpenSink_UnreachableNATSDisablesNotifications(t *testing.T) {
	cfg := &config.Config{NotifySink: "nats", NATSURL: "nats://127.0.0.1:1"}

	s := openSink(cfg, nil, discardLogger())
	assert.Nil(t, s)
}

func TestOpenSink_Disabled(t *testing.T) {
	assert.Nil(t, openSink(&config.Config{NotifySink: "none"}, nil, discardLogger()))
}

func TestStartReplayWorker_UnreachableTemporal(t *testing.T) {
	if testing.Short() {
		t.Skip("dials temporal")
	}
	store, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	cfg := &config.Config{
		TemporalHost:      "127.0.0.1:1",
		TemporalNamespace: "default",
		TemporalTaskQueue: "flexrp-replay",
	}
	resolver := rates.NewResolver(nil, rates.NewMemoryCache(), rates.Options{Timeout: time.Second}, nil, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Nil(t, startReplayWorker(cfg, store, resolver, nil, nil, discardLogger()))
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("startReplayWorker did not give up on an unreachable host")
	}
}

// Both stores satisfy everything the worker binary wires them into.
var (
	_ settlementStore = (*db.Store)(nil)
	_ settlementStore = (*sqlite.Store)(nil)
)
