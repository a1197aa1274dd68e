package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func TestListSettlements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/settlements", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"settlements":[{"transaction_hash":"` + testHash + `","amount_native":"10.5","amount_fiat":"5.25","status":"converted"}],"count":1,"next_cursor":"def"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	page, err := client.ListSettlements(context.Background(), 2, "abc")
	require.NoError(t, err)
	require.Len(t, page.Settlements, 1)
	assert.Equal(t, "def", page.NextCursor)
	assert.Equal(t, "10.5", page.Settlements[0].AmountNative.String())
	require.NotNil(t, page.Settlements[0].AmountFiat)
	assert.Equal(t, "5.25", page.Settlements[0].AmountFiat.String())
}

func TestGetSettlement_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "settlement not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetSettlement(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSettlement_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid transaction hash"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetSettlement(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction hash")
}

func TestReplay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/settlements/failed/replay", r.URL.Path)

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 25, body["batch_size"])

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{"workflow_id": "flexrp-replay-1", "batch_size": 25})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	id, err := client.Replay(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, "flexrp-replay-1", id)
}

func TestHealth(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.Health(context.Background()))
	healthy.Store(false)
	assert.Error(t, client.Health(context.Background()))
}

func TestAwait(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
		case 2:
			w.Write([]byte(`{"transaction_hash":"` + testHash + `","amount_native":"1","status":"failed"}`))
		default:
			w.Write([]byte(`{"transaction_hash":"` + testHash + `","amount_native":"1","amount_fiat":"0.50","status":"converted"}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Await(ctx, testHash, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "converted", s.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwait_ContextDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Await(ctx, testHash, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
