package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand_Success(t *testing.T) {
	// Create test server that returns 200 OK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	app, out, _ := createTestApp()
	err := app.Run([]string{"flexrp", "--server-url", server.URL, "server", "health"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Server is healthy")
}

func TestHealthCommand_Failure(t *testing.T) {
	// Create test server that returns 503
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	app, _, _ := createTestApp()
	err := app.Run([]string{"flexrp", "--server-url", server.URL, "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server is unhealthy")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	app, _, _ := createTestApp()
	err := app.Run([]string{"flexrp", "--server-url", "", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestVersionCommand(t *testing.T) {
	// Set version info
	version = "1.0.0"
	commit = "abc123"
	date = "2026-10-10"

	app, out, _ := createTestApp()
	err := app.Run([]string{"flexrp", "server", "version"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1.0.0")
	assert.Contains(t, out.String(), "abc123")
}
