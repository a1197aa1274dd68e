package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/temporal"
)

const (
	maxRequestBodySize = 1 << 10 // replay requests carry at most a batch size
	defaultListLimit   = 50
	maxListLimit       = 500
	maxReplayBatch     = 1000
)

var (
	// XRPL transaction hashes are 256-bit values in hex.
	validHashRegex = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)
)

// StoreInterface defines the read operations the API needs.
// This allows for easy mocking in tests.
type StoreInterface interface {
	GetByHash(ctx context.Context, hash string) (*payment.SettlementRecord, error)
	ListRecent(ctx context.Context, limit int, before *payment.PageCursor) ([]*payment.SettlementRecord, error)
	ListFailed(ctx context.Context, limit int) ([]*payment.SettlementRecord, error)
	CountByStatus(ctx context.Context) (map[payment.Status]int64, error)
	Ping(ctx context.Context) error
}

// settlementResponse is the JSON response format for a settlement.
type settlementResponse struct {
	TransactionHash string         `json:"transaction_hash"`
	Sender          string         `json:"sender"`
	Receiver        string         `json:"receiver"`
	DestinationTag  *uint32        `json:"destination_tag,omitempty"`
	AmountNative    string         `json:"amount_native"`
	AmountFiat      *string        `json:"amount_fiat,omitempty"`
	FiatCurrency    string         `json:"fiat_currency"`
	Status          payment.Status `json:"status"`
	LedgerSequence  uint64         `json:"ledger_sequence"`
	RateProvider    string         `json:"rate_provider,omitempty"`
	RateStale       bool           `json:"rate_stale"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func settlementToResponse(rec *payment.SettlementRecord) settlementResponse {
	resp := settlementResponse{
		TransactionHash: rec.TransactionHash,
		Sender:          rec.Sender,
		Receiver:        rec.Receiver,
		DestinationTag:  rec.DestinationTag,
		AmountNative:    rec.AmountNative.String(),
		FiatCurrency:    rec.FiatCurrency,
		Status:          rec.Status,
		LedgerSequence:  rec.LedgerSequence,
		RateProvider:    rec.RateProvider,
		RateStale:       rec.RateStale,
		FailureReason:   payment.PublicFailureReason(rec.FailureReason),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.AmountFiat != nil {
		s := rec.AmountFiat.String()
		resp.AmountFiat = &s
	}
	return resp
}

func settlementsToResponse(recs []*payment.SettlementRecord) []settlementResponse {
	resp := make([]settlementResponse, len(recs))
	for i, rec := range recs {
		resp[i] = settlementToResponse(rec)
	}
	return resp
}

// handleListSettlements returns a handler that lists recent settlements,
// newest first, with keyset pagination.
// GET /api/v1/settlements?limit={n}&cursor={next_cursor}
func handleListSettlements(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var before *payment.PageCursor
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			before, err = decodeCursor(raw)
			if err != nil {
				writeError(w, "invalid cursor", http.StatusBadRequest)
				return
			}
		}

		recs, err := store.ListRecent(r.Context(), limit, before)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list settlements", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		body := map[string]interface{}{
			"settlements": settlementsToResponse(recs),
			"count":       len(recs),
			"limit":       limit,
		}
		if len(recs) == limit {
			body["next_cursor"] = encodeCursor(payment.CursorFor(recs[len(recs)-1]))
		}
		writeJSON(w, body, http.StatusOK)
	})
}

// handleGetSettlement returns a handler that retrieves one settlement.
// GET /api/v1/settlements/{hash}
func handleGetSettlement(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if !validHashRegex.MatchString(hash) {
			writeError(w, "invalid transaction hash", http.StatusBadRequest)
			return
		}

		rec, err := store.GetByHash(r.Context(), strings.ToUpper(hash))
		if errors.Is(err, payment.ErrNotFound) {
			writeError(w, "settlement not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get settlement", "hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, settlementToResponse(rec), http.StatusOK)
	})
}

// handleListFailed returns a handler that lists failed settlements, oldest first.
// GET /api/v1/settlements/failed?limit={n}
func handleListFailed(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		recs, err := store.ListFailed(r.Context(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list failed settlements", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"settlements": settlementsToResponse(recs),
			"count":       len(recs),
			"limit":       limit,
		}, http.StatusOK)
	})
}

type replayRequest struct {
	BatchSize int `json:"batch_size"`
}

// handleReplayFailed returns a handler that starts a replay workflow run.
// POST /api/v1/settlements/failed/replay
func handleReplayFailed(scheduler temporal.ReplayScheduler, defaultBatch int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeError(w, "replay is not configured", http.StatusServiceUnavailable)
			return
		}

		req := replayRequest{BatchSize: defaultBatch}
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		if req.BatchSize <= 0 || req.BatchSize > maxReplayBatch {
			writeError(w, fmt.Sprintf("batch_size must be between 1 and %d", maxReplayBatch), http.StatusBadRequest)
			return
		}

		workflowID, err := scheduler.StartReplay(r.Context(), req.BatchSize)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start replay", "error", err)
			writeError(w, "failed to start replay", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "replay started", "workflow_id", workflowID, "batch_size", req.BatchSize)
		writeJSON(w, map[string]interface{}{
			"workflow_id": workflowID,
			"batch_size":  req.BatchSize,
		}, http.StatusAccepted)
	})
}

// handleStats returns a handler that reports settlement counts by status.
// GET /api/v1/stats
func handleStats(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to count settlements", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		byStatus := make(map[string]int64, len(counts))
		var total int64
		for status, n := range counts {
			byStatus[string(status)] = n
			total += n
		}
		writeJSON(w, map[string]interface{}{
			"by_status": byStatus,
			"total":     total,
		}, http.StatusOK)
	})
}

// handleHealth reports whether the store is reachable.
// GET /health
func handleHealth(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.WarnContext(r.Context(), "health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

// Cursors are opaque to clients: base64url("<created_at unix micros>.<hash>").
func encodeCursor(c *payment.PageCursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "." + c.TransactionHash
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*payment.PageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	micros, hash, ok := strings.Cut(string(raw), ".")
	if !ok || hash == "" {
		return nil, errors.New("malformed cursor")
	}
	v, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return nil, err
	}
	return &payment.PageCursor{CreatedAt: time.UnixMicro(v).UTC(), TransactionHash: hash}, nil
}
