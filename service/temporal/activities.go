package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/rates"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ListFailedSettlementsInput contains parameters for the ListFailedSettlements activity.
type ListFailedSettlementsInput struct {
	Limit int `json:"limit"`
}

// ListFailedSettlementsResult contains the hashes of failed settlements, oldest first.
type ListFailedSettlementsResult struct {
	Hashes []string `json:"hashes"`
}

// ReplaySettlementInput contains parameters for the ReplaySettlement activity.
type ReplaySettlementInput struct {
	TransactionHash string `json:"transaction_hash"`
}

// ReplaySettlementResult describes what happened to one failed settlement.
type ReplaySettlementResult struct {
	TransactionHash string `json:"transaction_hash"`
	Status          string `json:"status"` // "converted" or "skipped"
	AmountFiat      string `json:"amount_fiat,omitempty"`
	RateProvider    string `json:"rate_provider,omitempty"`
	RateStale       bool   `json:"rate_stale,omitempty"`
}

const (
	replayConverted = "converted"
	replaySkipped   = "skipped"
)

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	ListFailed(ctx context.Context, limit int) ([]*payment.SettlementRecord, error)
	GetByHash(ctx context.Context, hash string) (*payment.SettlementRecord, error)
	Transition(ctx context.Context, hash string, u db.StatusUpdate) error
}

// RateResolverInterface resolves exchange rates for replays.
// This allows for easy mocking in tests.
type RateResolverInterface interface {
	GetRate(ctx context.Context, pair payment.Pair) (payment.Rate, error)
}

// PublisherInterface publishes settlements that a replay converted.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	resolver  RateResolverInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and metrics may be nil.
func NewActivities(
	store StoreInterface,
	resolver RateResolverInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ListFailedSettlements returns the hashes of up to Limit failed settlements.
func (a *Activities) ListFailedSettlements(ctx context.Context, input ListFailedSettlementsInput) (*ListFailedSettlementsResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}

	recs, err := a.store.ListFailed(ctx, limit)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to list failed settlements", "error", err)
		return nil, fmt.Errorf("failed to list failed settlements: %w", err)
	}

	result := &ListFailedSettlementsResult{Hashes: make([]string, 0, len(recs))}
	for _, rec := range recs {
		result.Hashes = append(result.Hashes, rec.TransactionHash)
	}

	a.logger.InfoContext(ctx, "listed failed settlements", "count", len(result.Hashes))
	return result, nil
}

// ReplaySettlement re-resolves the rate for a failed settlement and moves it
// to converted. A record that is no longer failed is reported as skipped.
// A missing rate is returned as a retryable error; Temporal owns the retry.
func (a *Activities) ReplaySettlement(ctx context.Context, input ReplaySettlementInput) (*ReplaySettlementResult, error) {
	logger := a.logger.With("hash", input.TransactionHash)
	result := &ReplaySettlementResult{TransactionHash: input.TransactionHash}

	rec, err := a.store.GetByHash(ctx, input.TransactionHash)
	if errors.Is(err, payment.ErrNotFound) {
		a.recordReplay("not_found")
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("settlement %s not found", input.TransactionHash), "NotFound", err)
	}
	if err != nil {
		a.recordReplay("error")
		return nil, fmt.Errorf("failed to load settlement: %w", err)
	}

	if rec.Status != payment.StatusFailed {
		logger.InfoContext(ctx, "settlement no longer failed, skipping", "status", rec.Status)
		a.recordReplay(replaySkipped)
		result.Status = replaySkipped
		return result, nil
	}

	pair := payment.NewPair(payment.NativeCurrency, rec.FiatCurrency)
	rate, err := a.resolver.GetRate(ctx, pair)
	if err != nil {
		logger.WarnContext(ctx, "rate still unavailable", "pair", pair.String(), "error", err)
		a.recordReplay("rate_unavailable")
		return nil, fmt.Errorf("failed to resolve rate for %s: %w", pair, err)
	}

	fiat := rates.Convert(rec.AmountNative, rate.Price, rec.FiatCurrency)
	err = a.store.Transition(ctx, rec.TransactionHash, db.StatusUpdate{
		Status:       payment.StatusConverted,
		AmountFiat:   &fiat,
		RateProvider: rate.ProviderID,
		RateStale:    rate.Stale,
	})
	if errors.Is(err, payment.ErrInvalidTransition) {
		// Converted concurrently by another replay.
		a.recordReplay(replaySkipped)
		result.Status = replaySkipped
		return result, nil
	}
	if err != nil {
		a.recordReplay("error")
		return nil, fmt.Errorf("failed to transition settlement: %w", err)
	}

	rec.Status = payment.StatusConverted
	rec.AmountFiat = &fiat
	rec.RateProvider = rate.ProviderID
	rec.RateStale = rate.Stale
	rec.FailureReason = ""
	rec.UpdatedAt = time.Now().UTC()

	if a.publisher != nil {
		if err := a.publisher.PublishSettlement(ctx, *rec); err != nil {
			logger.ErrorContext(ctx, "failed to publish replayed settlement", "error", err)
		}
	}

	logger.InfoContext(ctx, "replayed settlement",
		"amount_fiat", fiat.String(),
		"provider", rate.ProviderID,
		"stale", rate.Stale,
	)
	a.recordReplay(replayConverted)

	result.Status = replayConverted
	result.AmountFiat = fiat.String()
	result.RateProvider = rate.ProviderID
	result.RateStale = rate.Stale
	return result, nil
}

func (a *Activities) recordReplay(status string) {
	if a.metrics != nil {
		a.metrics.RecordReplay(status)
	}
}
