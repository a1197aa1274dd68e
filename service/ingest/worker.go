package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/rates"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/brojonat/flexrp/service/ingest")

// LedgerClient fetches transactions newer than a cursor.
type LedgerClient interface {
	FetchSince(ctx context.Context, address string, cursor uint64) ([]payment.RawTransaction, error)
}

// PageFetcher is an optional LedgerClient extension that also reports the
// highest ledger read in full. Workers prefer it so a cursor can move past
// ledgers that returned nothing.
type PageFetcher interface {
	FetchPage(ctx context.Context, address string, cursor uint64) (payment.LedgerPage, error)
}

// RateResolver returns the current rate for a pair.
type RateResolver interface {
	GetRate(ctx context.Context, pair payment.Pair) (payment.Rate, error)
}

// StoreInterface defines the storage operations needed by the worker.
// This allows for easy mocking in tests.
type StoreInterface interface {
	Insert(ctx context.Context, rec *payment.SettlementRecord) error
	GetCursor(ctx context.Context, address string) (uint64, error)
	SetCursor(ctx context.Context, address string, sequence uint64) error
}

// Notifier receives every record that reached the stored state. It must not
// block.
type Notifier interface {
	Notify(rec payment.SettlementRecord)
}

// Outcome is the terminal state of one transaction within a cycle.
type Outcome string

const (
	OutcomeStored       Outcome = "stored"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeFailed       Outcome = "failed"
	OutcomeStorageFault Outcome = "storage_fault"
)

// CycleResult summarises one poll cycle.
type CycleResult struct {
	CycleID   string
	Fetched   int
	Outcomes  map[Outcome]int
	Cursor    uint64
	Committed bool
}

// WorkerConfig configures one merchant's ingestion loop.
type WorkerConfig struct {
	MerchantAddress string
	FiatCurrency    string
	PollInterval    time.Duration
	Retry           RetryPolicy
}

// Worker polls the ledger for one merchant address and turns eligible payments
// into settlement records.
type Worker struct {
	cfg       WorkerConfig
	ledger    LedgerClient
	resolver  RateResolver
	store     StoreInterface
	cache     *TransactionCache
	validator Validator
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewWorker validates cfg and creates a worker. notifier and metrics may be nil.
func NewWorker(
	cfg WorkerConfig,
	ledger LedgerClient,
	resolver RateResolver,
	store StoreInterface,
	cache *TransactionCache,
	validator Validator,
	notifier Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Worker, error) {
	if cfg.MerchantAddress == "" {
		return nil, fmt.Errorf("%w: merchant address is required", payment.ErrInvalidConfig)
	}
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = "USD"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if ledger == nil || resolver == nil || store == nil || cache == nil {
		return nil, fmt.Errorf("%w: worker dependencies must not be nil", payment.ErrInvalidConfig)
	}

	return &Worker{
		cfg:       cfg,
		ledger:    ledger,
		resolver:  resolver,
		store:     store,
		cache:     cache,
		validator: validator,
		notifier:  notifier,
		logger:    logger.With("merchant", cfg.MerchantAddress),
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Run polls until ctx is cancelled. Cancellation is observed between cycles;
// a cycle that has started always runs to completion. After a cycle that
// committed new transactions the next one starts immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "ingestion worker started", "poll_interval", w.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "ingestion worker stopped")
			return nil
		}

		res, err := w.RunCycle(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "ingestion cycle aborted", "cycle_id", res.CycleID, "error", err)
		}

		if err == nil && res.Committed && res.Fetched > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "ingestion worker stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunCycle performs one fetch-process-commit pass. The cursor only moves when
// every fetched transaction reached a terminal state without a storage fault.
func (w *Worker) RunCycle(parent context.Context) (CycleResult, error) {
	ctx := context.WithoutCancel(parent)
	res := CycleResult{CycleID: uuid.NewString(), Outcomes: make(map[Outcome]int)}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "ingest.cycle", trace.WithAttributes(
		attribute.String("merchant", w.cfg.MerchantAddress),
		attribute.String("cycle_id", res.CycleID),
	))
	defer span.End()

	err := w.runCycle(ctx, &res)

	status := "committed"
	switch {
	case err != nil:
		status = "aborted"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Committed:
		status = "uncommitted"
	}
	if w.metrics != nil {
		w.metrics.RecordCycle(w.cfg.MerchantAddress, status, metrics.Since(start))
	}
	return res, err
}

func (w *Worker) fetch(ctx context.Context, cursor uint64) (payment.LedgerPage, error) {
	if pf, ok := w.ledger.(PageFetcher); ok {
		return pf.FetchPage(ctx, w.cfg.MerchantAddress, cursor)
	}
	txs, err := w.ledger.FetchSince(ctx, w.cfg.MerchantAddress, cursor)
	return payment.LedgerPage{Transactions: txs}, err
}

func (w *Worker) runCycle(ctx context.Context, res *CycleResult) error {
	cursor, err := w.store.GetCursor(ctx, w.cfg.MerchantAddress)
	if err != nil {
		return fmt.Errorf("%w: read cursor: %v", payment.ErrStorageFault, err)
	}
	res.Cursor = cursor

	page, err := w.fetch(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch since %d: %w", cursor, err)
	}
	txs := page.Transactions
	res.Fetched = len(txs)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("cursor", int64(cursor)),
		attribute.Int("fetched", len(txs)),
	)

	highest := max(cursor, page.Through)
	faulted := false
	for _, tx := range txs {
		outcome := w.process(ctx, res.CycleID, tx)
		res.Outcomes[outcome]++
		if w.metrics != nil {
			w.metrics.RecordOutcome(w.cfg.MerchantAddress, string(outcome))
		}
		if outcome == OutcomeStorageFault {
			faulted = true
		}
		if tx.LedgerSequence > highest {
			highest = tx.LedgerSequence
		}
	}

	if faulted {
		w.logger.ErrorContext(ctx, "storage fault in cycle, cursor not advanced",
			"cycle_id", res.CycleID,
			"cursor", cursor,
			"outcomes", res.Outcomes,
		)
		return nil
	}

	if highest > cursor {
		err := w.cfg.Retry.retry(ctx, func() error {
			return w.store.SetCursor(ctx, w.cfg.MerchantAddress, highest)
		}, w.onRetry(ctx, "set_cursor"))
		if err != nil {
			return fmt.Errorf("%w: advance cursor to %d: %v", payment.ErrStorageFault, highest, err)
		}
		res.Cursor = highest
		if w.metrics != nil {
			w.metrics.RecordCursor(w.cfg.MerchantAddress, highest)
		}
	}
	res.Committed = true
	if len(txs) == 0 {
		return nil
	}

	w.logger.InfoContext(ctx, "ingestion cycle committed",
		"cycle_id", res.CycleID,
		"fetched", res.Fetched,
		"cursor", res.Cursor,
		"stored", res.Outcomes[OutcomeStored],
		"failed", res.Outcomes[OutcomeFailed],
		"rejected", res.Outcomes[OutcomeRejected],
		"duplicate", res.Outcomes[OutcomeDuplicate],
	)
	return nil
}

// process drives one transaction to a terminal outcome.
func (w *Worker) process(ctx context.Context, cycleID string, tx payment.RawTransaction) Outcome {
	log := w.logger.With("cycle_id", cycleID, "hash", tx.Hash, "ledger_sequence", tx.LedgerSequence)

	if ok, reason := w.validator.Evaluate(tx, w.cfg.MerchantAddress); !ok {
		log.DebugContext(ctx, "transaction rejected", "reason", string(reason))
		return OutcomeRejected
	}

	if !w.cache.TryReserve(tx.Hash) {
		log.DebugContext(ctx, "transaction already reserved")
		return OutcomeDuplicate
	}

	rec := w.convert(ctx, log, tx)

	var duplicate bool
	err := w.cfg.Retry.retry(ctx, func() error {
		err := w.store.Insert(ctx, rec)
		if errors.Is(err, payment.ErrDuplicateKey) {
			duplicate = true
			return nil
		}
		return err
	}, w.onRetry(ctx, "insert"))
	if err != nil {
		w.cache.Release(tx.Hash)
		log.ErrorContext(ctx, "failed to persist settlement", "error", err)
		return OutcomeStorageFault
	}
	if duplicate {
		log.InfoContext(ctx, "settlement already recorded")
		return OutcomeDuplicate
	}

	if rec.Status == payment.StatusFailed {
		log.WarnContext(ctx, "settlement recorded as failed", "reason", rec.FailureReason)
		return OutcomeFailed
	}

	log.InfoContext(ctx, "settlement stored",
		"amount_native", rec.AmountNative.String(),
		"amount_fiat", rec.AmountFiat.String(),
		"fiat_currency", rec.FiatCurrency,
		"rate_provider", rec.RateProvider,
		"rate_stale", rec.RateStale,
	)
	if w.notifier != nil {
		w.notifier.Notify(*rec)
	}
	return OutcomeStored
}

// convert resolves the rate with retry and builds the record to insert. When
// every attempt fails the record is marked failed so an operator can replay it.
func (w *Worker) convert(ctx context.Context, log *slog.Logger, tx payment.RawTransaction) *payment.SettlementRecord {
	now := w.now().UTC()
	rec := &payment.SettlementRecord{
		TransactionHash: tx.Hash,
		Sender:          tx.SourceAddress,
		Receiver:        tx.DestinationAddress,
		DestinationTag:  tx.DestinationTag,
		AmountNative:    tx.Amount,
		FiatCurrency:    w.cfg.FiatCurrency,
		LedgerSequence:  tx.LedgerSequence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	pair := payment.NewPair(payment.NativeCurrency, w.cfg.FiatCurrency)
	var rate payment.Rate
	err := w.cfg.Retry.retry(ctx, func() error {
		var err error
		rate, err = w.resolver.GetRate(ctx, pair)
		if err != nil && !payment.IsTransient(err) {
			return permanent(err)
		}
		return err
	}, w.onRetry(ctx, "rate"))
	if err != nil {
		log.WarnContext(ctx, "rate resolution exhausted", "pair", pair.String(), "error", err)
		rec.Status = payment.StatusFailed
		rec.FailureReason = payment.ClassifyFailure(err)
		return rec
	}

	fiat := rates.Convert(tx.Amount, rate.Price, w.cfg.FiatCurrency)
	rec.AmountFiat = &fiat
	rec.Status = payment.StatusConverted
	rec.RateProvider = rate.ProviderID
	rec.RateStale = rate.Stale
	return rec
}

func (w *Worker) onRetry(ctx context.Context, operation string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		w.logger.DebugContext(ctx, "retrying operation",
			"operation", operation,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.RecordRetry(operation)
		}
	}
}
