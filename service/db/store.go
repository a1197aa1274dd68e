package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides settlement persistence on Postgres.
// Every mutation is a single-record transaction; readers never take locks
// that block the ingestion path.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// StatusUpdate describes a status transition. Empty RateProvider and nil
// AmountFiat keep the stored values.
type StatusUpdate struct {
	Status        payment.Status
	AmountFiat    *decimal.Decimal
	RateProvider  string
	RateStale     bool
	FailureReason string
}

const settlementColumns = `transaction_hash, sender, receiver, destination_tag,
	amount_native::text, amount_fiat::text, fiat_currency, status, ledger_sequence,
	rate_provider, rate_stale, failure_reason, created_at, updated_at`

// Insert stores a new record. It returns payment.ErrDuplicateKey when a record
// with the same hash already exists; the existing record is left untouched.
func (s *Store) Insert(ctx context.Context, rec *payment.SettlementRecord) (err error) {
	defer s.observe("insert", time.Now(), &err)

	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}

	var hash string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO settlements (
			transaction_hash, sender, receiver, destination_tag,
			amount_native, amount_fiat, fiat_currency, status, ledger_sequence,
			rate_provider, rate_stale, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (transaction_hash) DO NOTHING
		RETURNING transaction_hash`,
		rec.TransactionHash, rec.Sender, rec.Receiver, tagToDB(rec.DestinationTag),
		rec.AmountNative.String(), decimalToDB(rec.AmountFiat), rec.FiatCurrency, string(rec.Status),
		int64(rec.LedgerSequence), rec.RateProvider, rec.RateStale, rec.FailureReason,
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", rec.TransactionHash, err)
	}
	return nil
}

// GetByHash returns the record for hash or payment.ErrNotFound.
func (s *Store) GetByHash(ctx context.Context, hash string) (rec *payment.SettlementRecord, err error) {
	defer s.observe("get", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE transaction_hash = $1`, hash)
	rec, err = scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", hash, err)
	}
	return rec, nil
}

// UpdateStatus atomically sets status and, when non-nil, amountFiat.
func (s *Store) UpdateStatus(ctx context.Context, hash string, status payment.Status, amountFiat *decimal.Decimal) error {
	return s.Transition(ctx, hash, StatusUpdate{Status: status, AmountFiat: amountFiat})
}

// Transition applies u to the record for hash in one transaction. It returns
// payment.ErrNotFound for an unknown hash and payment.ErrInvalidTransition
// when the move is not allowed from the current status.
func (s *Store) Transition(ctx context.Context, hash string, u StatusUpdate) (err error) {
	defer s.observe("update_status", time.Now(), &err)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM settlements WHERE transaction_hash = $1 FOR UPDATE`, hash,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock settlement %s: %w", hash, err)
		}

		if !payment.Status(current).CanTransition(u.Status) {
			return fmt.Errorf("%w: %s -> %s", payment.ErrInvalidTransition, current, u.Status)
		}

		failureReason := ""
		if u.Status == payment.StatusFailed {
			failureReason = u.FailureReason
		}

		_, err = tx.Exec(ctx, `
			UPDATE settlements SET
				status = $2,
				amount_fiat = COALESCE($3::numeric, amount_fiat),
				rate_provider = CASE WHEN $4 = '' THEN rate_provider ELSE $4 END,
				rate_stale = CASE WHEN $4 = '' THEN rate_stale ELSE $5 END,
				failure_reason = $6,
				updated_at = NOW()
			WHERE transaction_hash = $1`,
			hash, string(u.Status), decimalToDB(u.AmountFiat), u.RateProvider, u.RateStale, failureReason,
		)
		if err != nil {
			return fmt.Errorf("update settlement %s: %w", hash, err)
		}
		return nil
	})
}

// ListRecent returns up to limit records ordered by creation time, newest
// first. When before is set only records strictly older than it are returned.
func (s *Store) ListRecent(ctx context.Context, limit int, before *payment.PageCursor) (recs []*payment.SettlementRecord, err error) {
	defer s.observe("list_recent", time.Now(), &err)

	var rows pgx.Rows
	if before == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+settlementColumns+` FROM settlements
			ORDER BY created_at DESC, transaction_hash DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+settlementColumns+` FROM settlements
			WHERE (created_at, transaction_hash) < ($1, $2)
			ORDER BY created_at DESC, transaction_hash DESC
			LIMIT $3`, before.CreatedAt, before.TransactionHash, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list recent settlements: %w", err)
	}
	return collectSettlements(rows)
}

// ListFailed returns up to limit failed records, oldest first, for replay.
func (s *Store) ListFailed(ctx context.Context, limit int) (recs []*payment.SettlementRecord, err error) {
	defer s.observe("list_failed", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'failed'
		ORDER BY created_at ASC, transaction_hash ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed settlements: %w", err)
	}
	return collectSettlements(rows)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (counts map[payment.Status]int64, err error) {
	defer s.observe("count_by_status", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM settlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count settlements: %w", err)
	}
	defer rows.Close()

	counts = make(map[payment.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[payment.Status(status)] = n
	}
	return counts, rows.Err()
}

// GetCursor returns the last committed ledger sequence for address, or 0.
func (s *Store) GetCursor(ctx context.Context, address string) (seq uint64, err error) {
	defer s.observe("get_cursor", time.Now(), &err)

	var v int64
	err = s.pool.QueryRow(ctx, `SELECT ledger_sequence FROM ledger_cursors WHERE address = $1`, address).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", address, err)
	}
	return uint64(v), nil
}

// SetCursor records sequence for address. The stored cursor never moves
// backwards.
func (s *Store) SetCursor(ctx context.Context, address string, sequence uint64) (err error) {
	defer s.observe("set_cursor", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_cursors (address, ledger_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET
			ledger_sequence = GREATEST(ledger_cursors.ledger_sequence, EXCLUDED.ledger_sequence),
			updated_at = NOW()`,
		address, int64(sequence))
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", address, err)
	}
	return nil
}

// ResetCursor forces the cursor for address, allowing an operator to rewind.
func (s *Store) ResetCursor(ctx context.Context, address string, sequence uint64) (err error) {
	defer s.observe("reset_cursor", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_cursors (address, ledger_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET ledger_sequence = EXCLUDED.ledger_sequence, updated_at = NOW()`,
		address, int64(sequence))
	if err != nil {
		return fmt.Errorf("reset cursor %s: %w", address, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(operation string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	// Expected outcomes are not database errors.
	recorded := *err
	if errors.Is(recorded, payment.ErrDuplicateKey) || errors.Is(recorded, payment.ErrNotFound) {
		recorded = nil
	}
	s.metrics.RecordDBQuery(operation, "settlements", metrics.Since(start), recorded)
}

func scanSettlement(row pgx.Row) (*payment.SettlementRecord, error) {
	var (
		rec       payment.SettlementRecord
		tag       *int64
		native    string
		fiat      *string
		status    string
		ledgerSeq int64
	)
	err := row.Scan(
		&rec.TransactionHash, &rec.Sender, &rec.Receiver, &tag,
		&native, &fiat, &rec.FiatCurrency, &status, &ledgerSeq,
		&rec.RateProvider, &rec.RateStale, &rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.AmountNative, err = decimal.NewFromString(native); err != nil {
		return nil, fmt.Errorf("parse amount_native %q: %w", native, err)
	}
	if fiat != nil {
		d, err := decimal.NewFromString(*fiat)
		if err != nil {
			return nil, fmt.Errorf("parse amount_fiat %q: %w", *fiat, err)
		}
		rec.AmountFiat = &d
	}
	if rec.Status, err = payment.ParseStatus(status); err != nil {
		return nil, err
	}
	if tag != nil {
		v := uint32(*tag)
		rec.DestinationTag = &v
	}
	rec.LedgerSequence = uint64(ledgerSeq)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func collectSettlements(rows pgx.Rows) ([]*payment.SettlementRecord, error) {
	defer rows.Close()

	var out []*payment.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}

func decimalToDB(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func tagToDB(tag *uint32) *int64 {
	if tag == nil {
		return nil
	}
	v := int64(*tag)
	return &v
}
