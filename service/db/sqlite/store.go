// Package sqlite is the embedded settlement store for single-node
// deployments. It has the same contract as the Postgres store in service/db.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// path may be ":memory:" for tests.
func Open(path string, m *metrics.Metrics) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; this also serializes status transitions.
	conn.SetMaxOpenConns(1)

	if err := createSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: conn, metrics: m, now: func() time.Time { return time.Now().UTC() }}, nil
}

func createSchema(conn *sql.DB) error {
	schema := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS settlements (
			transaction_hash TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			destination_tag INTEGER,
			amount_native TEXT NOT NULL,
			amount_fiat TEXT,
			fiat_currency TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'converted', 'failed', 'settled')),
			ledger_sequence INTEGER NOT NULL,
			rate_provider TEXT NOT NULL DEFAULT '',
			rate_stale INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_created_at ON settlements (created_at DESC, transaction_hash DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS ledger_cursors (
			address TEXT PRIMARY KEY,
			ledger_sequence INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const settlementColumns = `transaction_hash, sender, receiver, destination_tag,
	amount_native, amount_fiat, fiat_currency, status, ledger_sequence,
	rate_provider, rate_stale, failure_reason, created_at, updated_at`

// Insert stores a new record, returning payment.ErrDuplicateKey if the hash
// already exists.
func (s *Store) Insert(ctx context.Context, rec *payment.SettlementRecord) (err error) {
	defer s.observe("insert", time.Now(), &err)

	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_hash) DO NOTHING`,
		rec.TransactionHash, rec.Sender, rec.Receiver, tagToDB(rec.DestinationTag),
		rec.AmountNative.String(), decimalToDB(rec.AmountFiat), rec.FiatCurrency, string(rec.Status),
		int64(rec.LedgerSequence), rec.RateProvider, boolToDB(rec.RateStale), rec.FailureReason,
		rec.CreatedAt.UTC().UnixMicro(), rec.UpdatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", rec.TransactionHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", rec.TransactionHash, err)
	}
	if n == 0 {
		return payment.ErrDuplicateKey
	}
	return nil
}

// GetByHash returns the record for hash or payment.ErrNotFound.
func (s *Store) GetByHash(ctx context.Context, hash string) (rec *payment.SettlementRecord, err error) {
	defer s.observe("get", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE transaction_hash = ?`, hash)
	rec, err = scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", hash, err)
	}
	return rec, nil
}

// UpdateStatus atomically sets status and, when non-nil, amountFiat.
func (s *Store) UpdateStatus(ctx context.Context, hash string, status payment.Status, amountFiat *decimal.Decimal) error {
	return s.Transition(ctx, hash, db.StatusUpdate{Status: status, AmountFiat: amountFiat})
}

// Transition applies u in a single transaction, enforcing the status machine.
func (s *Store) Transition(ctx context.Context, hash string, u db.StatusUpdate) (err error) {
	defer s.observe("update_status", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		current      string
		amountFiat   sql.NullString
		rateProvider string
		rateStale    int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, amount_fiat, rate_provider, rate_stale FROM settlements WHERE transaction_hash = ?`, hash,
	).Scan(&current, &amountFiat, &rateProvider, &rateStale)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read settlement %s: %w", hash, err)
	}

	if !payment.Status(current).CanTransition(u.Status) {
		return fmt.Errorf("%w: %s -> %s", payment.ErrInvalidTransition, current, u.Status)
	}

	if u.AmountFiat != nil {
		amountFiat = sql.NullString{String: u.AmountFiat.String(), Valid: true}
	}
	if u.RateProvider != "" {
		rateProvider = u.RateProvider
		rateStale = boolToDB(u.RateStale)
	}
	failureReason := ""
	if u.Status == payment.StatusFailed {
		failureReason = u.FailureReason
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE settlements SET status = ?, amount_fiat = ?, rate_provider = ?, rate_stale = ?,
			failure_reason = ?, updated_at = ?
		WHERE transaction_hash = ?`,
		string(u.Status), amountFiat, rateProvider, rateStale, failureReason, s.now().UnixMicro(), hash,
	)
	if err != nil {
		return fmt.Errorf("update settlement %s: %w", hash, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRecent returns up to limit records, newest first, strictly older than
// before when it is set.
func (s *Store) ListRecent(ctx context.Context, limit int, before *payment.PageCursor) (recs []*payment.SettlementRecord, err error) {
	defer s.observe("list_recent", time.Now(), &err)

	var rows *sql.Rows
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+settlementColumns+` FROM settlements
			ORDER BY created_at DESC, transaction_hash DESC
			LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+settlementColumns+` FROM settlements
			WHERE (created_at, transaction_hash) < (?, ?)
			ORDER BY created_at DESC, transaction_hash DESC
			LIMIT ?`, before.CreatedAt.UTC().UnixMicro(), before.TransactionHash, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list recent settlements: %w", err)
	}
	return collectSettlements(rows)
}

// ListFailed returns up to limit failed records, oldest first.
func (s *Store) ListFailed(ctx context.Context, limit int) (recs []*payment.SettlementRecord, err error) {
	defer s.observe("list_failed", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'failed'
		ORDER BY created_at ASC, transaction_hash ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed settlements: %w", err)
	}
	return collectSettlements(rows)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (counts map[payment.Status]int64, err error) {
	defer s.observe("count_by_status", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settlements GROUP BY status`)
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
	err = s.db.QueryRowContext(ctx, `SELECT ledger_sequence FROM ledger_cursors WHERE address = ?`, address).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", address, err)
	}
	return uint64(v), nil
}

// SetCursor records sequence for address without ever moving it backwards.
func (s *Store) SetCursor(ctx context.Context, address string, sequence uint64) (err error) {
	defer s.observe("set_cursor", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_cursors (address, ledger_sequence, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			ledger_sequence = MAX(ledger_cursors.ledger_sequence, excluded.ledger_sequence),
			updated_at = excluded.updated_at`,
		address, int64(sequence), s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", address, err)
	}
	return nil
}

// ResetCursor forces the cursor for address.
func (s *Store) ResetCursor(ctx context.Context, address string, sequence uint64) (err error) {
	defer s.observe("reset_cursor", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_cursors (address, ledger_sequence, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			ledger_sequence = excluded.ledger_sequence,
			updated_at = excluded.updated_at`,
		address, int64(sequence), s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("reset cursor %s: %w", address, err)
	}
	return nil
}

func (s *Store) observe(operation string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	recorded := *err
	if errors.Is(recorded, payment.ErrDuplicateKey) || errors.Is(recorded, payment.ErrNotFound) {
		recorded = nil
	}
	s.metrics.RecordDBQuery(operation, "settlements", metrics.Since(start), recorded)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row scanner) (*payment.SettlementRecord, error) {
	var (
		rec       payment.SettlementRecord
		tag       sql.NullInt64
		native    string
		fiat      sql.NullString
		status    string
		ledgerSeq int64
		stale     int64
		created   int64
		updated   int64
	)
	err := row.Scan(
		&rec.TransactionHash, &rec.Sender, &rec.Receiver, &tag,
		&native, &fiat, &rec.FiatCurrency, &status, &ledgerSeq,
		&rec.RateProvider, &stale, &rec.FailureReason, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if rec.AmountNative, err = decimal.NewFromString(native); err != nil {
		return nil, fmt.Errorf("parse amount_native %q: %w", native, err)
	}
	if fiat.Valid {
		d, err := decimal.NewFromString(fiat.String)
		if err != nil {
			return nil, fmt.Errorf("parse amount_fiat %q: %w", fiat.String, err)
		}
		rec.AmountFiat = &d
	}
	if rec.Status, err = payment.ParseStatus(status); err != nil {
		return nil, err
	}
	if tag.Valid {
		v := uint32(tag.Int64)
		rec.DestinationTag = &v
	}
	rec.LedgerSequence = uint64(ledgerSeq)
	rec.RateStale = stale != 0
	rec.CreatedAt = time.UnixMicro(created).UTC()
	rec.UpdatedAt = time.UnixMicro(updated).UTC()
	return &rec, nil
}

func collectSettlements(rows *sql.Rows) ([]*payment.SettlementRecord, error) {
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

func decimalToDB(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func tagToDB(tag *uint32) sql.NullInt64 {
	if tag == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*tag), Valid: true}
}

func boolToDB(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
