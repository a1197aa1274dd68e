package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/joho/godotenv"
)

const usage = `usage: migrate <command>

commands:
  up                    apply pending schema migrations
  down                  revert every schema migration
  version               print the applied schema version
  import-sqlite <path>  copy settlements from a SQLite store into Postgres`

// importPageSize is how many records are read from SQLite per page.
const importPageSize = 500

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "up":
		err = db.Migrate(databaseURL)
		if err == nil {
			logger.Info("schema up to date")
		}
	case "down":
		err = db.MigrateDown(databaseURL)
		if err == nil {
			logger.Info("schema reverted")
		}
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = db.MigrationVersion(databaseURL)
		if err == nil {
			logger.Info("schema version", "version", v, "dirty", dirty)
		}
	case "import-sqlite":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = importSQLite(context.Background(), os.Args[2], databaseURL, logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// importSQLite copies every settlement from a SQLite store into Postgres.
// Records already present are skipped, so the import can be re-run.
// Ledger cursors are not copied; the worker re-reads history on first start
// and the duplicate-key check keeps that idempotent.
func importSQLite(ctx context.Context, path, databaseURL string, logger *slog.Logger) error {
	src, err := sqlite.Open(path, nil)
	if err != nil {
		return fmt.Errorf("failed to open sqlite store: %w", err)
	}
	defer src.Close()

	if err := db.Migrate(databaseURL); err != nil {
		return err
	}
	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	dst := db.NewStore(pool, nil)

	logger.Info("importing settlements", "source", path)

	var (
		before                     *payment.PageCursor
		imported, skipped, errored int
	)
	for {
		recs, err := src.ListRecent(ctx, importPageSize, before)
		if err != nil {
			return fmt.Errorf("failed to read settlements: %w", err)
		}

		for _, rec := range recs {
			err := dst.Insert(ctx, rec)
			switch {
			case err == nil:
				imported++
			case errors.Is(err, payment.ErrDuplicateKey):
				skipped++
			default:
				logger.Error("failed to import settlement", "hash", rec.TransactionHash, "error", err)
				errored++
			}
		}

		if len(recs) < importPageSize {
			break
		}
		before = payment.CursorFor(recs[len(recs)-1])
	}

	logger.Info("import complete",
		"imported", imported,
		"skipped", skipped,
		"errors", errored,
	)

	if errored > 0 {
		return fmt.Errorf("%d settlements failed to import", errored)
	}
	return nil
}
