package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/urfave/cli/v2"
)

// cliStore is the subset of the settlement store the CLI reads and repairs.
type cliStore interface {
	GetByHash(ctx context.Context, hash string) (*payment.SettlementRecord, error)
	ListRecent(ctx context.Context, limit int, before *payment.PageCursor) ([]*payment.SettlementRecord, error)
	ListFailed(ctx context.Context, limit int) ([]*payment.SettlementRecord, error)
	CountByStatus(ctx context.Context) (map[payment.Status]int64, error)
	GetCursor(ctx context.Context, address string) (uint64, error)
	ResetCursor(ctx context.Context, address string, sequence uint64) error
}

func listSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List settlements, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of settlements",
				Value:   50,
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, converted, failed, settled)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			recs, err := store.ListRecent(c.Context, c.Int("limit"), nil)
			if err != nil {
				return fmt.Errorf("failed to list settlements: %w", err)
			}

			if statusFilter := c.String("status"); statusFilter != "" {
				want, err := payment.ParseStatus(statusFilter)
				if err != nil {
					return err
				}
				filtered := make([]*payment.SettlementRecord, 0, len(recs))
				for _, r := range recs {
					if r.Status == want {
						filtered = append(filtered, r)
					}
				}
				recs = filtered
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, recs)
			}
			printSettlementTable(c.App.Writer, recs)
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d settlements\n", len(recs))
			return nil
		},
	}
}

func getSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get settlement details",
		ArgsUsage: "<transaction-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rec, err := store.GetByHash(c.Context, strings.ToUpper(c.Args().First()))
			if err != nil {
				return fmt.Errorf("failed to get settlement: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, rec)
			}
			printSettlementRecord(c.App.Writer, rec)
			return nil
		},
	}
}

func listFailedCommand() *cli.Command {
	return &cli.Command{
		Name:  "failed",
		Usage: "List settlements whose conversion failed, oldest first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			recs, err := store.ListFailed(c.Context, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list failed settlements: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, recs)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tRECEIVER\tAMOUNT (XRP)\tREASON\tCREATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.TransactionHash,
					r.Receiver,
					r.AmountNative.String(),
					r.FailureReason,
					r.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d failed settlements\n", len(recs))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count settlements by status",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountByStatus(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count settlements: %w", err)
			}

			byName := make(map[string]int64, len(counts))
			for status, n := range counts {
				byName[string(status)] = n
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, byName)
			}
			printCounts(c.App.Writer, byName)
			return nil
		},
	}
}

func cursorCommand() *cli.Command {
	return &cli.Command{
		Name:  "cursor",
		Usage: "Inspect or reset a merchant's ledger cursor",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show the last fully processed ledger sequence",
				ArgsUsage: "<merchant-address>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: merchant address")
					}

					store, closer, err := getStore(c)
					if err != nil {
						return err
					}
					defer closer()

					address := c.Args().First()
					seq, err := store.GetCursor(c.Context, address)
					if err != nil {
						return fmt.Errorf("failed to get cursor: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(c.App.Writer, map[string]any{"address": address, "ledger_sequence": seq})
					}
					fmt.Fprintf(c.App.Writer, "Address:         %s\n", address)
					fmt.Fprintf(c.App.Writer, "Ledger Sequence: %d\n", seq)
					return nil
				},
			},
			{
				Name:      "reset",
				Usage:     "Move the cursor to a sequence, including backwards, to re-ingest history",
				ArgsUsage: "<merchant-address> <ledger-sequence>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Skip confirmation",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("requires two arguments: merchant address and ledger sequence")
					}
					address := c.Args().Get(0)
					seq, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid ledger sequence %q: %w", c.Args().Get(1), err)
					}
					if !c.Bool("force") {
						return fmt.Errorf("resetting a cursor re-ingests or skips ledger history; pass --force to confirm")
					}

					store, closer, err := getStore(c)
					if err != nil {
						return err
					}
					defer closer()

					if err := store.ResetCursor(c.Context, address, seq); err != nil {
						return fmt.Errorf("failed to reset cursor: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Cursor for %s reset to %d\n", address, seq)
					return nil
				},
			},
		},
	}
}

// getStore opens Postgres when a database URL is given and SQLite otherwise.
func getStore(c *cli.Context) (cliStore, func(), error) {
	if dbURL := c.String("database-url"); dbURL != "" {
		pool, err := db.Connect(c.Context, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewStore(pool, nil), pool.Close, nil
	}

	if path := c.String("sqlite-path"); path != "" {
		store, err := sqlite.Open(path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}

	return nil, nil, fmt.Errorf("database-url or sqlite-path is required (set DATABASE_URL or SQLITE_PATH)")
}

func printSettlementTable(w io.Writer, recs []*payment.SettlementRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tRECEIVER\tAMOUNT (XRP)\tFIAT\tSTATUS\tLEDGER\tCREATED")
	for _, r := range recs {
		fiat := "-"
		if r.AmountFiat != nil {
			fiat = r.AmountFiat.String() + " " + r.FiatCurrency
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.TransactionHash,
			r.Receiver,
			r.AmountNative.String(),
			fiat,
			r.Status,
			r.LedgerSequence,
			r.CreatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush()
}

func printSettlementRecord(w io.Writer, r *payment.SettlementRecord) {
	fmt.Fprintf(w, "Hash:            %s\n", r.TransactionHash)
	fmt.Fprintf(w, "Sender:          %s\n", r.Sender)
	fmt.Fprintf(w, "Receiver:        %s\n", r.Receiver)
	if r.DestinationTag != nil {
		fmt.Fprintf(w, "Destination Tag: %d\n", *r.DestinationTag)
	}
	fmt.Fprintf(w, "Amount:          %s XRP\n", r.AmountNative.String())
	if r.AmountFiat != nil {
		fmt.Fprintf(w, "Fiat:            %s %s\n", r.AmountFiat.String(), r.FiatCurrency)
	}
	fmt.Fprintf(w, "Status:          %s\n", r.Status)
	fmt.Fprintf(w, "Ledger:          %d\n", r.LedgerSequence)
	if r.RateProvider != "" {
		stale := ""
		if r.RateStale {
			stale = " (stale)"
		}
		fmt.Fprintf(w, "Rate Provider:   %s%s\n", r.RateProvider, stale)
	}
	if r.FailureReason != "" {
		fmt.Fprintf(w, "Failure:         %s\n", r.FailureReason)
	}
	fmt.Fprintf(w, "Created:         %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:         %s\n", r.UpdatedAt.Format(time.RFC3339))
}

func printCounts(w io.Writer, counts map[string]int64) {
	names := make([]string, 0, len(counts))
	var total int64
	for name, n := range counts {
		names = append(names, name)
		total += n
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, counts[name])
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	tw.Flush()
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
