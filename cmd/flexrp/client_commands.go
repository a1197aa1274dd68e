package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/flexrp/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the flexrp API",
		Subcommands: []*cli.Command{
			clientListCommand(),
			clientGetCommand(),
			clientFailedCommand(),
			clientStatsCommand(),
			clientReplayCommand(),
			awaitCommand(),
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List settlements through the API",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "Continue from a next_cursor returned by a previous page",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Follow next_cursor until the last page",
			},
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 0)

			var all []*client.Settlement
			cursor := c.String("cursor")
			for {
				page, err := cl.ListSettlements(c.Context, c.Int("limit"), cursor)
				if err != nil {
					return err
				}
				all = append(all, page.Settlements...)
				cursor = page.NextCursor
				if !c.Bool("all") || cursor == "" {
					break
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, all)
			}
			printAPISettlements(c.App.Writer, all)
			if cursor != "" {
				fmt.Fprintf(c.App.ErrWriter, "\nNext cursor: %s\n", cursor)
			}
			return nil
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get one settlement through the API",
		ArgsUsage: "<transaction-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			s, err := newAPIClient(c, 0).GetSettlement(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, s)
			}
			printAPISettlement(c.App.Writer, s)
			return nil
		},
	}
}

func clientFailedCommand() *cli.Command {
	return &cli.Command{
		Name:  "failed",
		Usage: "List failed settlements through the API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			recs, err := newAPIClient(c, 0).ListFailed(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, recs)
			}
			printAPISettlements(c.App.Writer, recs)
			return nil
		},
	}
}

func clientStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show settlement counts through the API",
		Action: func(c *cli.Context) error {
			stats, err := newAPIClient(c, 0).Stats(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, stats)
			}
			printCounts(c.App.Writer, stats.ByStatus)
			return nil
		},
	}
}

func clientReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Ask the API to start a replay of failed settlements",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "batch",
				Aliases: []string{"b"},
				Usage:   "Batch size (0 uses the server default)",
			},
		},
		Action: func(c *cli.Context) error {
			id, err := newAPIClient(c, 0).Replay(c.Context, c.Int("batch"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{"workflow_id": id})
			}
			fmt.Fprintf(c.App.Writer, "✓ Replay started: %s\n", id)
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transaction is stored with a fiat value",
		ArgsUsage: "<transaction-hash>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the settlement",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Polling interval",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			hash := strings.ToUpper(c.Args().First())
			timeout := c.Duration("timeout")
			jsonOutput := c.Bool("json")

			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for settlement %s...\n", hash)
				fmt.Fprintf(c.App.ErrWriter, "  Timeout: %v\n\n", timeout)
			}

			ctx, cancel := awaitContext(c.Context, timeout)
			defer cancel()

			s, err := newAPIClient(c, 0).Await(ctx, hash, c.Duration("interval"))
			if err != nil {
				if errors.Is(err, ctx.Err()) {
					return fmt.Errorf("settlement %s not available after %v", hash, timeout)
				}
				return fmt.Errorf("failed to await settlement: %w", err)
			}

			if jsonOutput {
				return outputJSON(c.App.Writer, s)
			}
			fmt.Fprintln(c.App.Writer, "✓ Settlement Received")
			printAPISettlement(c.App.Writer, s)
			return nil
		},
	}
}

func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func printAPISettlements(w io.Writer, recs []*client.Settlement) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tRECEIVER\tAMOUNT (XRP)\tFIAT\tSTATUS\tCREATED")
	for _, s := range recs {
		fiat := "-"
		if s.AmountFiat != nil {
			fiat = s.AmountFiat.String() + " " + s.FiatCurrency
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.TransactionHash,
			s.Receiver,
			s.AmountNative.String(),
			fiat,
			s.Status,
			s.CreatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush()
}

func printAPISettlement(w io.Writer, s *client.Settlement) {
	fmt.Fprintf(w, "Hash:      %s\n", s.TransactionHash)
	fmt.Fprintf(w, "Sender:    %s\n", s.Sender)
	fmt.Fprintf(w, "Receiver:  %s\n", s.Receiver)
	fmt.Fprintf(w, "Amount:    %s XRP\n", s.AmountNative.String())
	if s.AmountFiat != nil {
		fmt.Fprintf(w, "Fiat:      %s %s\n", s.AmountFiat.String(), s.FiatCurrency)
	}
	fmt.Fprintf(w, "Status:    %s\n", s.Status)
	fmt.Fprintf(w, "Ledger:    %d\n", s.LedgerSequence)
	if s.FailureReason != "" {
		fmt.Fprintf(w, "Failure:   %s\n", s.FailureReason)
	}
	fmt.Fprintf(w, "Created:   %s\n", s.CreatedAt.Format(time.RFC3339))
}

// awaitContext bounds ctx by timeout and cancels on interrupt.
func awaitContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
