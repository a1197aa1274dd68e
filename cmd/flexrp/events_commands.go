package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/flexrp/service/nats"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/urfave/cli/v2"
)

func eventsCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Settlement event streaming commands",
		Subcommands: []*cli.Command{
			tailCommand(),
			streamCommand(),
		},
	}
}

// tailCommand consumes settlement events straight from NATS JetStream.
func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Tail settlement events from NATS",
		ArgsUsage: "[merchant_address]",
		Description: `Subscribe to settlement events published to NATS JetStream.

Events are published to the subject settlements.{merchant_address}. Without an
address every merchant's settlements are shown.

Example:
  flexrp events tail rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "durable",
				Usage: "Durable consumer name (survives restarts)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			merchant := c.Args().First()
			jsonOutput := c.Bool("json")
			logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))

			if !jsonOutput {
				desc := "all merchants"
				if merchant != "" {
					desc = merchant
				}
				fmt.Fprintf(c.App.ErrWriter, "📡 Tailing settlements for %s (Ctrl-C to exit)\n\n", desc)
			}

			count := 0
			err := natspkg.Consume(ctx, c.String("nats-url"), natspkg.ConsumeOptions{
				Merchant: merchant,
				Durable:  c.String("durable"),
			}, logger, func(event *payment.SettlementEvent) error {
				count++
				return printEvent(c.App.Writer, event, jsonOutput)
			})
			if err != nil {
				return err
			}

			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "\n✅ Received %d settlements\n", count)
			}
			return nil
		},
	}
}

// streamCommand reads the same events through the HTTP API's SSE endpoint.
func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream settlement events via SSE (HTTP)",
		ArgsUsage: "[merchant_address]",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			url := strings.TrimRight(c.String("server-url"), "/") + "/api/v1/stream/settlements"
			if merchant := c.Args().First(); merchant != "" {
				url += "/" + merchant
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// No timeout for streaming
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			err = readSSE(resp.Body, func(event, data string) error {
				return handleSSEEvent(c.App.Writer, c.App.ErrWriter, event, data, c.Bool("json"))
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// readSSE calls fn for every complete event in r. Comment lines are skipped.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := fn(currentEvent, currentData); err != nil {
					return err
				}
			}
			currentEvent, currentData = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func handleSSEEvent(out, errOut io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info map[string]string
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(errOut, "✓ Subscribed to %s\n\n", info["merchant"])
		}
		return nil

	case "settlement":
		if jsonOutput {
			fmt.Fprintln(out, data)
			return nil
		}
		var event payment.SettlementEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		return printEvent(out, &event, false)

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printEvent(w io.Writer, e *payment.SettlementEvent, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Hash:       %s\n", e.TransactionHash)
	fmt.Fprintf(w, "From:       %s\n", e.Sender)
	fmt.Fprintf(w, "To:         %s\n", e.Receiver)
	fmt.Fprintf(w, "Amount:     %s XRP\n", e.AmountNative)
	if e.AmountFiat != "" {
		fmt.Fprintf(w, "Fiat:       %s %s\n", e.AmountFiat, e.FiatCurrency)
	}
	fmt.Fprintf(w, "Status:     %s\n", e.Status)
	fmt.Fprintf(w, "Ledger:     %d\n", e.LedgerSequence)
	fmt.Fprintf(w, "Published:  %s\n", e.PublishedAt.Format(time.RFC3339))
	fmt.Fprintln(w)
	return nil
}
