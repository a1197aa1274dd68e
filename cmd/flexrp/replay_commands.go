package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/temporal"
	"github.com/urfave/cli/v2"
)

func replayCommands() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Replay failed conversions through Temporal",
		Subcommands: []*cli.Command{
			replayRunCommand(),
			replayScheduleCommand(),
			replayUnscheduleCommand(),
			replayDescribeCommand(),
			replayPauseCommand(true),
			replayPauseCommand(false),
		},
	}
}

func replayRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start one replay run",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "batch",
				Aliases: []string{"b"},
				Usage:   "Maximum number of failed settlements to replay",
				Value:   100,
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the run finishes and print its result",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			id, err := tc.StartReplay(c.Context, c.Int("batch"))
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, map[string]string{"workflow_id": id})
				}
				fmt.Fprintf(c.App.Writer, "✓ Replay started: %s\n", id)
				return nil
			}

			fmt.Fprintf(c.App.ErrWriter, "Waiting for replay %s...\n", id)
			result, err := tc.WaitReplay(c.Context, id)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printReplayResult(c.App.Writer, id, result)
			return nil
		},
	}
}

func replayScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Create or update the periodic replay schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often to replay",
				Value:   15 * time.Minute,
			},
			&cli.IntFlag{
				Name:    "batch",
				Aliases: []string{"b"},
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval < time.Minute {
				return fmt.Errorf("interval must be at least 1m, got %v", interval)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertReplaySchedule(c.Context, interval, c.Int("batch")); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Replay schedule %s runs every %v\n", temporal.ReplayScheduleID, interval)
			return nil
		},
	}
}

func replayUnscheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "unschedule",
		Usage: "Delete the periodic replay schedule",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteReplaySchedule(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Replay schedule deleted: %s\n", temporal.ReplayScheduleID)
			return nil
		},
	}
}

func replayDescribeCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe",
		Usage:   "Show the replay schedule",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			info, err := tc.DescribeReplaySchedule(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}
			printScheduleInfo(c.App.Writer, info)
			return nil
		},
	}
}

func replayPauseCommand(pause bool) *cli.Command {
	name, verb, defaultNote := "pause", "paused", "Paused via flexrp CLI"
	if !pause {
		name, verb, defaultNote = "resume", "resumed", "Resumed via flexrp CLI"
	}

	return &cli.Command{
		Name:  name,
		Usage: fmt.Sprintf("%s the replay schedule", name),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note recorded on the schedule",
				Value: defaultNote,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.PauseReplaySchedule(c.Context, pause, c.String("note")); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Schedule %s: %s\n", verb, temporal.ReplayScheduleID)
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	// The SDK logs every connection at info; keep the terminal quiet.
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))

	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}

func printReplayResult(w io.Writer, id string, r *temporal.ReplayFailedSettlementsResult) {
	fmt.Fprintf(w, "Workflow:   %s\n", id)
	fmt.Fprintf(w, "Listed:     %d\n", r.Listed)
	fmt.Fprintf(w, "Converted:  %d\n", r.Converted)
	fmt.Fprintf(w, "Skipped:    %d\n", r.Skipped)
	fmt.Fprintf(w, "Failed:     %d\n", r.Failed)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
}

func printScheduleInfo(w io.Writer, info *temporal.ReplayScheduleInfo) {
	fmt.Fprintf(w, "Schedule ID:    %s\n", temporal.ReplayScheduleID)
	fmt.Fprintf(w, "Interval:       every %v\n", info.Interval)
	fmt.Fprintf(w, "Batch Size:     %d\n", info.BatchSize)
	fmt.Fprintf(w, "Paused:         %v\n", info.Paused)
	if info.Note != "" {
		fmt.Fprintf(w, "Note:           %s\n", info.Note)
	}
	fmt.Fprintf(w, "Recent Actions: %d\n", info.RecentActions)
	if info.LastRun != nil {
		fmt.Fprintf(w, "Last Run:       %s\n", info.LastRun.Format(time.RFC3339))
	}
	if info.NextRun != nil {
		fmt.Fprintf(w, "Next Run:       %s\n", info.NextRun.Format(time.RFC3339))
	}
}
