package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "flexrp",
		Usage: "XRP payment gateway operator CLI",
		Description: `A command-line tool for operating the flexrp settlement service.

Use this CLI to inspect settlements and ledger cursors, replay failed
conversions through Temporal, query the HTTP API, and tail settlement events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Storage inspection commands
			{
				Name:  "db",
				Usage: "Settlement store inspection commands",
				Subcommands: []*cli.Command{
					listSettlementsCommand(),
					getSettlementCommand(),
					listFailedCommand(),
					statsCommand(),
					cursorCommand(),
				},
			},
			// Temporal replay commands
			replayCommands(),
			// Settlement event streaming
			eventsCommands(),
			// Client commands (HTTP API)
			clientCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: globalFlags(),
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "SQLite database file, used when no database URL is set",
			EnvVars: []string{"SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "temporal-task-queue",
			Usage:   "Temporal task queue of the replay worker",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "flexrp-replay",
		},
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "flexrp HTTP API URL",
			EnvVars: []string{"SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			EnvVars: []string{"NATS_URL"},
			Value:   "nats://localhost:4222",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
	}
}
