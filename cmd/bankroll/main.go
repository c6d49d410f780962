package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bankroll",
		Usage: "Operator CLI for the bankroll deposit and bank connection backend",
		Description: `A command-line tool for operating and debugging bankroll.

Use this CLI to check transfer status, drive a deposit end to end, search
institutions, inspect the player directory, and look at NATS, Postgres and
Temporal state.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "transfer",
				Usage: "Payment processor transfer commands",
				Subcommands: []*cli.Command{
					transferStatusCommand(),
					transferWatchCommand(),
				},
			},
			depositCommand(),
			{
				Name:    "institutions",
				Aliases: []string{"inst"},
				Usage:   "Bank institution commands",
				Subcommands: []*cli.Command{
					institutionSearchCommand(),
				},
			},
			{
				Name:  "players",
				Usage: "Player directory commands",
				Subcommands: []*cli.Command{
					playerGetCommand(),
					playerListCommand(),
					playerInvalidateCommand(),
				},
			},
			{
				Name:  "league",
				Usage: "Fantasy league commands",
				Subcommands: []*cli.Command{
					leagueRostersCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS transfer event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			{
				Name:  "kv",
				Usage: "Persisted UI state commands",
				Subcommands: []*cli.Command{
					kvGetCommand(),
					kvPruneCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Transfer confirmation workflow commands",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "task-queue",
						Usage:   "Temporal task queue the worker listens on",
						EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
						Value:   "bankroll-transfer-confirmation",
					},
				},
				Subcommands: []*cli.Command{
					describeConfirmationCommand(),
					awaitConfirmationCommand(),
					cancelConfirmationCommand(),
				},
			},
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
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "bankroll server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "user-id",
				Aliases: []string{"u"},
				Usage:   "User to act as on the bankroll server",
				EnvVars: []string{"BANKROLL_USER_ID"},
			},
			&cli.StringFlag{
				Name:    "processor-base-url",
				Usage:   "Payment processor API base URL",
				EnvVars: []string{"PROCESSOR_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "processor-api-key",
				Usage:   "Payment processor API key",
				EnvVars: []string{"PROCESSOR_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "fantasy-base-url",
				Usage:   "Fantasy read API base URL",
				EnvVars: []string{"FANTASY_API_BASE_URL"},
				Value:   "https://api.sleeper.app",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
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
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log client activity to stderr",
			},
		},
	}
}
