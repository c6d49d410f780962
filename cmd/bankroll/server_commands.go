package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/client"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Report the BFF's dependency checks",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			timeout := c.Duration("timeout")
			backend, err := getBackendClient(c, false)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, timeout)
			defer cancel()

			report, err := backend.Health(ctx)
			var apiErr *client.APIError
			switch {
			case errors.As(err, &apiErr):
				return fmt.Errorf("server returned unhealthy status: %d", apiErr.StatusCode)
			case err != nil:
				return fmt.Errorf("health check failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, report)
			}
			fmt.Fprintf(c.App.Writer, "✓ Server is healthy (status: %v)\n", report["status"])
			checks, _ := report["checks"].(map[string]interface{})
			return printChecks(c.App.Writer, checks)
		},
	}
}

// printChecks lists dependency checks in name order.
func printChecks(w io.Writer, checks map[string]interface{}) error {
	if len(checks) == 0 {
		return nil
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%v\n", name, checks[name])
	}
	return tw.Flush()
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the CLI build",
		Action: func(c *cli.Context) error {
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
				})
			}
			fmt.Fprintf(c.App.Writer, "bankroll %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
