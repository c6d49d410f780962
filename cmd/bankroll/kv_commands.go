package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/service/db"
)

func kvGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a stored UI state entry",
		ArgsUsage: "<key>",
		Description: `Keys in use:
  nudge:{user_id}:{name}   last time a nudge was shown
  directory:{sport}        player directory snapshot (postgres directory storage)`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("key is required")
			}
			key := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			entry, err := store.GetEntry(c.Context, key)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no entry for key %q", key)
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				var value interface{} = string(entry.Value)
				if json.Valid(entry.Value) {
					value = json.RawMessage(entry.Value)
				}
				return outputJSON(c.App.Writer, map[string]interface{}{
					"key":        entry.Key,
					"value":      value,
					"updated_at": entry.UpdatedAt,
					"size":       len(entry.Value),
				})
			}

			fmt.Fprintf(c.App.Writer, "Key:          %s\n", entry.Key)
			fmt.Fprintf(c.App.Writer, "Updated:      %s\n", entry.UpdatedAt.Format(time.RFC3339))
			fmt.Fprintf(c.App.Writer, "Size:         %d bytes\n", len(entry.Value))
			if len(entry.Value) <= 1024 {
				fmt.Fprintf(c.App.Writer, "Value:        %s\n", entry.Value)
			}
			return nil
		},
	}
}

func kvPruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete UI state entries not updated recently",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Delete entries last updated before now minus this",
				Value: 90 * 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			olderThan := c.Duration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			before := time.Now().Add(-olderThan)
			removed, err := store.DeleteOlderThan(c.Context, before)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]interface{}{
					"removed": removed,
					"before":  before.UTC(),
				})
			}
			fmt.Fprintf(c.App.Writer, "✓ Removed %d entries last updated before %s\n", removed, before.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
