package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

func institutionSearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search bank institutions at the payment processor",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum results",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return fmt.Errorf("search query is required")
			}
			processor, err := getProcessorClient(c)
			if err != nil {
				return err
			}

			institutions, err := processor.SearchInstitutions(c.Context, query, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to search institutions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, institutions)
			}
			if len(institutions) == 0 {
				fmt.Fprintf(c.App.Writer, "No institutions match %q\n", query)
				return nil
			}
			fmt.Fprintf(c.App.Writer, "%-20s %s\n", "ID", "NAME")
			for _, inst := range institutions {
				fmt.Fprintf(c.App.Writer, "%-20s %s\n", inst.ID, inst.Name)
			}
			return nil
		},
	}
}
