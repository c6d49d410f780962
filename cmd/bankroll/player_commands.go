package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/client"
)

func playerGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Look up a player in the server's directory cache",
		ArgsUsage: "<player_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("player id is required")
			}
			backend, err := getBackendClient(c, false)
			if err != nil {
				return err
			}

			player, err := backend.GetPlayer(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get player: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, player)
			}
			printPlayer(c.App.Writer, player)
			return nil
		},
	}
}

func playerInvalidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "invalidate",
		Usage: "Drop the server's cached player directory",
		Action: func(c *cli.Context) error {
			backend, err := getBackendClient(c, false)
			if err != nil {
				return err
			}
			if err := backend.InvalidatePlayers(c.Context); err != nil {
				return fmt.Errorf("failed to invalidate player directory: %w", err)
			}
			fmt.Fprintln(c.App.Writer, "✓ Player directory invalidated, the next lookup refetches it")
			return nil
		},
	}
}

func playerListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List players from the fantasy read API",
		Description: `Fetches the full player directory straight from the fantasy read API,
bypassing the server's cache, and prints the players every --jq filter
accepts.

Examples:
  bankroll players list --jq '.team == "KC"' --jq '.position == "QB"'
  bankroll players list --jq '.status == "Active"' --limit 20 --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sport",
				Usage:   "Sport whose directory to fetch",
				EnvVars: []string{"FANTASY_SPORT"},
				Value:   "nfl",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq expression evaluated against each player; all must be truthy (repeatable)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum players to print (0 for all)",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			fantasy, err := getFantasyClient(c)
			if err != nil {
				return err
			}

			players, err := fantasy.Players(c.Context, c.String("sport"))
			if err != nil {
				return fmt.Errorf("failed to fetch players: %w", err)
			}

			matched, err := filterPlayers(players, filters, c.Int("limit"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, matched)
			}
			fmt.Fprintf(c.App.Writer, "%-8s %-28s %-5s %-5s %s\n", "ID", "NAME", "POS", "TEAM", "STATUS")
			for _, p := range matched {
				fmt.Fprintf(c.App.Writer, "%-8s %-28s %-5s %-5s %s\n", p.PlayerID, p.DisplayName(), p.Position, p.Team, p.Status)
			}
			fmt.Fprintf(c.App.ErrWriter, "%d of %d players matched\n", len(matched), len(players))
			return nil
		},
	}
}

func leagueRostersCommand() *cli.Command {
	return &cli.Command{
		Name:      "rosters",
		Usage:     "Show a fantasy league's rosters",
		ArgsUsage: "<league_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sport",
				Usage:   "Sport used to resolve player names",
				EnvVars: []string{"FANTASY_SPORT"},
				Value:   "nfl",
			},
			&cli.BoolFlag{
				Name:  "names",
				Usage: "Resolve starter names from the player directory",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("league id is required")
			}
			leagueID := c.Args().First()
			fantasy, err := getFantasyClient(c)
			if err != nil {
				return err
			}

			league, err := fantasy.League(c.Context, leagueID)
			if err != nil {
				return fmt.Errorf("failed to fetch league: %w", err)
			}
			rosters, err := fantasy.Rosters(c.Context, leagueID)
			if err != nil {
				return fmt.Errorf("failed to fetch rosters: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]interface{}{
					"league":  league,
					"rosters": rosters,
				})
			}

			var players map[string]client.Player
			if c.Bool("names") {
				players, err = fantasy.Players(c.Context, c.String("sport"))
				if err != nil {
					return fmt.Errorf("failed to fetch players: %w", err)
				}
			}

			fmt.Fprintf(c.App.Writer, "%s (%s %s, %d rosters)\n\n", league.Name, league.Sport, league.Season, league.TotalRosters)
			for _, r := range rosters {
				fmt.Fprintf(c.App.Writer, "Roster %d  owner %s  %d players\n", r.RosterID, r.OwnerID, len(r.Players))
				starters := make([]string, 0, len(r.Starters))
				for _, id := range r.Starters {
					starters = append(starters, playerLabel(players, id))
				}
				fmt.Fprintf(c.App.Writer, "  starters: %s\n", strings.Join(starters, ", "))
			}
			return nil
		},
	}
}

// compileFilters parses and compiles each jq expression.
func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(exprs))
	for _, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid jq filter %q: %w", expr, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// matchesAll reports whether every filter's first result is truthy for v.
// A filter that errors or yields nothing does not match.
func matchesAll(filters []*gojq.Code, v interface{}) bool {
	for _, code := range filters {
		iter := code.Run(v)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// filterPlayers returns the players every filter accepts, ordered by ID.
func filterPlayers(players map[string]client.Player, filters []*gojq.Code, limit int) ([]client.Player, error) {
	ids := make([]string, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := make([]client.Player, 0)
	for _, id := range ids {
		p := players[id]
		if p.PlayerID == "" {
			p.PlayerID = id
		}
		if len(filters) > 0 {
			// gojq works on generic JSON values, not structs.
			doc, err := toJQValue(p)
			if err != nil {
				return nil, err
			}
			if !matchesAll(filters, doc) {
				continue
			}
		}
		matched = append(matched, p)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func toJQValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return doc, nil
}

func playerLabel(players map[string]client.Player, id string) string {
	if p, ok := players[id]; ok {
		if name := p.DisplayName(); name != "" {
			return name
		}
	}
	return id
}

func printPlayer(w io.Writer, p *client.Player) {
	fmt.Fprintf(w, "Player:       %s\n", p.PlayerID)
	fmt.Fprintf(w, "Name:         %s\n", p.DisplayName())
	if p.Position != "" {
		fmt.Fprintf(w, "Position:     %s\n", p.Position)
	}
	if p.Team != "" {
		fmt.Fprintf(w, "Team:         %s\n", p.Team)
	}
	if p.Status != "" {
		fmt.Fprintf(w, "Status:       %s\n", p.Status)
	}
}
