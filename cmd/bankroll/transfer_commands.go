package main

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/transfer"
)

func transferStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a transfer's current status at the payment processor",
		ArgsUsage: "<transfer_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transfer id is required")
			}
			processor, err := getProcessorClient(c)
			if err != nil {
				return err
			}

			t, err := processor.GetTransfer(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, t)
			}
			printTransfer(c.App.Writer, t)
			return nil
		},
	}
}

func transferWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Poll a transfer until it settles or the attempt budget runs out",
		ArgsUsage: "<transfer_id>",
		Description: `Runs the same status poll a deposit runs after confirmation: one status
request, then one more every --delay while the transfer is pending or
processing, up to --max-attempts requests.

Exits non-zero unless the transfer completed.

Example:
  bankroll transfer watch tr_123 --delay 2s`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Status requests before giving up",
				Value: transfer.DefaultMaxAttempts,
			},
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "Delay between status requests",
				Value: transfer.DefaultDelay,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transfer id is required")
			}
			transferID := c.Args().First()
			processor, err := getProcessorClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c)
			defer cancel()

			poller := transfer.NewPoller(processor, transfer.Config{
				MaxAttempts: c.Int("max-attempts"),
				Delay:       c.Duration("delay"),
			}, nil, cliLogger(c))

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Watching transfer %s...\n", transferID)
			}
			outcome := poller.Poll(ctx, transferID)

			if jsonOutput {
				if err := outputJSON(c.App.Writer, outcomeView(outcome)); err != nil {
					return err
				}
			} else {
				printOutcome(c.App.Writer, outcome)
			}

			if outcome.Kind != transfer.OutcomeCompleted {
				return fmt.Errorf("transfer %s ended %s", transferID, outcome.Kind)
			}
			return nil
		},
	}
}

type outcomeJSON struct {
	TransferID string           `json:"transfer_id"`
	Outcome    string           `json:"outcome"`
	Attempts   int              `json:"attempts"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
	Transfer   *client.Transfer `json:"transfer,omitempty"`
}

func outcomeView(o transfer.Outcome) outcomeJSON {
	v := outcomeJSON{
		TransferID: o.TransferID,
		Outcome:    string(o.Kind),
		Attempts:   o.Attempts,
		Message:    o.Message,
		Transfer:   o.Transfer,
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

func printTransfer(w io.Writer, t *client.Transfer) {
	fmt.Fprintf(w, "Transfer:     %s\n", t.ID)
	fmt.Fprintf(w, "Status:       %s\n", t.Status)
	fmt.Fprintf(w, "Amount:       %s %s\n", t.Amount.StringFixed(2), t.Currency)
	fmt.Fprintf(w, "From:         %s\n", t.SourceAccountID)
	fmt.Fprintf(w, "To:           %s\n", t.DestinationAccountID)
	if t.FailureReason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", t.FailureReason)
	}
	if !t.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:      %s\n", t.CreatedAt.Format(time.RFC3339))
	}
}

func printOutcome(w io.Writer, o transfer.Outcome) {
	fmt.Fprintf(w, "Outcome:      %s after %d attempt(s)\n", o.Kind, o.Attempts)
	if o.Message != "" {
		fmt.Fprintf(w, "Message:      %s\n", o.Message)
	}
	if o.Err != nil {
		fmt.Fprintf(w, "Error:        %v\n", o.Err)
	}
	if o.Transfer != nil {
		fmt.Fprintln(w)
		printTransfer(w, o.Transfer)
	}
}
