package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/service/temporal"
	"github.com/brojonat/bankroll/service/transfer"
)

func describeConfirmationCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Describe a transfer's confirmation workflow",
		Aliases:   []string{"desc"},
		ArgsUsage: "<transfer_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfer ID")
			}
			transferID := c.Args().First()

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			id := temporal.WorkflowID(transferID)
			desc, err := temporalClient.SDKClient().DescribeWorkflowExecution(c.Context, id, "")
			if err != nil {
				return fmt.Errorf("failed to describe workflow %q: %w", id, err)
			}
			info := desc.GetWorkflowExecutionInfo()

			view := map[string]interface{}{
				"workflow_id":    id,
				"run_id":         info.GetExecution().GetRunId(),
				"status":         info.GetStatus().String(),
				"history_length": info.GetHistoryLength(),
				"start_time":     info.GetStartTime().AsTime(),
			}
			if info.GetCloseTime() != nil {
				view["close_time"] = info.GetCloseTime().AsTime()
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, view)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Workflow ID:    %s\n", id)
			fmt.Fprintf(w, "Run ID:         %s\n", info.GetExecution().GetRunId())
			fmt.Fprintf(w, "Status:         %s\n", info.GetStatus().String())
			fmt.Fprintf(w, "History Length: %d\n", info.GetHistoryLength())
			fmt.Fprintf(w, "Started:        %s\n", info.GetStartTime().AsTime().Format(time.RFC3339))
			if info.GetCloseTime() != nil {
				fmt.Fprintf(w, "Closed:         %s\n", info.GetCloseTime().AsTime().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func awaitConfirmationCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Start (or attach to) a transfer's confirmation workflow and wait for its outcome",
		ArgsUsage: "<transfer_id>",
		Description: `Starting is idempotent: a workflow already running for the transfer is
reused, and a completed one is only rerun when it failed.

Example:
  bankroll temporal await tr_123 --user u_1`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "user",
				Usage: "User the transfer belongs to, carried on the published event",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish the outcome to NATS when the workflow ends",
				Value: true,
			},
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
				return fmt.Errorf("requires exactly one argument: transfer ID")
			}
			transferID := c.Args().First()

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx, cancel := signalContext(c)
			defer cancel()

			err = temporalClient.StartTransferConfirmation(ctx, temporal.TransferConfirmationInput{
				TransferID:  transferID,
				UserID:      c.String("user"),
				MaxAttempts: c.Int("max-attempts"),
				Delay:       c.Duration("delay"),
				Publish:     c.Bool("publish"),
			})
			if err != nil {
				return err
			}
			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for %s...\n", temporal.WorkflowID(transferID))
			}

			result, err := temporalClient.AwaitTransferConfirmation(ctx, transferID)
			if err != nil {
				return err
			}
			outcome := result.ToOutcome()
			if c.Bool("json") {
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

func cancelConfirmationCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Stop a transfer's confirmation workflow",
		ArgsUsage: "<transfer_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfer ID")
			}
			transferID := c.Args().First()

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.CancelTransferConfirmation(c.Context, transferID); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Cancellation requested for %s\n", temporal.WorkflowID(transferID))
			return nil
		},
	}
}
