package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/client"
)

// depositPollWait is how long each server-side wait may hold the request.
const depositPollWait = 10 * time.Second

func depositCommand() *cli.Command {
	return &cli.Command{
		Name:  "deposit",
		Usage: "Run a deposit through the server's funding flow",
		Description: `Opens a funding flow for a linked account, submits the amount, confirms it
and waits for the transfer to settle.

Example:
  bankroll --user-id u_1 deposit --account-id acct_1 --amount 25.00`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "account-id",
				Usage:    "Linked bank account to fund from",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "account-name",
				Usage: "Display name of the account",
			},
			&cli.StringFlag{
				Name:  "mask",
				Usage: "Last digits of the account number",
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount to deposit, e.g. 25.00",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the transfer to settle",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			backend, err := getBackendClient(c, true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration("timeout"))
			defer cancelTimeout()

			session, err := runDeposit(ctx, backend, c.App.ErrWriter, depositRequest{
				AccountID:   c.String("account-id"),
				AccountName: c.String("account-name"),
				Mask:        c.String("mask"),
				Amount:      c.String("amount"),
			})
			if session != nil {
				if c.Bool("json") {
					if err := outputJSON(c.App.Writer, session); err != nil {
						return err
					}
				} else {
					printFundingSession(c.App.Writer, session)
				}
			}
			return err
		},
	}
}

type depositRequest struct {
	AccountID   string
	AccountName string
	Mask        string
	Amount      string
}

// runDeposit walks a funding flow from amount entry to a terminal step. The
// last session seen is returned alongside any error.
func runDeposit(ctx context.Context, backend *client.Client, progress io.Writer, req depositRequest) (*client.FundingSession, error) {
	session, err := backend.StartFunding(ctx, req.AccountID, req.AccountName, req.Mask)
	if err != nil {
		return nil, fmt.Errorf("failed to start deposit: %w", err)
	}
	if session.Step != "amount_entry" {
		return session, fmt.Errorf("deposit unavailable: %s", session.Message)
	}
	fmt.Fprintf(progress, "Funding session %s, available balance %s\n", session.ID, session.Balance)

	session, err = backend.SubmitAmount(ctx, session.ID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to submit amount: %w", err)
	}
	if session.Step != "confirm" {
		return session, fmt.Errorf("amount rejected: %s", session.Message)
	}

	session, err = backend.ConfirmFunding(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm deposit: %w", err)
	}
	if session.TransferID != "" {
		fmt.Fprintf(progress, "Transfer %s submitted, waiting for it to settle...\n", session.TransferID)
	}

	for !session.Terminal {
		next, err := backend.WaitFunding(ctx, session.ID, depositPollWait)
		if err != nil {
			return session, fmt.Errorf("failed to read deposit status: %w", err)
		}
		session = next
	}

	if session.Step != "success" {
		return session, fmt.Errorf("deposit ended %s", session.Step)
	}
	return session, nil
}

func printFundingSession(w io.Writer, s *client.FundingSession) {
	fmt.Fprintf(w, "Session:      %s\n", s.ID)
	fmt.Fprintf(w, "Step:         %s\n", s.Step)
	if s.TransferID != "" {
		fmt.Fprintf(w, "Transfer:     %s\n", s.TransferID)
	}
	if s.DisplayAmount != "" {
		fmt.Fprintf(w, "Amount:       %s\n", s.DisplayAmount)
	} else if s.Amount != "" {
		fmt.Fprintf(w, "Amount:       %s\n", s.Amount)
	}
	if s.Message != "" {
		fmt.Fprintf(w, "Message:      %s\n", s.Message)
	}
}
