package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/bankroll/service/nats"
)

// subscribeCommand streams transfer outcome events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transfer outcome events",
		ArgsUsage: "[transfer_id]",
		Description: `Streams transfer outcome events published to NATS JetStream.

Events are published to the subject: transfers.{transfer_id}
Without a transfer id every transfer's events are shown.

Example:
  bankroll nats subscribe --user u_1 --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "user",
				Usage: "Only show events for this user",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events instead of only new ones",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "bankroll-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				subject = natspkg.Subject(c.Args().First())
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("all") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, cancel := signalContext(c)
			defer cancel()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			userID := c.String("user")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(c.App.ErrWriter, "\nWaiting for transfer events... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer cc.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.TransferEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					msg.Ack()

					if userID != "" && event.UserID != userID {
						continue
					}
					count++

					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Fprintln(c.App.Writer, string(data))
					} else {
						printTransferEvent(c.App.Writer, count, event)
					}

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(c.App.ErrWriter, "\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TRANSFERS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}

func printTransferEvent(w io.Writer, n int, event natspkg.TransferEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Event #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Transfer:     %s\n", event.TransferID)
	if event.UserID != "" {
		fmt.Fprintf(w, "User:         %s\n", event.UserID)
	}
	fmt.Fprintf(w, "Outcome:      %s\n", event.Outcome)
	if event.Status != "" {
		fmt.Fprintf(w, "Status:       %s\n", event.Status)
	}
	fmt.Fprintf(w, "Amount:       %s %s\n", event.Amount.StringFixed(2), event.Currency)
	fmt.Fprintf(w, "Attempts:     %d\n", event.Attempts)
	if event.Message != "" {
		fmt.Fprintf(w, "Message:      %s\n", event.Message)
	}
	fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}
