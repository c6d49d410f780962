package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/bankroll/service/funding"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/uistate"
)

const keepaliveInterval = 10 * time.Second

// TransferStream relays transfer outcome events from JetStream to SSE clients.
type TransferStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewTransferStream connects to NATS for streaming transfer events.
func NewTransferStream(natsURL string, logger *slog.Logger) (*TransferStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("bankroll-transfer-stream"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("transfer stream initialized", "nats_url", natsURL)

	return &TransferStream{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (s *TransferStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("transfer stream closed")
	}
	return nil
}

// startStream writes the SSE headers and lifts the server write timeout for
// this response.
func startStream(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flush(w)
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flush(w)
	return nil
}

func writeKeepalive(w http.ResponseWriter) {
	fmt.Fprintf(w, ": keepalive\n\n")
	flush(w)
}

// handleStreamFunding streams a funding flow's steps until it settles or
// the client disconnects.
// GET /api/v1/funding/{id}/events
func handleStreamFunding(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Funding(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "funding session not found", http.StatusNotFound)
			return
		}

		// The flow's current step is read on every wakeup, so a single
		// pending signal is enough.
		changed := make(chan struct{}, 1)
		unsubscribe := f.Subscribe(func(funding.Step) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		startStream(w)
		logger.DebugContext(r.Context(), "funding stream connected", "flow_id", f.ID(), "remote_addr", r.RemoteAddr)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		last := ""
		for {
			step := f.Step()
			view := fundingView(f.ID(), step)
			key := view.Step + "|" + view.TransferID + "|" + view.Message
			if key != last {
				if err := writeEvent(w, "step", view); err != nil {
					return
				}
				last = key
			}
			if step.Terminal() {
				return
			}

			select {
			case <-changed:
			case <-keepalive.C:
				writeKeepalive(w)
			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "funding stream disconnected", "flow_id", f.ID())
				return
			}
		}
	})
}

// handleStreamPendingDeposits streams the user's pending-deposit count.
// GET /api/v1/badges/pending-deposits/events
func handleStreamPendingDeposits(badges *uistate.Badges, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		badge := badges.For(userID)

		changed := make(chan struct{}, 1)
		unsubscribe := badge.Subscribe(func(int) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		startStream(w)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		last := -1
		for {
			if count := badge.Value(); count != last {
				if err := writeEvent(w, "count", map[string]int{"count": count}); err != nil {
					return
				}
				last = count
			}

			select {
			case <-changed:
			case <-keepalive.C:
				writeKeepalive(w)
			case <-r.Context().Done():
				return
			}
		}
	})
}

// handleStreamTransfers streams the caller's transfer outcome events. With
// a transfer_id path value only that transfer's events are sent.
// GET /api/v1/stream/transfers[/{transfer_id}]
func handleStreamTransfers(stream *TransferStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		transferID := r.PathValue("transfer_id")
		subject := natspkg.StreamSubjects
		if transferID != "" {
			if err := validateIdentifier("transfer id", transferID); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.Subject(transferID)
		}

		startStream(w)

		logger.DebugContext(r.Context(), "transfer stream client connected",
			"user_id", userID,
			"subject", subject,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral consumer, removed when the connection closes.
		cons, err := stream.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"subject", subject,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
		flush(w)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				writeKeepalive(w)

			case msg := <-msgChan:
				var event natspkg.TransferEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}
				msg.Ack()

				// Events of other users share the stream.
				if event.UserID != userID {
					continue
				}
				if err := writeEvent(w, "transfer", event); err != nil {
					return
				}

				logger.DebugContext(r.Context(), "sent transfer event",
					"transfer_id", event.TransferID,
					"outcome", event.Outcome,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "transfer stream client disconnected",
					"user_id", userID,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
