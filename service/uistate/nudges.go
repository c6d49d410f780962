package uistate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/bankroll/service/db"
)

// Nudges records when each nudge was last shown to a user so it can be
// rate limited.
type Nudges struct {
	kv     db.KV
	logger *slog.Logger
	now    func() time.Time
}

// NewNudges creates a Nudges backed by kv.
func NewNudges(kv db.KV, logger *slog.Logger) *Nudges {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Nudges{
		kv:     kv,
		logger: logger.With("component", "nudges"),
		now:    time.Now,
	}
}

func nudgeKey(userID, nudge string) string {
	return fmt.Sprintf("nudge:%s:%s", userID, nudge)
}

// LastShown returns when the nudge was last shown, or the zero time.
func (n *Nudges) LastShown(ctx context.Context, userID, nudge string) (time.Time, error) {
	data, err := n.kv.Get(ctx, nudgeKey(userID, nudge))
	if errors.Is(err, db.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read nudge %s: %w", nudge, err)
	}

	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		// Unreadable entries count as never shown.
		n.logger.WarnContext(ctx, "discarding unreadable nudge timestamp",
			"user_id", userID,
			"nudge", nudge,
			"error", err,
		)
		return time.Time{}, nil
	}
	return t, nil
}

// ShouldShow reports whether at least every has passed since the nudge was
// last shown.
func (n *Nudges) ShouldShow(ctx context.Context, userID, nudge string, every time.Duration) (bool, error) {
	last, err := n.LastShown(ctx, userID, nudge)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return n.now().Sub(last) >= every, nil
}

// MarkShown records that the nudge was shown now.
func (n *Nudges) MarkShown(ctx context.Context, userID, nudge string) error {
	stamp := n.now().UTC().Format(time.RFC3339Nano)
	if err := n.kv.Put(ctx, nudgeKey(userID, nudge), []byte(stamp)); err != nil {
		return fmt.Errorf("failed to record nudge %s: %w", nudge, err)
	}
	return nil
}
