// Package notify alerts operators about settlement events that need a
// human: bad debt, liquidations and a stalled withdrawal queue. Events are
// filtered by type and fanned out to every configured sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event types operators can subscribe to via notify.events.
const (
	EventBadDebt      = "bad_debt"
	EventLiquidation  = "liquidation"
	EventQueueStalled = "queue_stalled"
)

// Sender delivers one message over one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards allowed events to all senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether the notifier would deliver event.
func (n *Notifier) Enabled(event string) bool {
	return n != nil && len(n.senders) > 0 && (len(n.events) == 0 || n.events[event])
}

// Notify delivers a message if event is allowed. A failing sender does not
// stop delivery to the others; all failures are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// BadDebt reports a settlement that left the pool short.
func (n *Notifier) BadDebt(ctx context.Context, positionID string, amount, uncollectedFee uint64) error {
	return n.Notify(ctx, EventBadDebt, "Bad debt recorded",
		fmt.Sprintf("position %s settled with %d bad debt (%d uncollected fees)", positionID, amount, uncollectedFee))
}

// Liquidation reports a liquidated position.
func (n *Notifier) Liquidation(ctx context.Context, positionID string, price uint64, equity int64) error {
	return n.Notify(ctx, EventLiquidation, "Position liquidated",
		fmt.Sprintf("position %s liquidated at %d with equity %d", positionID, price, equity))
}

// QueueStalled reports a withdrawal request the pool could not serve.
func (n *Notifier) QueueStalled(ctx context.Context, requestID, depth, available uint64) error {
	return n.Notify(ctx, EventQueueStalled, "Withdrawal queue stalled",
		fmt.Sprintf("request %d waiting with %d queued; pool cash available %d", requestID, depth, available))
}
