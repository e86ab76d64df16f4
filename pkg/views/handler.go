package views

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/processor"
)

// handler routes fetched batches to the view's projector inside the
// cycle transaction.
type handler struct {
	subscriptions map[string]Subscription
	projectors    map[string]Projector
	logger        *slog.Logger
}

// NewHandler builds the view batch handler. projectors is keyed by
// Projector.ViewName; every subscribed view must have one.
func NewHandler(subscriptions map[string]Subscription, projectors map[string]Projector, logger *slog.Logger) processor.Handler[Key] {
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{subscriptions: subscriptions, projectors: projectors, logger: logger}
}

func (h *handler) Handle(ctx context.Context, tx pgx.Tx, key Key, events []dcb.Event) (int, int64, error) {
	sub, ok := h.subscriptions[string(key)]
	if !ok {
		return 0, 0, fmt.Errorf("unknown view %q", key)
	}
	projector, ok := h.projectors[string(key)]
	if !ok {
		return 0, 0, fmt.Errorf("no projector registered for view %q", key)
	}

	// Position advances over the full fetched batch even when the
	// defensive re-filter drops events, otherwise they would be
	// refetched forever.
	matched := make([]dcb.Event, 0, len(events))
	for _, event := range events {
		if sub.Match(event) {
			matched = append(matched, event)
		} else {
			h.logger.Warn("fetched event does not match view subscription",
				"view", string(key), "position", event.Position, "type", event.Type)
		}
	}
	lastPosition := events[len(events)-1].Position

	if len(matched) == 0 {
		return 0, lastPosition, nil
	}

	handled, err := projector.Handle(ctx, tx, matched)
	if err != nil {
		return 0, 0, fmt.Errorf("project batch into view %q: %w", key, err)
	}
	return handled, lastPosition, nil
}
