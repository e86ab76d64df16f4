package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/processor"
)

// handler dispatches fetched batches to the key's publisher. The
// write transaction only carries the progress update; a publisher
// failure propagates so the runtime rolls it back and the batch is
// retried after backoff.
type handler struct {
	topics     map[string]TopicConfig
	publishers map[string]Publisher
	logger     *slog.Logger
}

// NewHandler builds the outbox batch handler. publishers is keyed by
// Publisher.Name.
func NewHandler(topics map[string]TopicConfig, publishers map[string]Publisher, logger *slog.Logger) processor.Handler[Key] {
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{topics: topics, publishers: publishers, logger: logger}
}

func (h *handler) Handle(ctx context.Context, _ pgx.Tx, key Key, events []dcb.Event) (int, int64, error) {
	topic, ok := h.topics[key.Topic]
	if !ok {
		return 0, 0, fmt.Errorf("unknown topic %q", key.Topic)
	}
	publisher, ok := h.publishers[key.Publisher]
	if !ok {
		return 0, 0, fmt.Errorf("unknown publisher %q", key.Publisher)
	}

	// The fetcher already filtered by the topic predicate; re-filter
	// so a stale or drifting configuration can never leak foreign
	// events to a broker. Position still advances over the full
	// fetched batch, otherwise filtered events would be refetched
	// forever.
	matched := make([]dcb.Event, 0, len(events))
	for _, event := range events {
		if topic.Match(event) {
			matched = append(matched, event)
		} else {
			h.logger.Warn("fetched event does not match topic predicate",
				"topic", key.Topic, "position", event.Position, "type", event.Type)
		}
	}
	lastPosition := events[len(events)-1].Position

	if len(matched) == 0 {
		return 0, lastPosition, nil
	}

	if !publisher.IsHealthy(ctx) {
		return 0, 0, fmt.Errorf("publisher %q unhealthy", key.Publisher)
	}

	switch publisher.PreferredMode() {
	case PublishModeIndividual:
		for _, event := range matched {
			if err := publisher.PublishBatch(ctx, []dcb.Event{event}); err != nil {
				return 0, 0, fmt.Errorf("publish event at position %d to %q: %w", event.Position, key.Publisher, err)
			}
		}
	default:
		if err := publisher.PublishBatch(ctx, matched); err != nil {
			return 0, 0, fmt.Errorf("publish batch to %q: %w", key.Publisher, err)
		}
	}

	return len(matched), lastPosition, nil
}
