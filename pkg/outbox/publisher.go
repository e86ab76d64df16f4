package outbox

import (
	"context"

	"go-tidal/pkg/dcb"
)

// PublishMode selects how batches reach a publisher.
type PublishMode string

const (
	// PublishModeBatch hands the whole fetched batch to the
	// publisher in one call.
	PublishModeBatch PublishMode = "BATCH"
	// PublishModeIndividual delivers events one call at a time, for
	// brokers without batch semantics.
	PublishModeIndividual PublishMode = "INDIVIDUAL"
)

// Publisher delivers events to an external system. Delivery is
// at-least-once: implementations must be idempotent with respect to
// the event's position, because a commit failure after a successful
// publish replays the batch.
type Publisher interface {
	// Name identifies the publisher in topic configuration and
	// progress rows.
	Name() string

	// PublishBatch delivers events in the given order. Returning an
	// error aborts the cycle; the batch is retried later.
	PublishBatch(ctx context.Context, events []dcb.Event) error

	// PreferredMode picks between batch and per-event delivery.
	PreferredMode() PublishMode

	// IsHealthy reports whether the publisher can currently accept
	// events.
	IsHealthy(ctx context.Context) bool
}
