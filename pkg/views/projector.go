package views

import (
	"context"

	"github.com/jackc/pgx/v5"

	"go-tidal/pkg/dcb"
)

// Projector applies a batch of events to a view's storage. Handle runs
// inside the cycle's write transaction; the view's position advances
// in that same transaction, after Handle returns. Invocation is
// at-least-once, so projectors must be idempotent: upsert keyed on an
// event-derived identity (transaction id + position), or make updates
// commutative under replay (e.g. rewrite a balance from the event's
// absolute value).
type Projector interface {
	// ViewName ties the projector to its subscription and progress
	// row.
	ViewName() string

	// Handle applies the batch using tx and returns how many events
	// it handled. An error rolls the transaction back; the position
	// does not advance.
	Handle(ctx context.Context, tx pgx.Tx, events []dcb.Event) (int, error)
}
