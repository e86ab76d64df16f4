package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// WithinTransaction runs work inside a single database transaction at
// the configured isolation level. The store handed to work is bound to
// that transaction: every Append, AppendIf, Query, Project, and
// StoreCommand it performs shares the transaction and its snapshot.
// The transaction commits when work returns nil and rolls back
// otherwise.
//
// Calling WithinTransaction on an already tx-bound store runs work in
// the same transaction.
func (es *eventStore) WithinTransaction(ctx context.Context, work func(ctx context.Context, store EventStore) error) error {
	if work == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "withinTransaction",
				Err: fmt.Errorf("work cannot be nil"),
			},
			Field: "work",
			Value: "nil",
		}
	}

	if es.tx != nil {
		return work(ctx, es)
	}

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultIsolation),
	})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "withinTransaction",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(ctx)

	txStore := &eventStore{
		pool:     es.pool,
		readPool: es.readPool,
		db:       tx,
		tx:       tx,
		config:   es.config,
	}

	if err := work(ctx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "withinTransaction",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	return nil
}
