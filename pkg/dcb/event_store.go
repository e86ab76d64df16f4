package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the core interface for appending, reading, and
// projecting events.
type EventStore interface {

	// Append atomically persists a batch of events without any
	// consistency check. Use this only when there are no business
	// rules guarding the append.
	Append(ctx context.Context, events []InputEvent) (AppendResult, error)

	// AppendIf atomically persists a batch of events only if the
	// condition holds. Fails with a ConcurrencyError when the
	// state-changed check trips and with an IdempotencyError when the
	// already-exists check trips.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (AppendResult, error)

	// Query returns the events matching the query after the cursor, in
	// stream order. A nil cursor reads from the beginning.
	Query(ctx context.Context, q Query, after *Cursor) ([]Event, error)

	// QueryStream returns a channel-based stream of the events matching
	// the query after the cursor. The stream's channel is closed when
	// the query is exhausted, fails, or the context is cancelled;
	// consumers must check the stream's Err once the channel closes.
	QueryStream(ctx context.Context, q Query, after *Cursor) (*EventStream, error)

	// Project folds the given projectors over the events matching their
	// combined queries, starting after the cursor. It returns the final
	// state per projector id and the cursor of the last event observed.
	Project(ctx context.Context, projectors []BatchProjector, after *Cursor, opts ...ProjectOption) (map[string]any, Cursor, error)

	// WithinTransaction runs work inside a single database transaction.
	// All store operations invoked through the store passed to work
	// share that transaction; the transaction id returned by an inner
	// AppendIf is the id of the outer transaction.
	WithinTransaction(ctx context.Context, work func(ctx context.Context, store EventStore) error) error

	// StoreCommand persists a command record under the current
	// transaction. It is a no-op when command persistence is disabled.
	StoreCommand(ctx context.Context, commandType string, data []byte) error

	// GetConfig returns the store configuration.
	GetConfig() EventStoreConfig
}

// querier is the subset of pgx operations shared by *pgxpool.Pool and
// pgx.Tx, so the same store code serves both pool-level and tx-bound
// operation.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// eventStore implements EventStore over a pgx connection pool. A
// tx-bound copy (db == tx != nil) is handed to WithinTransaction work.
type eventStore struct {
	pool     *pgxpool.Pool // write-side pool; nil on tx-bound copies
	readPool *pgxpool.Pool // read-side pool for queries; equals pool unless a replica is configured
	db       querier       // pool or transaction the store operates on
	tx       pgx.Tx        // non-nil when tx-bound
	config   EventStoreConfig
}

// NewEventStore creates a new EventStore using the provided PostgreSQL
// connection pool and the default configuration.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, DefaultEventStoreConfig())
}

// NewEventStoreWithConfig creates a new EventStore with an explicit
// configuration.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	if pool == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("pool cannot be nil"),
			},
			Field: "pool",
			Value: "nil",
		}
	}

	// Test the connection with context timeout
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	applyConfigDefaults(&config)

	return &eventStore{
		pool:     pool,
		readPool: pool,
		db:       pool,
		config:   config,
	}, nil
}

// NewEventStoreWithReadPool creates an EventStore that issues queries
// and projections against a dedicated read pool (typically a replica)
// while appends, command storage, and transactions use the write pool.
func NewEventStoreWithReadPool(ctx context.Context, writePool, readPool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	store, err := NewEventStoreWithConfig(ctx, writePool, config)
	if err != nil {
		return nil, err
	}
	if readPool != nil {
		store.(*eventStore).readPool = readPool
	}
	return store, nil
}

// NewEventStoreFromPool creates a new EventStore from an existing pool
// without connection testing. This is used for tests that share a
// PostgreSQL container.
func NewEventStoreFromPool(pool *pgxpool.Pool) EventStore {
	config := DefaultEventStoreConfig()
	return &eventStore{
		pool:     pool,
		readPool: pool,
		db:       pool,
		config:   config,
	}
}

func applyConfigDefaults(config *EventStoreConfig) {
	defaults := DefaultEventStoreConfig()
	if config.FetchSize <= 0 {
		config.FetchSize = defaults.FetchSize
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = defaults.AppendTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}
}

// GetConfig returns the store configuration.
func (es *eventStore) GetConfig() EventStoreConfig {
	return es.config
}

// reader returns the handle query operations run on: the transaction
// when tx-bound, the read pool otherwise.
func (es *eventStore) reader() querier {
	if es.tx != nil {
		return es.tx
	}
	return es.readPool
}

// withTimeout creates a new context with timeout, respecting the
// caller's deadline when one is set.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

// toPgxIsoLevel converts our IsolationLevel to pgx.TxIsoLevel.
func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelReadCommitted:
		return pgx.ReadCommitted
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}
