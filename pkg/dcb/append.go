package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes raised by the append_events_if database function.
const (
	sqlstateConcurrency = "DCB01"
	sqlstateIdempotency = "DCB02"
)

// conditionItem is the wire form of a QueryItem inside the condition
// payload handed to the database function. Tags travel in the stored
// "key=value" form so the function can use array containment directly.
type conditionItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []string `json:"tags"`
}

type conditionQuery struct {
	Items []conditionItem `json:"items"`
}

type conditionCursor struct {
	Position      int64  `json:"position"`
	TransactionID string `json:"transaction_id"`
}

type conditionPayload struct {
	After         *conditionCursor `json:"after,omitempty"`
	StateChanged  *conditionQuery  `json:"state_changed,omitempty"`
	AlreadyExists *conditionQuery  `json:"already_exists,omitempty"`
	LockTags      string           `json:"lock_tags,omitempty"`
}

func toConditionQuery(q Query) *conditionQuery {
	if q == nil {
		return nil
	}
	out := &conditionQuery{Items: []conditionItem{}}
	for _, item := range q.GetItems() {
		out.Items = append(out.Items, conditionItem{
			EventTypes: item.GetEventTypes(),
			Tags:       TagsToArray(item.GetTags()),
		})
	}
	return out
}

// marshalCondition builds the JSON payload for append_events_if. The
// lock_tags field is the canonical sorted tag union of the
// already-exists query; the function hashes it into the advisory lock
// key so concurrent duplicate attempts serialize on the same lock
// across instances.
func marshalCondition(condition AppendCondition) ([]byte, error) {
	if condition == nil {
		return nil, nil
	}

	payload := conditionPayload{
		StateChanged:  toConditionQuery(condition.getStateChangedQuery()),
		AlreadyExists: toConditionQuery(condition.getAlreadyExistsQuery()),
	}

	if after := condition.getAfterCursor(); after != nil && !after.IsZero() {
		payload.After = &conditionCursor{
			Position:      after.Position,
			TransactionID: strconv.FormatUint(after.TransactionID, 10),
		}
	}

	if exists := condition.getAlreadyExistsQuery(); exists != nil {
		union := queryTagUnion(exists)
		if len(union) > 0 {
			joined := union[0]
			for _, t := range union[1:] {
				joined += "," + t
			}
			payload.LockTags = joined
		}
	}

	return json.Marshal(payload)
}

// Append appends events to the store without any consistency or
// concurrency checks.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (AppendResult, error) {
	if err := validateEvents(events, es.config.MaxBatchSize, "append"); err != nil {
		return AppendResult{}, err
	}

	if es.tx != nil {
		return es.appendInTx(ctx, es.tx, events, nil)
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	var result AppendResult
	err := es.executeWriteInTx(appendCtx, "append", func(tx pgx.Tx) error {
		var err error
		result, err = es.appendInTx(appendCtx, tx, events, nil)
		return err
	})
	return result, err
}

// AppendIf appends events to the store only when the condition holds.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (AppendResult, error) {
	if condition == nil {
		return AppendResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("condition cannot be nil; use Append for unconditional appends"),
			},
			Field: "condition",
			Value: "nil",
		}
	}

	if err := validateEvents(events, es.config.MaxBatchSize, "appendIf"); err != nil {
		return AppendResult{}, err
	}

	if es.tx != nil {
		return es.appendInTx(ctx, es.tx, events, condition)
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	var result AppendResult
	err := es.executeWriteInTx(appendCtx, "appendIf", func(tx pgx.Tx) error {
		var err error
		result, err = es.appendInTx(appendCtx, tx, events, condition)
		return err
	})
	return result, err
}

// executeWriteInTx wraps a write operation in a store-managed
// transaction with the configured isolation level.
func (es *eventStore) executeWriteInTx(ctx context.Context, op string, work func(tx pgx.Tx) error) error {
	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultIsolation),
	})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(ctx)

	if err := work(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	return nil
}

// appendInTx appends events within an existing transaction through the
// append_events_if database function. The function acquires the
// idempotency advisory lock, runs both condition checks, and inserts
// the batch, all under the transaction's snapshot.
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition AppendCondition) (AppendResult, error) {
	conditionJSON, err := marshalCondition(condition)
	if err != nil {
		return AppendResult{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to marshal condition: %w", err),
			},
			Resource: "json",
		}
	}

	types := make([]string, len(events))
	tags := make([][]string, len(events))
	data := make([][]byte, len(events))
	for i, event := range events {
		types[i] = event.GetType()
		tags[i] = TagsToArray(event.GetTags())
		data[i] = event.GetData()
	}

	// Per-event tag arrays travel as jsonb; the function casts each
	// element back to text[] on insert.
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return AppendResult{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to marshal tags: %w", err),
			},
			Resource: "json",
		}
	}

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT append_events_if($1, $2, $3, $4)`,
		types, tagsJSON, data, conditionJSON).Scan(&raw)
	if err != nil {
		return AppendResult{}, mapAppendError(err)
	}

	var decoded struct {
		TransactionID string  `json:"transaction_id"`
		Positions     []int64 `json:"positions"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return AppendResult{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to parse append result: %w", err),
			},
			Resource: "json",
		}
	}

	txid, err := strconv.ParseUint(decoded.TransactionID, 10, 64)
	if err != nil {
		return AppendResult{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to parse transaction id %q: %w", decoded.TransactionID, err),
			},
			Resource: "json",
		}
	}

	return AppendResult{
		TransactionID: txid,
		Positions:     decoded.Positions,
	}, nil
}

// mapAppendError translates the SQLSTATEs raised by append_events_if
// into the store's error types.
func mapAppendError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateConcurrency:
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "appendIf",
					Err: fmt.Errorf("append condition violated: %s", pgErr.Message),
				},
			}
		case sqlstateIdempotency:
			return &IdempotencyError{
				EventStoreError: EventStoreError{
					Op:  "appendIf",
					Err: fmt.Errorf("events matching idempotency condition already exist: %s", pgErr.Message),
				},
			}
		}
	}

	return &ResourceError{
		EventStoreError: EventStoreError{
			Op:  "appendInTx",
			Err: fmt.Errorf("failed to append events: %w", err),
		},
		Resource: "database",
	}
}

// StoreCommand persists a command record under the current transaction.
// The record shares the transaction id with any events appended in the
// same transaction; occurred_at is the database clock.
func (es *eventStore) StoreCommand(ctx context.Context, commandType string, data []byte) error {
	if !es.config.PersistCommands {
		return nil
	}

	if commandType == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("command type cannot be empty"),
			},
			Field: "type",
			Value: "empty",
		}
	}

	_, err := es.db.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, occurred_at)
		VALUES (pg_current_xact_id(), $1, $2, now())
	`, commandType, data)
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("failed to store command: %w", err),
			},
			Resource: "database",
		}
	}

	return nil
}
