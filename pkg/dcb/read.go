package dcb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// rowEvent is a helper struct for scanning database rows. The
// transaction id travels as text because xid8 has no native Go
// mapping.
type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	TransactionID string
	Position      int64
	OccurredAt    time.Time
}

// EventColumns is the select list for reading events; adapters that
// query the events table directly use it with ScanEvents.
const EventColumns = "type, tags, data, transaction_id::text, position, occurred_at"

// ScanEvents collects every row of a SELECT over EventColumns.
func ScanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event, err := convertRowToEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over events: %w", err)
	}
	return events, nil
}

// convertRowToEvent converts a database row to an Event.
func convertRowToEvent(row rowEvent) (Event, error) {
	txid, err := strconv.ParseUint(row.TransactionID, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse transaction id %q: %w", row.TransactionID, err)
	}
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		TransactionID: txid,
		Position:      row.Position,
		OccurredAt:    row.OccurredAt,
	}, nil
}

// CursorFromEvent returns the cursor at which the given event has been
// observed.
func CursorFromEvent(e Event) Cursor {
	return Cursor{
		Position:      e.Position,
		TransactionID: e.TransactionID,
		OccurredAt:    e.OccurredAt,
	}
}

// buildReadQuerySQL builds the SQL for reading events matching a query
// after a cursor. Items combine with OR; type and tag predicates
// within an item combine with AND. Tag subset matching uses text[]
// containment on the stored "key=value" form.
func buildReadQuerySQL(q Query, after *Cursor, limit *int) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 8)
	argIndex := 1

	items := q.GetItems()
	if len(items) > 0 {
		orConditions := make([]string, 0, len(items))

		for _, item := range items {
			andConditions := make([]string, 0, 2)

			if len(item.GetEventTypes()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
				args = append(args, item.GetEventTypes())
				argIndex++
			}

			if len(item.GetTags()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
				args = append(args, TagsToArray(item.GetTags()))
				argIndex++
			}

			// An item with neither types nor tags matches everything.
			if len(andConditions) == 0 {
				orConditions = append(orConditions, "TRUE")
				continue
			}

			orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
		}

		conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
	}

	if after != nil && !after.IsZero() {
		// Events strictly after the cursor: same transaction with a
		// higher position, or a later transaction.
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d::xid8 AND position > $%d) OR transaction_id > $%d::xid8)",
			argIndex, argIndex+1, argIndex+2))
		txid := strconv.FormatUint(after.TransactionID, 10)
		args = append(args, txid, after.Position, txid)
		argIndex += 3
	}

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT ")
	sqlQuery.WriteString(EventColumns)
	sqlQuery.WriteString(" FROM events")

	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}

	sqlQuery.WriteString(" ORDER BY transaction_id ASC, position ASC")

	if limit != nil {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT %d", *limit))
	}

	return sqlQuery.String(), args
}

// Query returns the events matching the query after the cursor.
// A nil cursor reads from the beginning of the stream.
func (es *eventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	sqlQuery, args := buildReadQuerySQL(q, after, nil)

	rows, err := es.reader().Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to execute query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
			return nil, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "query",
					Err: fmt.Errorf("failed to scan event row: %w", err),
				},
				Resource: "database",
			}
		}
		event, err := convertRowToEvent(row)
		if err != nil {
			return nil, &EventStoreError{Op: "query", Err: err}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("error iterating over events: %w", err),
			},
			Resource: "database",
		}
	}

	return events, nil
}

// EventStream is a channel-based stream of events. Consume Events
// until the channel closes, then check Err for the failure that ended
// the stream, if any.
type EventStream struct {
	ch  chan Event
	err error
}

// Events returns the channel events arrive on. It is closed when the
// stream is exhausted, fails, or the context is cancelled.
func (s *EventStream) Events() <-chan Event { return s.ch }

// Err reports why the stream ended. Valid once Events is closed: nil
// after normal exhaustion, the terminal error otherwise.
func (s *EventStream) Err() error { return s.err }

// QueryStream creates a channel-based stream of events matching the
// query after the cursor. Events are fetched in pages of the
// configured fetch size so arbitrarily long streams hold a bounded
// amount of memory. A query, scan, or iteration failure closes the
// channel and is reported through Err; a closed channel alone does not
// mean the stream completed.
func (es *eventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (*EventStream, error) {
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	stream := &EventStream{ch: make(chan Event, es.config.StreamBuffer)}

	go func() {
		// err is written before the close, so receivers that drained
		// the channel observe it.
		defer close(stream.ch)

		cursor := after
		limit := es.config.FetchSize

		for {
			sqlQuery, args := buildReadQuerySQL(q, cursor, &limit)

			rows, err := es.reader().Query(ctx, sqlQuery, args...)
			if err != nil {
				stream.err = &ResourceError{
					EventStoreError: EventStoreError{
						Op:  "queryStream",
						Err: fmt.Errorf("failed to execute query: %w", err),
					},
					Resource: "database",
				}
				return
			}

			var page []Event
			for rows.Next() {
				var row rowEvent
				if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.TransactionID, &row.Position, &row.OccurredAt); err != nil {
					rows.Close()
					stream.err = &ResourceError{
						EventStoreError: EventStoreError{
							Op:  "queryStream",
							Err: fmt.Errorf("failed to scan event row: %w", err),
						},
						Resource: "database",
					}
					return
				}
				event, err := convertRowToEvent(row)
				if err != nil {
					rows.Close()
					stream.err = &EventStoreError{Op: "queryStream", Err: err}
					return
				}
				page = append(page, event)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				stream.err = &ResourceError{
					EventStoreError: EventStoreError{
						Op:  "queryStream",
						Err: fmt.Errorf("error iterating over events: %w", err),
					},
					Resource: "database",
				}
				return
			}

			for _, event := range page {
				select {
				case stream.ch <- event:
				case <-ctx.Done():
					stream.err = ctx.Err()
					return
				}
			}

			if len(page) < limit {
				return
			}

			last := CursorFromEvent(page[len(page)-1])
			cursor = &last
		}
	}()

	return stream, nil
}
