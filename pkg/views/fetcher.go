package views

import (
	"context"
	"fmt"
	"strings"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/processor"
)

// fetcher reads the next batch for a view, filtered in SQL by its
// subscription. The snapshot-xmin gate keeps events from in-flight
// transactions out of the batch so no committed event is ever skipped.
type fetcher struct {
	db            processor.Queryer
	subscriptions map[string]Subscription
}

// NewFetcher builds the view event fetcher over db, which should be
// the read-side pool.
func NewFetcher(db processor.Queryer, subscriptions map[string]Subscription) processor.Fetcher[Key] {
	return &fetcher{db: db, subscriptions: subscriptions}
}

const tagKeyPredicate = "EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = $%d)"

func buildSubscriptionFetchSQL(sub Subscription) (string, func(afterPosition int64, limit int) []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(dcb.EventColumns)
	sb.WriteString(" FROM events WHERE position > $1")
	sb.WriteString(" AND transaction_id < pg_snapshot_xmin(pg_current_snapshot())")

	var extra []any
	argIndex := 3

	if len(sub.EventTypes) > 0 {
		sb.WriteString(fmt.Sprintf(" AND type = ANY($%d::text[])", argIndex))
		extra = append(extra, sub.EventTypes)
		argIndex++
	}

	for _, key := range sub.RequiredTags {
		sb.WriteString(" AND ")
		sb.WriteString(fmt.Sprintf(tagKeyPredicate, argIndex))
		extra = append(extra, key)
		argIndex++
	}

	if len(sub.AnyOfTags) > 0 {
		parts := make([]string, len(sub.AnyOfTags))
		for i, key := range sub.AnyOfTags {
			parts[i] = fmt.Sprintf(tagKeyPredicate, argIndex)
			extra = append(extra, key)
			argIndex++
		}
		sb.WriteString(" AND (")
		sb.WriteString(strings.Join(parts, " OR "))
		sb.WriteString(")")
	}

	sb.WriteString(" ORDER BY position ASC LIMIT $2")

	sql := sb.String()
	return sql, func(afterPosition int64, limit int) []any {
		args := make([]any, 0, 2+len(extra))
		args = append(args, afterPosition, limit)
		args = append(args, extra...)
		return args
	}
}

func (f *fetcher) Fetch(ctx context.Context, key Key, afterPosition int64, limit int) ([]dcb.Event, error) {
	sub, ok := f.subscriptions[string(key)]
	if !ok {
		return nil, fmt.Errorf("unknown view %q", key)
	}

	sql, buildArgs := buildSubscriptionFetchSQL(sub)
	rows, err := f.db.Query(ctx, sql, buildArgs(afterPosition, limit)...)
	if err != nil {
		return nil, fmt.Errorf("fetch events for view %q: %w", key, err)
	}
	events, err := dcb.ScanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("fetch events for view %q: %w", key, err)
	}
	return events, nil
}
