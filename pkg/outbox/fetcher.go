package outbox

import (
	"context"
	"fmt"
	"strings"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/processor"
)

// fetcher reads the next batch of events for a topic, filtered in SQL
// by the topic's tag predicates. Only events from transactions already
// visible to every snapshot are returned, so a processor can never
// skip past an event that commits later with a lower position.
type fetcher struct {
	db     processor.Queryer
	topics map[string]TopicConfig
}

// NewFetcher builds the outbox event fetcher over db, which should be
// the read-side pool.
func NewFetcher(db processor.Queryer, topics map[string]TopicConfig) processor.Fetcher[Key] {
	return &fetcher{db: db, topics: topics}
}

// tagKeyPredicate matches events carrying a tag with the given key,
// whatever its value. Tags are stored as "key=value" strings.
const tagKeyPredicate = "EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = $%d)"

func buildTopicFetchSQL(topic TopicConfig) (string, func(afterPosition int64, limit int) []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(dcb.EventColumns)
	sb.WriteString(" FROM events WHERE position > $1")
	sb.WriteString(" AND transaction_id < pg_snapshot_xmin(pg_current_snapshot())")

	var extra []any
	argIndex := 3 // $1 after position, $2 limit

	for _, key := range topic.RequiredTags {
		sb.WriteString(" AND ")
		sb.WriteString(fmt.Sprintf(tagKeyPredicate, argIndex))
		extra = append(extra, key)
		argIndex++
	}

	if len(topic.AnyOfTags) > 0 {
		parts := make([]string, len(topic.AnyOfTags))
		for i, key := range topic.AnyOfTags {
			parts[i] = fmt.Sprintf(tagKeyPredicate, argIndex)
			extra = append(extra, key)
			argIndex++
		}
		sb.WriteString(" AND (")
		sb.WriteString(strings.Join(parts, " OR "))
		sb.WriteString(")")
	}

	if len(topic.ExactTagValues) > 0 {
		pairs := make([]string, 0, len(topic.ExactTagValues))
		for key, value := range topic.ExactTagValues {
			pairs = append(pairs, key+"="+value)
		}
		sb.WriteString(fmt.Sprintf(" AND tags @> $%d::text[]", argIndex))
		extra = append(extra, pairs)
		argIndex++
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
	topic, ok := f.topics[key.Topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", key.Topic)
	}

	sql, buildArgs := buildTopicFetchSQL(topic)
	rows, err := f.db.Query(ctx, sql, buildArgs(afterPosition, limit)...)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", key.String(), err)
	}
	events, err := dcb.ScanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", key.String(), err)
	}
	return events, nil
}
