package dcb

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return &inputEvent{
		eventType: eventType,
		tags:      tags,
		data:      data,
	}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// This is a convenience function for creating event batches, particularly
// useful when appending multiple related events in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return &tag{
		key:   key,
		value: value,
	}
}

// NewTags creates a slice of tags from key-value pairs.
// Validation is performed when the tags are used in EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		// Return empty tags instead of panicking - validation happens in
		// EventStore operations
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a new Query with a single item matching the given
// tags and event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{
		Items: []QueryItem{
			NewQueryItem(eventTypes, tags),
		},
	}
}

// NewQueryEmpty creates a query with no items. By spec an empty query
// matches all events; prefer NewQueryAll to state the intent.
func NewQueryEmpty() Query {
	return &query{Items: []QueryItem{}}
}

// NewQueryFromItems creates a new query from a list of query items.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{Items: items}
}

// NewQueryAll creates a query that matches all events.
func NewQueryAll() Query {
	return &query{
		Items: []QueryItem{
			NewQueryItem([]string{}, []Tag{}),
		},
	}
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return &queryItem{
		EventTypes: types,
		Tags:       tags,
	}
}

// NewQItem creates a new QueryItem with a single event type and tags.
func NewQItem(eventType string, tags []Tag) QueryItem {
	return NewQueryItem([]string{eventType}, tags)
}

// NewQItemKV creates a new QueryItem with a single event type and
// key-value tags. This is the most concise way to create a QueryItem
// for a single event type.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates a condition that fails with a
// ConcurrencyError when any event matching stateChanged exists.
// The after cursor is zero: the whole stream is the consistency scope.
func NewAppendCondition(stateChanged Query) AppendCondition {
	return NewAppendConditionAfterCursor(stateChanged, nil)
}

// NewAppendConditionAfterCursor creates a condition that fails with a
// ConcurrencyError when an event matching stateChanged exists with a
// position past the after cursor. A nil cursor means the zero cursor.
func NewAppendConditionAfterCursor(stateChanged Query, after *Cursor) AppendCondition {
	return &appendCondition{
		stateChanged: asInternalQuery(stateChanged),
		afterCursor:  after,
	}
}

// NewIdempotencyCondition creates a pure idempotency condition: the
// append fails with an IdempotencyError when any committed event
// matches alreadyExists. Concurrent duplicate attempts serialize
// through an advisory lock derived from the query's tags.
func NewIdempotencyCondition(alreadyExists Query) AppendCondition {
	return &appendCondition{
		alreadyExists: asInternalQuery(alreadyExists),
	}
}

// NewAppendConditionWithIdempotency combines a state-changed check
// after a cursor with an already-exists idempotency check.
func NewAppendConditionWithIdempotency(stateChanged Query, after *Cursor, alreadyExists Query) AppendCondition {
	return &appendCondition{
		stateChanged:  asInternalQuery(stateChanged),
		afterCursor:   after,
		alreadyExists: asInternalQuery(alreadyExists),
	}
}

// NewAppendConditionExpectEmptyStream creates a condition that only
// succeeds when no event at all has been appended yet.
func NewAppendConditionExpectEmptyStream() AppendCondition {
	return NewAppendCondition(NewQueryAll())
}

func asInternalQuery(q Query) *query {
	if q == nil {
		return nil
	}
	return q.(*query)
}
