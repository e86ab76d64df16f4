package dcb

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single stored event. Position and TransactionID are
// assigned by the database on append; events are immutable afterwards.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	TransactionID uint64    `json:"transaction_id"`
	Position      int64     `json:"position"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Cursor is an observation point in the event stream. Reads that take
// a cursor return events strictly after it. The zero Cursor means
// "before any event".
type Cursor struct {
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// IsZero reports whether the cursor is the before-any-event cursor.
func (c Cursor) IsZero() bool {
	return c.Position == 0 && c.TransactionID == 0
}

// InputEvent is an event to be appended. Construct via NewInputEvent;
// access only through methods.
type InputEvent interface {
	isInputEvent()
	GetType() string
	GetTags() []Tag
	GetData() []byte
}

// Tag is a key-value pair used for event categorization. Construct
// via NewTag; the stored form is the "key=value" string.
type Tag interface {
	isTag()
	GetKey() string
	GetValue() string
}

// Query selects events. Items are combined with OR; an event matches
// the query iff it matches at least one item. A query with no items
// matches all events.
type Query interface {
	isQuery()
	GetItems() []QueryItem
}

// QueryItem is a single atomic query condition: the event's type must
// be one of EventTypes (empty set means any type) and the event's tags
// must be a superset of Tags.
type QueryItem interface {
	isQueryItem()
	GetEventTypes() []string
	GetTags() []Tag
}

// AppendCondition is the contract an AppendIf call must satisfy: no
// unseen state-changing events past the after cursor, and no existing
// events matching the idempotency query. Construct via the
// NewAppendCondition* helpers.
type AppendCondition interface {
	isAppendCondition()
	getStateChangedQuery() Query
	getAfterCursor() *Cursor
	getAlreadyExistsQuery() Query
}

// AppendResult carries the identifiers assigned by a successful append.
type AppendResult struct {
	TransactionID uint64  `json:"transaction_id"`
	Positions     []int64 `json:"positions"`
}

// LastPosition returns the highest assigned position, or 0 when the
// result is empty.
func (r AppendResult) LastPosition() int64 {
	if len(r.Positions) == 0 {
		return 0
	}
	return r.Positions[len(r.Positions)-1]
}

// IsolationLevel represents PostgreSQL transaction isolation levels as
// a type-safe enum. Only valid values can be constructed via constants
// or ParseIsolationLevel.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig contains configuration for EventStore behavior.
type EventStoreConfig struct {
	PersistCommands  bool           `json:"persist_commands"`  // Record executed commands in the commands table
	DefaultIsolation IsolationLevel `json:"default_isolation"` // Isolation level for store-managed transactions
	FetchSize        int            `json:"fetch_size"`        // Streaming batch size for queries
	MaxBatchSize     int            `json:"max_batch_size"`    // Maximum events per append
	StreamBuffer     int            `json:"stream_buffer"`     // Channel buffer size for QueryStream
	AppendTimeout    int            `json:"append_timeout"`    // Append timeout in milliseconds
	QueryTimeout     int            `json:"query_timeout"`     // Query timeout in milliseconds
}

// DefaultEventStoreConfig returns the configuration used when none is
// provided.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		PersistCommands:  true,
		DefaultIsolation: IsolationLevelReadCommitted,
		FetchSize:        1000,
		MaxBatchSize:     1000,
		StreamBuffer:     100,
		AppendTimeout:    10000,
		QueryTimeout:     15000,
	}
}

// =============================================================================
// INTERNAL IMPLEMENTATIONS
// =============================================================================

type inputEvent struct {
	eventType string
	tags      []Tag
	data      []byte
}

func (e *inputEvent) isInputEvent()   {}
func (e *inputEvent) GetType() string { return e.eventType }
func (e *inputEvent) GetTags() []Tag  { return e.tags }
func (e *inputEvent) GetData() []byte { return e.data }

type tag struct {
	key   string
	value string
}

func (t *tag) isTag()           {}
func (t *tag) GetKey() string   { return t.key }
func (t *tag) GetValue() string { return t.value }

// MarshalJSON ensures Tag is marshaled as {"key":..., "value":...}
func (t *tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{
		Key:   t.key,
		Value: t.value,
	})
}

type query struct {
	Items []QueryItem `json:"items"`
}

func (q *query) isQuery() {}

func (q *query) GetItems() []QueryItem {
	return q.Items
}

type queryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

func (qi *queryItem) isQueryItem() {}

func (qi *queryItem) GetEventTypes() []string {
	return qi.EventTypes
}

func (qi *queryItem) GetTags() []Tag {
	return qi.Tags
}

type appendCondition struct {
	stateChanged  *query
	afterCursor   *Cursor
	alreadyExists *query
}

func (ac *appendCondition) isAppendCondition() {}

func (ac *appendCondition) getStateChangedQuery() Query {
	if ac.stateChanged == nil {
		return nil
	}
	return ac.stateChanged
}

func (ac *appendCondition) getAfterCursor() *Cursor {
	return ac.afterCursor
}

func (ac *appendCondition) getAlreadyExistsQuery() Query {
	if ac.alreadyExists == nil {
		return nil
	}
	return ac.alreadyExists
}
