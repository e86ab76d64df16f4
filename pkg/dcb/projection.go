package dcb

import (
	"context"
	"fmt"
)

// Decoder turns a stored payload into the typed value a projector's
// transition function receives. Payloads are opaque bytes in the
// store; projection is where they become typed.
type Decoder func(eventType string, data []byte) (any, error)

// StateProjector defines how to project a state from events. The
// transition function receives the event and, when a Decoder is
// configured, the decoded payload.
type StateProjector struct {
	Query        Query                                         `json:"query"`
	InitialState any                                           `json:"initial_state"`
	TransitionFn func(state any, event Event, payload any) any `json:"-"`
}

// BatchProjector combines a state projector with an identifier.
type BatchProjector struct {
	ID             string         `json:"id"`
	StateProjector StateProjector `json:"state_projector"`
}

// ProjectOption configures a Project call.
type ProjectOption func(*projectOptions)

type projectOptions struct {
	decoder Decoder
}

// WithDecoder supplies the payload decoder used for all projectors in
// the call. Without it, transition functions receive a nil payload and
// work from Event.Data directly.
func WithDecoder(d Decoder) ProjectOption {
	return func(o *projectOptions) {
		o.decoder = d
	}
}

// combineProjectorQueries unions the query items of all projectors so
// a single stream feeds every projector.
func combineProjectorQueries(projectors []BatchProjector) Query {
	var allItems []QueryItem
	for _, bp := range projectors {
		if bp.StateProjector.Query == nil {
			continue
		}
		allItems = append(allItems, bp.StateProjector.Query.GetItems()...)
	}
	return &query{Items: allItems}
}

// eventMatchesQuery checks an event against a query in Go, mirroring
// the SQL matching: OR across items; within an item the type must be
// in the item's set (empty set matches any) and the event's tags must
// be a superset of the item's tags.
func eventMatchesQuery(event Event, q Query) bool {
	items := q.GetItems()
	if len(items) == 0 {
		return true
	}

	eventTags := make(map[string]string, len(event.Tags))
	for _, t := range event.Tags {
		eventTags[t.GetKey()] = t.GetValue()
	}

	for _, item := range items {
		if matchesItem(event, eventTags, item) {
			return true
		}
	}
	return false
}

func matchesItem(event Event, eventTags map[string]string, item QueryItem) bool {
	if types := item.GetEventTypes(); len(types) > 0 {
		found := false
		for _, t := range types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, required := range item.GetTags() {
		value, ok := eventTags[required.GetKey()]
		if !ok || value != required.GetValue() {
			return false
		}
	}

	return true
}

// Project folds the projectors over the stream of events matching
// their combined queries, starting after the cursor. Projectors run in
// declaration order per event; each projector only sees events
// matching its own query. The returned cursor is that of the last
// event observed, or the after cursor (zero when nil) if the stream
// was empty.
func (es *eventStore) Project(ctx context.Context, projectors []BatchProjector, after *Cursor, opts ...ProjectOption) (map[string]any, Cursor, error) {
	var options projectOptions
	for _, opt := range opts {
		opt(&options)
	}

	if len(projectors) == 0 {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("projectors cannot be empty"),
			},
			Field: "projectors",
			Value: "empty",
		}
	}

	for i, bp := range projectors {
		if bp.ID == "" {
			return nil, Cursor{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector at index %d has empty id", i),
				},
				Field: "id",
				Value: "empty",
			}
		}
		if bp.StateProjector.TransitionFn == nil {
			return nil, Cursor{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %s has nil transition function", bp.ID),
				},
				Field: "transition",
				Value: "nil",
			}
		}
	}

	combined := combineProjectorQueries(projectors)

	states := make(map[string]any, len(projectors))
	for _, bp := range projectors {
		states[bp.ID] = bp.StateProjector.InitialState
	}

	cursor := Cursor{}
	if after != nil {
		cursor = *after
	}

	// Cancelling on return stops the stream's paging goroutine when
	// projection aborts mid-stream.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := es.QueryStream(streamCtx, combined, after)
	if err != nil {
		return nil, Cursor{}, err
	}

	for event := range stream.Events() {
		var payload any
		if options.decoder != nil {
			decoded, err := options.decoder(event.Type, event.Data)
			if err != nil {
				return nil, Cursor{}, &EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("failed to decode event %s at position %d: %w", event.Type, event.Position, err),
				}
			}
			payload = decoded
		}

		for _, bp := range projectors {
			if bp.StateProjector.Query != nil && !eventMatchesQuery(event, bp.StateProjector.Query) {
				continue
			}
			states[bp.ID] = bp.StateProjector.TransitionFn(states[bp.ID], event, payload)
		}
		cursor = CursorFromEvent(event)
	}

	if err := ctx.Err(); err != nil {
		return nil, Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: err,
			},
			Resource: "database",
		}
	}

	// A closed channel alone does not mean the stream completed; a
	// read failure must not masquerade as projected-from-empty state.
	if err := stream.Err(); err != nil {
		return nil, Cursor{}, err
	}

	return states, cursor, nil
}
