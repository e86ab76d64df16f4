package dcb

import "fmt"

// validateEvent checks a single input event before it is sent to the
// database.
func validateEvent(event InputEvent, index int) error {
	if event == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("event at index %d is nil", index),
			},
			Field: "event",
			Value: "nil",
		}
	}

	if event.GetType() == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("event at index %d has empty type", index),
			},
			Field: "type",
			Value: "empty",
		}
	}

	tagKeys := make(map[string]bool)
	for _, tag := range event.GetTags() {
		if tag.GetKey() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("event at index %d has tag with empty key", index),
				},
				Field: "tag.key",
				Value: "empty",
			}
		}
		if tag.GetValue() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("event at index %d has tag with empty value for key %s", index, tag.GetKey()),
				},
				Field: "tag.value",
				Value: "empty",
			}
		}
		if tagKeys[tag.GetKey()] {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("event at index %d has duplicate tag key: %s", index, tag.GetKey()),
				},
				Field: "tag.key",
				Value: tag.GetKey(),
			}
		}
		tagKeys[tag.GetKey()] = true
	}

	return nil
}

// validateEvents checks the whole batch, including the configured
// batch-size limit.
func validateEvents(events []InputEvent, maxBatchSize int, op string) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("events slice cannot be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}

	if len(events) > maxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(events), maxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("count:%d", len(events)),
		}
	}

	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}

	return nil
}

// validateQueryTags validates all tags used in a query.
func validateQueryTags(q Query) error {
	if q == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateQueryTags",
				Err: fmt.Errorf("query cannot be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}

	for _, item := range q.GetItems() {
		for _, tag := range item.GetTags() {
			if tag.GetKey() == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("query tag has empty key"),
					},
					Field: "tag.key",
					Value: "empty",
				}
			}
		}
	}

	return nil
}
