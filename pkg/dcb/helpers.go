package dcb

import (
	"sort"
	"strings"
)

// TagsToArray converts a slice of Tags to the PostgreSQL TEXT[]
// representation used by the events table: sorted "key=value" strings.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}

	result := make([]string, len(tags))
	for i, tag := range tags {
		result[i] = tag.GetKey() + "=" + tag.GetValue()
	}

	// Sort for consistent ordering
	sort.Strings(result)
	return result
}

// ParseTagsArray converts a PostgreSQL TEXT[] array back to a slice of Tags.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return []Tag{}
	}

	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if item == "" {
			continue
		}

		// Split on first "=" only to handle values containing "="
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := parts[1]
			if key != "" {
				tags = append(tags, NewTag(key, value))
			}
		}
	}
	return tags
}

// queryTagUnion returns the sorted, de-duplicated "key=value" strings
// of all tags across the query's items. This is the canonical form the
// idempotency advisory-lock key is derived from; it must be identical
// across instances for the same logical operation.
func queryTagUnion(q Query) []string {
	if q == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var union []string
	for _, item := range q.GetItems() {
		for _, t := range TagsToArray(item.GetTags()) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				union = append(union, t)
			}
		}
	}
	sort.Strings(union)
	return union
}
