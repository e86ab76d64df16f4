// Package outbox relays stored events to external publishers. Topics
// select events by tag predicates; each (topic, publisher) pair is an
// independent processor with its own progress row, so a slow broker
// never holds back the others.
package outbox

import (
	"fmt"

	"go-tidal/pkg/dcb"
)

// TopicConfig selects events for a topic and names the publishers
// that receive them. RequiredTags and AnyOfTags test tag key presence
// only; ExactTagValues tests full key=value matches. Empty predicates
// are vacuously satisfied, so a zero TopicConfig matches every event.
type TopicConfig struct {
	Name           string            `yaml:"name"`
	RequiredTags   []string          `yaml:"required_tags"`
	AnyOfTags      []string          `yaml:"any_of_tags"`
	ExactTagValues map[string]string `yaml:"exact_tag_values"`
	Publishers     []string          `yaml:"publishers"`
}

// Validate reports configuration errors that would make the topic
// unroutable.
func (c TopicConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("topic has no name")
	}
	if len(c.Publishers) == 0 {
		return fmt.Errorf("topic %q lists no publishers", c.Name)
	}
	return nil
}

// Match reports whether the event satisfies all three predicates.
func (c TopicConfig) Match(event dcb.Event) bool {
	values := make(map[string]string, len(event.Tags))
	for _, tag := range event.Tags {
		values[tag.GetKey()] = tag.GetValue()
	}

	for _, key := range c.RequiredTags {
		if _, ok := values[key]; !ok {
			return false
		}
	}

	if len(c.AnyOfTags) > 0 {
		found := false
		for _, key := range c.AnyOfTags {
			if _, ok := values[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, want := range c.ExactTagValues {
		if got, ok := values[key]; !ok || got != want {
			return false
		}
	}

	return true
}
