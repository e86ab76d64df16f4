// Package views keeps read models up to date: each registered view
// subscribes to a slice of the event stream and applies batches
// through a projector inside the same transaction that advances the
// view's position, so a view can never double-count a committed batch.
package views

import (
	"fmt"

	"go-tidal/pkg/dcb"
)

// Key is the processor key of a view: its name.
type Key string

func (k Key) String() string { return string(k) }

// Subscription selects the events a view consumes. EventTypes matches
// the event type exactly; RequiredTags and AnyOfTags test tag key
// presence, not values. Empty predicates are vacuously satisfied.
type Subscription struct {
	ViewName     string   `yaml:"view_name"`
	EventTypes   []string `yaml:"event_types"`
	RequiredTags []string `yaml:"required_tags"`
	AnyOfTags    []string `yaml:"any_of_tags"`
}

// Validate reports subscription definitions that cannot be keyed.
func (s Subscription) Validate() error {
	if s.ViewName == "" {
		return fmt.Errorf("subscription has no view name")
	}
	return nil
}

// Match reports whether the event falls inside the subscription.
func (s Subscription) Match(event dcb.Event) bool {
	if len(s.EventTypes) > 0 {
		found := false
		for _, t := range s.EventTypes {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	keys := make(map[string]struct{}, len(event.Tags))
	for _, tag := range event.Tags {
		keys[tag.GetKey()] = struct{}{}
	}

	for _, key := range s.RequiredTags {
		if _, ok := keys[key]; !ok {
			return false
		}
	}

	if len(s.AnyOfTags) > 0 {
		found := false
		for _, key := range s.AnyOfTags {
			if _, ok := keys[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
