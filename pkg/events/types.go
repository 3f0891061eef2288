// Package events defines state change events and publisher interfaces for inspector contexts.
package events

import "time"

// Components that report state changes.
const (
	ComponentConnection = "connection"
	ComponentDetection  = "detection"
	ComponentSnapshot   = "snapshot"
)

// StateChangedEvent is emitted when a connection, detection machine or snapshot changes state.
type StateChangedEvent struct {
	Namespace string `json:"namespace"`
	Context   string `json:"context"`
	Component string `json:"component"`
	Channel   string `json:"channel,omitempty"`
	State     string `json:"state"`
	Previous  string `json:"previous,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewStateChangedEvent stamps an event with the current time.
func NewStateChangedEvent(context, component, state string) *StateChangedEvent {
	return &StateChangedEvent{
		Context:   context,
		Component: component,
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
