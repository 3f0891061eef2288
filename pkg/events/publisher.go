package events

import "context"

// EventPublisher is the interface for publishing state change events.
type EventPublisher interface {
	PublishState(ctx context.Context, event *StateChangedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishState is a no-op.
func (p *NoOpPublisher) PublishState(_ context.Context, _ *StateChangedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *StateChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *StateChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishState calls the callback.
func (p *CallbackPublisher) PublishState(ctx context.Context, event *StateChangedEvent) error {
	return p.callback(ctx, event)
}

// Or returns p, or a NoOpPublisher when p is nil.
func Or(p EventPublisher) EventPublisher {
	if p == nil {
		return &NoOpPublisher{}
	}
	return p
}

// MultiPublisher publishes every event to each of its publishers in order.
type MultiPublisher []EventPublisher

// Multi joins publishers, skipping nil ones.
func Multi(publishers ...EventPublisher) MultiPublisher {
	out := make(MultiPublisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// PublishState publishes to every publisher and returns the first error.
func (m MultiPublisher) PublishState(ctx context.Context, event *StateChangedEvent) error {
	var first error
	for _, p := range m {
		if err := p.PublishState(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
