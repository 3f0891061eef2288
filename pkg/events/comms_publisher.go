package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/inspector-bridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Namespace is stamped on events that do not carry one (e.g. from INSPECTOR_NAMESPACE).
	Namespace string
	// GlobalSubject overrides the global state event subject.
	GlobalSubject string
}

// CommsPublisher publishes state change events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	namespace     string
	globalSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, namespace: commsutil.DefaultNamespace, globalSubject: commsutil.SubjectStateEvent}
	if opts != nil {
		if opts.Namespace != "" {
			p.namespace = opts.Namespace
		}
		if opts.GlobalSubject != "" {
			p.globalSubject = opts.GlobalSubject
		}
	}
	return p
}

// PublishState publishes a StateChangedEvent to both the granular
// and global state event subjects.
func (p *CommsPublisher) PublishState(_ context.Context, event *StateChangedEvent) error {
	if event.Namespace == "" {
		event.Namespace = p.namespace
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	// Publish to granular subject
	granularSubject := commsutil.BuildStateSubject(event.Namespace, event.Context, event.Component)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	// Publish to global subject
	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s %s=%s", commsPublisherLogPrefix, event.Context, event.Component, event.State))
	return nil
}
