package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/inspector-bridge/pkg/detect"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

const logPrefix = "dispatcher:dispatch"

// Options hold defaults applied when a request leaves a field unset.
type Options struct {
	MaxDepth    int
	MaxChildren int
	ShowPrivate bool
	ShowMethods bool
	// Publisher receives a snapshot event per tree served.
	Publisher events.EventPublisher
}

// Dispatcher routes request envelopes to the page-side components.
type Dispatcher struct {
	detector     *detect.Machine
	walker       *snapshot.Walker
	introspector *introspect.Introspector
	opts         Options
	publisher    events.EventPublisher

	// mu serializes access to the registry-backed components.
	mu sync.Mutex
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(detector *detect.Machine, walker *snapshot.Walker, in *introspect.Introspector, opts Options) *Dispatcher {
	return &Dispatcher{detector: detector, walker: walker, introspector: in, opts: opts, publisher: events.Or(opts.Publisher)}
}

// Dispatch handles req and returns the response envelope. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	slog.Debug(fmt.Sprintf("%s - kind=%s id=%s", logPrefix, req.Kind, req.ID))

	switch req.Kind {
	case envelope.KindSupportQuery:
		return d.handleSupport(ctx, req)
	case envelope.KindTreeQuery:
		return d.handleTree(ctx, req)
	case envelope.KindNodeQuery:
		return d.handleNode(ctx, req)
	case envelope.KindSetProperty:
		return d.handleSetProperty(ctx, req)
	default:
		return errorResponse(req, envelope.CodeKindNotSupported, fmt.Sprintf("Unsupported kind: %s", req.Kind), false)
	}
}

func (d *Dispatcher) handleSupport(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	if d.detector == nil {
		return reply(req, envelope.KindSupportResponse, &SupportResponse{Support: false, Msg: "no detector"})
	}
	result, err := d.detector.Run(ctx)
	if err != nil {
		return errorResponse(req, envelope.CodeTimeout, err.Error(), true)
	}
	return reply(req, envelope.KindSupportResponse, &result)
}

func (d *Dispatcher) handleTree(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	var q TreeQuery
	if err := req.DecodePayload(&q); err != nil {
		return errorResponse(req, envelope.CodeInvalidArgument, "Failed to parse tree-query payload", false)
	}
	if q.MaxDepth < 0 || q.MaxChildren < 0 {
		return errorResponse(req, envelope.CodeInvalidArgument, "maxDepth and maxChildren must not be negative", false)
	}
	if q.MaxDepth == 0 {
		q.MaxDepth = d.opts.MaxDepth
	}
	if q.MaxChildren == 0 {
		q.MaxChildren = d.opts.MaxChildren
	}

	d.mu.Lock()
	nodes, gen, err := d.walker.Snapshot(ctx, q.MaxDepth, q.MaxChildren)
	d.mu.Unlock()
	if err != nil {
		return errorResponse(req, envelope.CodeInternal, err.Error(), true)
	}

	event := events.NewStateChangedEvent(string(req.Target), events.ComponentSnapshot, fmt.Sprintf("generation-%d", gen))
	event.Detail = fmt.Sprintf("%d roots for %s", len(nodes), req.Source)
	if err := d.publisher.PublishState(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish snapshot event: %v", logPrefix, err))
	}
	return reply(req, envelope.KindTreeResponse, &TreeResponse{Nodes: nodes, Generation: gen})
}

func (d *Dispatcher) handleNode(_ context.Context, req *envelope.Envelope) *envelope.Envelope {
	var q NodeQuery
	if err := req.DecodePayload(&q); err != nil {
		return errorResponse(req, envelope.CodeInvalidArgument, "Failed to parse node-query payload", false)
	}
	if q.Handle == "" {
		return errorResponse(req, envelope.CodeInvalidArgument, "handle is required", false)
	}

	opts := introspect.Options{
		ShowPrivate: q.ShowPrivate || d.opts.ShowPrivate,
		ShowMethods: q.ShowMethods || d.opts.ShowMethods,
	}
	d.mu.Lock()
	records := d.introspector.Describe(q.Handle, opts)
	d.mu.Unlock()
	return reply(req, envelope.KindNodeResponse, &NodeResponse{Handle: q.Handle, Properties: records})
}

func (d *Dispatcher) handleSetProperty(_ context.Context, req *envelope.Envelope) *envelope.Envelope {
	var q SetProperty
	if err := req.DecodePayload(&q); err != nil {
		return errorResponse(req, envelope.CodeInvalidArgument, "Failed to parse set-property payload", false)
	}
	if q.Handle == "" || len(q.Path) == 0 {
		return errorResponse(req, envelope.CodeInvalidArgument, "handle and path are required", false)
	}

	d.mu.Lock()
	err := d.introspector.Mutate(q.Handle, q.Path, q.Value)
	d.mu.Unlock()
	if err != nil {
		return mutationErrorToResponse(req, err)
	}
	return reply(req, envelope.KindSetPropertyResponse, &SetPropertyResponse{Ok: true})
}

// --- helpers ---

func reply(req *envelope.Envelope, kind envelope.Kind, payload any) *envelope.Envelope {
	resp, err := envelope.Reply(req, kind, payload)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to build %s: %v", logPrefix, kind, err))
		return errorResponse(req, envelope.CodeInternal, err.Error(), false)
	}
	return resp
}

func errorResponse(req *envelope.Envelope, code, message string, retryable bool) *envelope.Envelope {
	return envelope.NewError(req, code, message, retryable)
}

func mutationErrorToResponse(req *envelope.Envelope, err error) *envelope.Envelope {
	var merr *introspect.MutationError
	if errors.As(err, &merr) {
		return reply(req, envelope.KindSetPropertyResponse, &SetPropertyResponse{
			Ok:      false,
			Code:    string(merr.Code),
			Message: merr.Message,
		})
	}
	return errorResponse(req, envelope.CodeInternal, err.Error(), true)
}
