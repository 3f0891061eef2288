// Package router moves envelopes between contexts: it dispatches envelopes addressed to the local
// context and forwards the rest one hop toward their target.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/envelope"
)

const logPrefix = "router:router"

// Hop carries an envelope one step toward its target. *connection.Manager is a Hop.
type Hop interface {
	Send(env *envelope.Envelope) error
}

// HopFunc adapts a function to Hop.
type HopFunc func(env *envelope.Envelope) error

func (f HopFunc) Send(env *envelope.Envelope) error { return f(env) }

// Broadcast returns a Hop that sends on every open link of set.
func Broadcast(set *connection.PortSet) Hop {
	return HopFunc(func(env *envelope.Envelope) error {
		_, err := set.Broadcast(env)
		return err
	})
}

// Handler answers requests addressed to the local context. *dispatcher.Dispatcher is a Handler.
type Handler interface {
	Dispatch(ctx context.Context, req *envelope.Envelope) *envelope.Envelope
}

// Stats counts what the router did with the envelopes it saw.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Forwarded  int64 `json:"forwarded"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	// Pending counts requests sent through a Tracked hop that are still unanswered.
	Pending int `json:"pending"`
}

// Router is owned by one context. Routes may change at any time; a missing route is reported to
// the sender as NO_ROUTE.
type Router struct {
	local   envelope.ContextID
	handler Handler

	mu     sync.RWMutex
	routes map[envelope.ContextID]Hop

	pmu      sync.Mutex
	inflight map[string]*inflight

	dispatched atomic.Int64
	forwarded  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
}

// New creates a Router for local. handler may be nil for contexts that only relay.
func New(local envelope.ContextID, handler Handler) *Router {
	return &Router{
		local:    local,
		handler:  handler,
		routes:   make(map[envelope.ContextID]Hop),
		inflight: make(map[string]*inflight),
	}
}

// SetRoute sends envelopes addressed to each of targets through hop.
func (r *Router) SetRoute(hop Hop, targets ...envelope.ContextID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		r.routes[t] = hop
	}
}

// Local is the context this router serves.
func (r *Router) Local() envelope.ContextID { return r.local }

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched: r.dispatched.Load(),
		Forwarded:  r.forwarded.Load(),
		Failed:     r.failed.Load(),
		Dropped:    r.dropped.Load(),
		Pending:    r.pending(),
	}
}

// ManagerHandler adapts Route for connection.Manager.OnMessage.
func (r *Router) ManagerHandler(ctx context.Context) connection.Handler {
	return func(env *envelope.Envelope) { r.Route(ctx, env) }
}

// LinkHandler adapts Route for connection.PortSet.OnMessage.
func (r *Router) LinkHandler(ctx context.Context) connection.LinkHandler {
	return func(_ string, env *envelope.Envelope) { r.Route(ctx, env) }
}

// Route validates env, then dispatches it locally or forwards it. Invalid envelopes are dropped.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) {
	if err := envelope.Check(env); err != nil {
		r.dropped.Add(1)
		slog.Warn(fmt.Sprintf("%s - %s dropped invalid envelope: %v", logPrefix, r.local, err))
		return
	}
	if env.Kind.IsResponse() {
		r.settle(env.ID)
	}
	if env.Target == r.local {
		r.dispatch(ctx, env)
		return
	}
	r.forward(env)
}

func (r *Router) dispatch(ctx context.Context, req *envelope.Envelope) {
	if req.Kind.IsResponse() {
		r.dropped.Add(1)
		slog.Debug(fmt.Sprintf("%s - %s has no consumer for %s", logPrefix, r.local, req))
		return
	}
	var resp *envelope.Envelope
	if r.handler == nil {
		resp = envelope.NewError(req, envelope.CodeKindNotSupported, fmt.Sprintf("%s does not handle %s", r.local, req.Kind), false)
	} else {
		resp = r.handler.Dispatch(ctx, req)
	}
	r.dispatched.Add(1)
	if resp == nil {
		return
	}
	r.forward(resp)
}

func (r *Router) forward(env *envelope.Envelope) {
	r.mu.RLock()
	hop, ok := r.routes[env.Target]
	r.mu.RUnlock()

	if !ok {
		r.fail(env, envelope.CodeNoRoute, fmt.Sprintf("%s has no route to %s", r.local, env.Target))
		return
	}
	if err := hop.Send(env); err != nil {
		code := envelope.CodeInternal
		if errors.Is(err, connection.ErrNotConnected) {
			code = envelope.CodeNotConnected
		}
		r.fail(env, code, err.Error())
		return
	}
	r.forwarded.Add(1)
	slog.Debug(fmt.Sprintf("%s - %s forwarded %s", logPrefix, r.local, env))
}

// fail answers a request that could not be delivered. Undeliverable responses are only logged so
// two broken routes cannot bounce errors forever.
func (r *Router) fail(env *envelope.Envelope, code, message string) {
	r.failed.Add(1)
	slog.Warn(fmt.Sprintf("%s - %s could not deliver %s: %s", logPrefix, r.local, env, message))
	if env.Kind.IsResponse() {
		return
	}

	errEnv := envelope.NewError(env, code, message, true)
	if errEnv.Target == r.local {
		return
	}
	r.mu.RLock()
	hop, ok := r.routes[errEnv.Target]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := hop.Send(errEnv); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s could not return %s to %s: %v", logPrefix, r.local, code, errEnv.Target, err))
	}
}
