package router

import (
	"fmt"
	"log/slog"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/envelope"
)

// inflight is a forwarded request and the links that have yet to answer it.
type inflight struct {
	req   *envelope.Envelope
	links map[string]struct{}
}

// Tracked returns a Hop that sends on every open link of set, like Broadcast, and remembers each
// request until a response with its id passes back through the router. When a link closes, every
// request it was the last hope for is answered with a retryable CONNECTION_LOST error.
func (r *Router) Tracked(set *connection.PortSet) Hop {
	set.OnClose(r.linkClosed)
	return HopFunc(func(env *envelope.Envelope) error {
		if env.Kind.IsResponse() {
			_, err := set.Broadcast(env)
			return err
		}
		links := set.Links()
		if len(links) == 0 {
			_, err := set.Broadcast(env)
			return err
		}

		// Recorded before sending so a fast answer finds the entry.
		r.track(env, links)
		var lastErr error
		emptied := false
		for _, id := range links {
			if err := set.Send(id, env); err != nil {
				lastErr = err
				if r.untrack(env.ID, id) {
					emptied = true
				}
			}
		}
		if emptied {
			return lastErr
		}
		return nil
	})
}

func (r *Router) pending() int {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return len(r.inflight)
}

func (r *Router) track(req *envelope.Envelope, links []string) {
	set := make(map[string]struct{}, len(links))
	for _, id := range links {
		set[id] = struct{}{}
	}
	r.pmu.Lock()
	defer r.pmu.Unlock()
	r.inflight[req.ID] = &inflight{req: req, links: set}
}

// untrack removes linkID from the request and reports whether that left it with no link.
func (r *Router) untrack(id, linkID string) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	f, ok := r.inflight[id]
	if !ok {
		return false
	}
	delete(f.links, linkID)
	if len(f.links) > 0 {
		return false
	}
	delete(r.inflight, id)
	return true
}

func (r *Router) settle(id string) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	delete(r.inflight, id)
}

func (r *Router) linkClosed(linkID string) {
	var lost []*envelope.Envelope
	r.pmu.Lock()
	for id, f := range r.inflight {
		if _, ok := f.links[linkID]; !ok {
			continue
		}
		delete(f.links, linkID)
		if len(f.links) == 0 {
			delete(r.inflight, id)
			lost = append(lost, f.req)
		}
	}
	r.pmu.Unlock()

	if len(lost) > 0 {
		slog.Info(fmt.Sprintf("%s - %s link=%s closed with %d request(s) unanswered", logPrefix, r.local, linkID, len(lost)))
	}
	for _, req := range lost {
		r.fail(req, envelope.CodeConnectionLost, fmt.Sprintf("%s lost link %s before %s was answered", r.local, linkID, req.Target))
	}
}
