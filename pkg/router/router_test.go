package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/envelope"
)

const routerTestPrefix = "router:router_test"

// recorder is a Hop that keeps what it was given, or fails with err.
type recorder struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
	err  error
}

func (h *recorder) Send(env *envelope.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.sent = append(h.sent, env)
	return nil
}

func (h *recorder) all() []*envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*envelope.Envelope(nil), h.sent...)
}

// echoHandler answers every request with an empty response of the matching kind.
type echoHandler struct {
	calls int
}

func (h *echoHandler) Dispatch(_ context.Context, req *envelope.Envelope) *envelope.Envelope {
	h.calls++
	kind, ok := req.Kind.ResponseKind()
	if !ok {
		return envelope.NewError(req, envelope.CodeKindNotSupported, "unsupported", false)
	}
	resp, _ := envelope.Reply(req, kind, nil)
	return resp
}

func mustEnvelope(t *testing.T, id string, kind envelope.Kind, source, target envelope.ContextID) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewWithID(id, kind, source, target, nil)
	if err != nil {
		t.Fatalf("%s - NewWithID failed: %v", routerTestPrefix, err)
	}
	return env
}

func TestRoute_DispatchesLocalTarget(t *testing.T) {
	handler := &echoHandler{}
	toContent := &recorder{}
	r := New(envelope.ContextPage, handler)
	r.SetRoute(toContent, envelope.ContextContent, envelope.ContextRelay, envelope.ContextPanel)

	r.Route(context.Background(), mustEnvelope(t, "r1", envelope.KindTreeQuery, envelope.ContextPanel, envelope.ContextPage))

	if handler.calls != 1 {
		t.Fatalf("%s - handler calls = %d, want 1", routerTestPrefix, handler.calls)
	}
	sent := toContent.all()
	if len(sent) != 1 {
		t.Fatalf("%s - sent %d envelopes, want 1", routerTestPrefix, len(sent))
	}
	if sent[0].ID != "r1" || sent[0].Kind != envelope.KindTreeResponse || sent[0].Target != envelope.ContextPanel {
		t.Errorf("%s - response = %s", routerTestPrefix, sent[0])
	}
	if st := r.Stats(); st.Dispatched != 1 || st.Forwarded != 1 {
		t.Errorf("%s - stats = %+v", routerTestPrefix, st)
	}
}

func TestRoute_ForwardsByTarget(t *testing.T) {
	toPage := &recorder{}
	toRelay := &recorder{}
	r := New(envelope.ContextContent, nil)
	r.SetRoute(toPage, envelope.ContextPage)
	r.SetRoute(toRelay, envelope.ContextRelay, envelope.ContextPanel)

	tests := []struct {
		name   string
		env    *envelope.Envelope
		expect *recorder
	}{
		{"request toward page", mustEnvelope(t, "a", envelope.KindNodeQuery, envelope.ContextPanel, envelope.ContextPage), toPage},
		{"response toward panel", mustEnvelope(t, "a", envelope.KindNodeResponse, envelope.ContextPage, envelope.ContextPanel), toRelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(tt.expect.all())
			r.Route(context.Background(), tt.env)
			sent := tt.expect.all()
			if len(sent) != before+1 || sent[len(sent)-1] != tt.env {
				t.Errorf("%s - %s not forwarded unchanged", routerTestPrefix, tt.env)
			}
		})
	}
}

func TestRoute_NoRouteAnswersSource(t *testing.T) {
	toPanel := &recorder{}
	r := New(envelope.ContextRelay, nil)
	r.SetRoute(toPanel, envelope.ContextPanel)

	r.Route(context.Background(), mustEnvelope(t, "r9", envelope.KindTreeQuery, envelope.ContextPanel, envelope.ContextPage))

	sent := toPanel.all()
	if len(sent) != 1 {
		t.Fatalf("%s - sent %d envelopes, want 1", routerTestPrefix, len(sent))
	}
	got := sent[0]
	if got.Kind != envelope.KindError || got.ID != "r9" || got.Target != envelope.ContextPanel {
		t.Fatalf("%s - got %s", routerTestPrefix, got)
	}
	if detail := got.ErrorDetail(); detail.Code != envelope.CodeNoRoute || !detail.Retryable {
		t.Errorf("%s - detail = %+v", routerTestPrefix, detail)
	}
	if st := r.Stats(); st.Failed != 1 {
		t.Errorf("%s - stats = %+v", routerTestPrefix, st)
	}
}

func TestRoute_NotConnectedAnswersSource(t *testing.T) {
	toPanel := &recorder{}
	toContent := &recorder{err: fmt.Errorf("content link: %w", connection.ErrNotConnected)}
	r := New(envelope.ContextRelay, nil)
	r.SetRoute(toPanel, envelope.ContextPanel)
	r.SetRoute(toContent, envelope.ContextContent, envelope.ContextPage)

	r.Route(context.Background(), mustEnvelope(t, "r2", envelope.KindSupportQuery, envelope.ContextPanel, envelope.ContextPage))

	sent := toPanel.all()
	if len(sent) != 1 || sent[0].Kind != envelope.KindError {
		t.Fatalf("%s - got %v", routerTestPrefix, sent)
	}
	if code := sent[0].ErrorDetail().Code; code != envelope.CodeNotConnected {
		t.Errorf("%s - code = %s, want %s", routerTestPrefix, code, envelope.CodeNotConnected)
	}
}

func TestRoute_UndeliverableResponseIsNotAnswered(t *testing.T) {
	toPage := &recorder{}
	r := New(envelope.ContextContent, nil)
	r.SetRoute(toPage, envelope.ContextPage)

	r.Route(context.Background(), mustEnvelope(t, "r3", envelope.KindTreeResponse, envelope.ContextPage, envelope.ContextPanel))

	if sent := toPage.all(); len(sent) != 0 {
		t.Errorf("%s - error bounced back to page: %v", routerTestPrefix, sent)
	}
	if st := r.Stats(); st.Failed != 1 {
		t.Errorf("%s - stats = %+v", routerTestPrefix, st)
	}
}

func TestRoute_DropsInvalidEnvelopes(t *testing.T) {
	hop := &recorder{}
	handler := &echoHandler{}
	r := New(envelope.ContextPage, handler)
	r.SetRoute(hop, envelope.ContextContent, envelope.ContextRelay, envelope.ContextPanel)

	tests := []struct {
		name string
		env  *envelope.Envelope
	}{
		{"nil", nil},
		{"empty id", &envelope.Envelope{Kind: envelope.KindTreeQuery, Source: envelope.ContextPanel, Target: envelope.ContextPage}},
		{"unknown kind", &envelope.Envelope{ID: "x", Kind: "reboot", Source: envelope.ContextPanel, Target: envelope.ContextPage}},
		{"unknown target", &envelope.Envelope{ID: "x", Kind: envelope.KindTreeQuery, Source: envelope.ContextPanel, Target: "devtools"}},
		{"source equals target", &envelope.Envelope{ID: "x", Kind: envelope.KindTreeQuery, Source: envelope.ContextPage, Target: envelope.ContextPage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Route(context.Background(), tt.env)
		})
	}

	if handler.calls != 0 || len(hop.all()) != 0 {
		t.Errorf("%s - invalid envelopes were acted on: calls=%d sent=%d", routerTestPrefix, handler.calls, len(hop.all()))
	}
	if st := r.Stats(); st.Dropped != int64(len(tests)) {
		t.Errorf("%s - dropped = %d, want %d", routerTestPrefix, st.Dropped, len(tests))
	}
}

func TestRoute_RelayOnlyContextRejectsRequests(t *testing.T) {
	toPanel := &recorder{}
	r := New(envelope.ContextRelay, nil)
	r.SetRoute(toPanel, envelope.ContextPanel)

	r.Route(context.Background(), mustEnvelope(t, "r4", envelope.KindTreeQuery, envelope.ContextPanel, envelope.ContextRelay))

	sent := toPanel.all()
	if len(sent) != 1 || sent[0].ErrorDetail().Code != envelope.CodeKindNotSupported {
		t.Errorf("%s - got %v", routerTestPrefix, sent)
	}
}

func TestHopFunc(t *testing.T) {
	want := errors.New("boom")
	hop := HopFunc(func(*envelope.Envelope) error { return want })
	if err := hop.Send(nil); !errors.Is(err, want) {
		t.Errorf("%s - err = %v", routerTestPrefix, err)
	}
}
