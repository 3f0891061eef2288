package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/dispatcher"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

const clientTestPrefix = "panel:client_test"

// scriptedConn answers each request with the next step of a script.
type scriptedConn struct {
	mu    sync.Mutex
	steps []func(req *envelope.Envelope) (*envelope.Envelope, error)
	seen  []*envelope.Envelope
}

func (c *scriptedConn) Request(_ context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, req)
	if len(c.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := c.steps[0]
	if len(c.steps) > 1 {
		c.steps = c.steps[1:]
	}
	return step(req)
}

func (c *scriptedConn) State() connection.Status {
	return connection.Status{Channel: "panel", State: connection.StateOpen, Connected: true}
}

func (c *scriptedConn) requests() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*envelope.Envelope(nil), c.seen...)
}

func answer(kind envelope.Kind, payload any) func(*envelope.Envelope) (*envelope.Envelope, error) {
	return func(req *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(req, kind, payload)
	}
}

func fail(code string, retryable bool) func(*envelope.Envelope) (*envelope.Envelope, error) {
	return func(req *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.NewError(req, code, "scripted failure", retryable), nil
	}
}

func newTestClient(conn Conn) *Client {
	return New(conn, Options{Policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second, Backoff: retry.BackoffFixed}})
}

func TestClient_RequestTree(t *testing.T) {
	tree := &dispatcher.TreeResponse{
		Nodes:      []snapshot.TreeNode{{Handle: "h1", Name: "stage", TypeName: "Stage", Visible: true}},
		Generation: 4,
	}
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){answer(envelope.KindTreeResponse, tree)}}
	c := newTestClient(conn)

	var notified []snapshot.TreeNode
	c.OnTreeSnapshot(func(nodes []snapshot.TreeNode) { notified = nodes })

	got, err := c.RequestTree(context.Background())
	if err != nil {
		t.Fatalf("%s - RequestTree failed: %v", clientTestPrefix, err)
	}
	if got.Generation != 4 || len(got.Nodes) != 1 || got.Nodes[0].Handle != "h1" {
		t.Errorf("%s - tree = %+v", clientTestPrefix, got)
	}
	if len(notified) != 1 {
		t.Errorf("%s - listener got %v", clientTestPrefix, notified)
	}

	req := conn.requests()[0]
	if req.Kind != envelope.KindTreeQuery || req.Source != envelope.ContextPanel || req.Target != envelope.ContextPage {
		t.Errorf("%s - request = %s", clientTestPrefix, req)
	}
}

func TestClient_NonRetryableErrorStopsAtOnce(t *testing.T) {
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){fail(envelope.CodeInvalidArgument, false)}}
	c := newTestClient(conn)

	_, err := c.RequestProperties(context.Background(), "h1")
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("%s - expected *RemoteError, got %v", clientTestPrefix, err)
	}
	if rerr.Code != envelope.CodeInvalidArgument || rerr.Retryable {
		t.Errorf("%s - remote error = %+v", clientTestPrefix, rerr)
	}
	if n := len(conn.requests()); n != 1 {
		t.Errorf("%s - attempts = %d, want 1", clientTestPrefix, n)
	}
}

func TestClient_RetryableErrorIsRetriedWithFreshIDs(t *testing.T) {
	info := &SupportInfo{Support: true, EngineType: "egret", Version: "5.2.33", Msg: "Egret 5.2.33 detected"}
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){
		fail(envelope.CodeNoRoute, true),
		answer(envelope.KindSupportResponse, info),
	}}
	c := newTestClient(conn)

	var notified SupportInfo
	c.OnSupport(func(s SupportInfo) { notified = s })

	got, err := c.QuerySupport(context.Background())
	if err != nil {
		t.Fatalf("%s - QuerySupport failed: %v", clientTestPrefix, err)
	}
	if !got.Support || notified.EngineType != "egret" {
		t.Errorf("%s - got %+v notified %+v", clientTestPrefix, got, notified)
	}
	reqs := conn.requests()
	if len(reqs) != 2 || reqs[0].ID == reqs[1].ID {
		t.Errorf("%s - attempts = %v", clientTestPrefix, reqs)
	}
}

func TestClient_NotConnectedExhausts(t *testing.T) {
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){
		func(*envelope.Envelope) (*envelope.Envelope, error) { return nil, connection.ErrNotConnected },
	}}
	c := newTestClient(conn)

	_, err := c.RequestTree(context.Background())
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, connection.ErrNotConnected) {
		t.Errorf("%s - err = %v", clientTestPrefix, err)
	}
	if n := len(conn.requests()); n != 3 {
		t.Errorf("%s - attempts = %d, want 3", clientTestPrefix, n)
	}
}

func TestClient_UnexpectedKindIsNotRetried(t *testing.T) {
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){answer(envelope.KindNodeResponse, nil)}}
	c := newTestClient(conn)

	if _, err := c.RequestTree(context.Background()); err == nil {
		t.Fatalf("%s - expected an error", clientTestPrefix)
	}
	if n := len(conn.requests()); n != 1 {
		t.Errorf("%s - attempts = %d, want 1", clientTestPrefix, n)
	}
}

func TestClient_RequestProperties(t *testing.T) {
	node := &dispatcher.NodeResponse{Handle: "h1", Properties: []introspect.PropertyRecord{{Name: "x", Value: 3.0, DataType: introspect.TypeNumber}}}
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){answer(envelope.KindNodeResponse, node)}}
	c := newTestClient(conn)

	var gotHandle string
	c.OnPropertyRecords(func(handle string, _ []introspect.PropertyRecord) { gotHandle = handle })

	props, err := c.RequestProperties(context.Background(), "h1")
	if err != nil {
		t.Fatalf("%s - RequestProperties failed: %v", clientTestPrefix, err)
	}
	if len(props) != 1 || props[0].Name != "x" || gotHandle != "h1" {
		t.Errorf("%s - props = %+v handle = %s", clientTestPrefix, props, gotHandle)
	}

	var q dispatcher.NodeQuery
	if err := conn.requests()[0].DecodePayload(&q); err != nil || q.Handle != "h1" {
		t.Errorf("%s - query = %+v err = %v", clientTestPrefix, q, err)
	}
}

func TestClient_SetPropertyRejected(t *testing.T) {
	rejected := &dispatcher.SetPropertyResponse{Ok: false, Code: string(introspect.InvalidValue), Message: "alpha must be within [0, 1]"}
	conn := &scriptedConn{steps: []func(*envelope.Envelope) (*envelope.Envelope, error){answer(envelope.KindSetPropertyResponse, rejected)}}
	c := newTestClient(conn)

	res, err := c.SetProperty(context.Background(), "h1", []string{"alpha"}, 1.5)
	if err != nil {
		t.Fatalf("%s - SetProperty failed: %v", clientTestPrefix, err)
	}
	if res.Ok || res.Code != string(introspect.InvalidValue) {
		t.Errorf("%s - result = %+v", clientTestPrefix, res)
	}
}

func TestClient_ConnectionState(t *testing.T) {
	c := newTestClient(&scriptedConn{})
	if st := c.ConnectionState(); !st.Connected || st.State != connection.StateOpen {
		t.Errorf("%s - state = %+v", clientTestPrefix, st)
	}
}

// pushConn is a scriptedConn that also surfaces unsolicited envelopes.
type pushConn struct {
	scriptedConn
	handlers []connection.Handler
}

func (c *pushConn) OnMessage(handler connection.Handler) {
	c.handlers = append(c.handlers, handler)
}

func (c *pushConn) push(env *envelope.Envelope) {
	for _, h := range c.handlers {
		h(env)
	}
}

func TestClient_SupportAnnouncementNotifiesListeners(t *testing.T) {
	conn := &pushConn{}
	c := newTestClient(conn)
	if len(conn.handlers) != 1 {
		t.Fatalf("%s - client registered %d handlers, want 1", clientTestPrefix, len(conn.handlers))
	}

	var got []SupportInfo
	c.OnSupport(func(info SupportInfo) { got = append(got, info) })

	announce, err := envelope.New(envelope.KindSupportResponse, envelope.ContextPage, envelope.ContextPanel, &SupportInfo{Support: false, Msg: "engine not found"})
	if err != nil {
		t.Fatalf("%s - New failed: %v", clientTestPrefix, err)
	}
	conn.push(announce)

	other, err := envelope.New(envelope.KindTreeResponse, envelope.ContextPage, envelope.ContextPanel, &dispatcher.TreeResponse{})
	if err != nil {
		t.Fatalf("%s - New failed: %v", clientTestPrefix, err)
	}
	conn.push(other)

	if len(got) != 1 {
		t.Fatalf("%s - listeners notified %d times, want 1", clientTestPrefix, len(got))
	}
	if got[0].Support || got[0].Msg != "engine not found" {
		t.Errorf("%s - announcement = %+v", clientTestPrefix, got[0])
	}
	if len(conn.requests()) != 0 {
		t.Errorf("%s - announcement triggered %d requests", clientTestPrefix, len(conn.requests()))
	}
}
