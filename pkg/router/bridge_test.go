package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/detect"
	"github.com/morezero/inspector-bridge/pkg/dispatcher"
	"github.com/morezero/inspector-bridge/pkg/engine/scene"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/panel"
	"github.com/morezero/inspector-bridge/pkg/port"
	"github.com/morezero/inspector-bridge/pkg/registry"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

const bridgeTestPrefix = "router:bridge_test"

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: 5 * time.Millisecond, Timeout: time.Second, Backoff: retry.BackoffFixed}
}

// bridge is the four contexts joined in one process:
// panel -> relay("panel") ; content -> relay("content") ; page -> content("page").
type bridge struct {
	hub        *port.Hub
	relayPanel *connection.PortSet
	relayCont  *connection.PortSet
	contPage   *connection.PortSet
	content    *connection.Manager
	page       *connection.Manager
	panel      *connection.Manager
	contRouter *Router
	stopServe  func()
}

func serve(t *testing.T, ctx context.Context, hub *port.Hub, channel string, local envelope.ContextID) (*connection.PortSet, <-chan error) {
	t.Helper()
	l, err := hub.Listen(channel)
	if err != nil {
		t.Fatalf("%s - Listen %s failed: %v", bridgeTestPrefix, channel, err)
	}
	set := connection.NewPortSet(l, connection.PortSetOptions{Local: local})
	done := make(chan error, 1)
	go func() { done <- set.Serve(ctx) }()
	return set, done
}

func dial(t *testing.T, hub *port.Hub, channel string, local envelope.ContextID) *connection.Manager {
	t.Helper()
	return connection.NewManager(hub, connection.Options{Local: local, Channel: channel, Reconnect: fastPolicy(2), DisableReconnect: true})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s - timeout waiting for %s", bridgeTestPrefix, what)
}

func startBridge(t *testing.T, s *scene.Scene) *bridge {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := port.NewHub()
	b := &bridge{hub: hub}

	var doneRelayPanel, doneRelayCont, doneContPage <-chan error
	b.relayPanel, doneRelayPanel = serve(t, ctx, hub, "panel", envelope.ContextRelay)
	b.relayCont, doneRelayCont = serve(t, ctx, hub, "content", envelope.ContextRelay)
	b.contPage, doneContPage = serve(t, ctx, hub, "page", envelope.ContextContent)

	relay := New(envelope.ContextRelay, nil)
	relay.SetRoute(Broadcast(b.relayPanel), envelope.ContextPanel)
	relay.SetRoute(Broadcast(b.relayCont), envelope.ContextContent, envelope.ContextPage)
	b.relayPanel.OnMessage(relay.LinkHandler(ctx))
	b.relayCont.OnMessage(relay.LinkHandler(ctx))

	b.content = dial(t, hub, "content", envelope.ContextContent)
	content := New(envelope.ContextContent, nil)
	content.SetRoute(content.Tracked(b.contPage), envelope.ContextPage)
	content.SetRoute(b.content, envelope.ContextRelay, envelope.ContextPanel)
	b.content.OnMessage(content.ManagerHandler(ctx))
	b.contPage.OnMessage(content.LinkHandler(ctx))
	b.contRouter = content

	reg := registry.New(s)
	machine := detect.NewMachine(s, detect.Options{Policy: fastPolicy(3)})
	d := dispatcher.NewDispatcher(machine, snapshot.NewWalker(s, reg), introspect.New(s, reg, nil), dispatcher.Options{})
	b.page = dial(t, hub, "page", envelope.ContextPage)
	page := New(envelope.ContextPage, d)
	page.SetRoute(b.page, envelope.ContextContent, envelope.ContextRelay, envelope.ContextPanel)
	b.page.OnMessage(page.ManagerHandler(ctx))

	b.panel = dial(t, hub, "panel", envelope.ContextPanel)

	for _, m := range []*connection.Manager{b.content, b.page, b.panel} {
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("%s - Connect failed: %v", bridgeTestPrefix, err)
		}
	}
	waitUntil(t, "links accepted", func() bool {
		return b.relayPanel.Len() == 1 && b.relayCont.Len() == 1 && b.contPage.Len() == 1
	})

	b.stopServe = func() {
		cancel()
		for _, done := range []<-chan error{doneRelayPanel, doneRelayCont, doneContPage} {
			if err := <-done; err != nil {
				t.Errorf("%s - Serve returned %v", bridgeTestPrefix, err)
			}
		}
	}
	return b
}

func (b *bridge) stop() {
	b.panel.Disconnect()
	b.page.Disconnect()
	b.content.Disconnect()
	b.stopServe()
}

func twoRootScene() *scene.Scene {
	s := scene.New("egret", "5.2.33")
	for _, id := range []string{"h1", "h2"} {
		root := s.NewNode(id, "DisplayObjectContainer", map[string]any{"name": id, "alpha": 1.0, "visible": true})
		root.AddChild(s.NewNode(id+"-child", "Bitmap", map[string]any{"x": 10.0}))
		s.AddRoot(root)
	}
	return s
}

func TestBridge_TreeQueryRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := startBridge(t, twoRootScene())
	defer b.stop()

	req, err := envelope.NewWithID("r1", envelope.KindTreeQuery, envelope.ContextPanel, envelope.ContextPage, nil)
	if err != nil {
		t.Fatalf("%s - NewWithID failed: %v", bridgeTestPrefix, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := b.panel.Request(ctx, req)
	if err != nil {
		t.Fatalf("%s - Request failed: %v", bridgeTestPrefix, err)
	}
	if resp.ID != "r1" || resp.Kind != envelope.KindTreeResponse {
		t.Fatalf("%s - response = %s", bridgeTestPrefix, resp)
	}
	if resp.Source != envelope.ContextPage || resp.Target != envelope.ContextPanel {
		t.Errorf("%s - endpoints = %s->%s", bridgeTestPrefix, resp.Source, resp.Target)
	}

	var tree dispatcher.TreeResponse
	if err := resp.DecodePayload(&tree); err != nil {
		t.Fatalf("%s - decode failed: %v", bridgeTestPrefix, err)
	}
	if len(tree.Nodes) != 2 {
		t.Fatalf("%s - roots = %d, want 2", bridgeTestPrefix, len(tree.Nodes))
	}
	for i, n := range tree.Nodes {
		if n.Depth != 0 || n.Name != []string{"h1", "h2"}[i] {
			t.Errorf("%s - root %d = %+v", bridgeTestPrefix, i, n)
		}
		if len(n.Children) != 1 || n.Children[0].Depth != 1 || n.Children[0].Name != "Bitmap" {
			t.Errorf("%s - children of %s = %+v", bridgeTestPrefix, n.Name, n.Children)
		}
	}
}

func TestBridge_PanelClientFlow(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := twoRootScene()
	b := startBridge(t, s)
	defer b.stop()

	client := panel.New(b.panel, panel.Options{Policy: fastPolicy(3)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.QuerySupport(ctx)
	if err != nil {
		t.Fatalf("%s - QuerySupport failed: %v", bridgeTestPrefix, err)
	}
	if !info.Support || info.EngineType != "egret" {
		t.Errorf("%s - support = %+v", bridgeTestPrefix, info)
	}

	tree, err := client.RequestTree(ctx)
	if err != nil {
		t.Fatalf("%s - RequestTree failed: %v", bridgeTestPrefix, err)
	}
	child := tree.Nodes[0].Children[0].Handle

	res, err := client.SetProperty(ctx, child, []string{"x"}, 42)
	if err != nil || !res.Ok {
		t.Fatalf("%s - SetProperty = %+v, %v", bridgeTestPrefix, res, err)
	}
	if n, _ := s.Find("h1-child"); n != nil {
		if v, _ := n.Prop("x"); v != 42.0 {
			t.Errorf("%s - x = %v, want 42", bridgeTestPrefix, v)
		}
	}

	props, err := client.RequestProperties(ctx, child)
	if err != nil {
		t.Fatalf("%s - RequestProperties failed: %v", bridgeTestPrefix, err)
	}
	if len(props) == 0 || props[0].Name != "x" || props[0].Value != 42.0 {
		t.Errorf("%s - props = %+v", bridgeTestPrefix, props)
	}

	// A new snapshot invalidates the old handles.
	if _, err := client.RequestTree(ctx); err != nil {
		t.Fatalf("%s - second RequestTree failed: %v", bridgeTestPrefix, err)
	}
	stale, err := client.RequestProperties(ctx, child)
	if err != nil || len(stale) != 0 {
		t.Errorf("%s - stale handle props = %+v, %v", bridgeTestPrefix, stale, err)
	}
}

func TestBridge_PageGoneReturnsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := startBridge(t, twoRootScene())
	defer b.stop()

	b.page.Disconnect()
	waitUntil(t, "page link dropped", func() bool { return b.contPage.Len() == 0 })

	client := panel.New(b.panel, panel.Options{Policy: fastPolicy(2)})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.RequestTree(ctx)
	var rerr *panel.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("%s - expected *panel.RemoteError, got %v", bridgeTestPrefix, err)
	}
	if rerr.Code != envelope.CodeNotConnected {
		t.Errorf("%s - code = %s, want %s", bridgeTestPrefix, rerr.Code, envelope.CodeNotConnected)
	}
}

func TestBridge_PageDropMidRequestAnswersConnectionLost(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := startBridge(t, twoRootScene())
	defer b.stop()

	b.page.Disconnect()
	waitUntil(t, "page link dropped", func() bool { return b.contPage.Len() == 0 })

	// A page that takes requests and never answers.
	silent := dial(t, b.hub, "page", envelope.ContextPage)
	received := make(chan string, 1)
	silent.OnMessage(func(env *envelope.Envelope) { received <- env.ID })
	if err := silent.Connect(context.Background()); err != nil {
		t.Fatalf("%s - silent page Connect failed: %v", bridgeTestPrefix, err)
	}
	defer silent.Disconnect()
	waitUntil(t, "silent page accepted", func() bool { return b.contPage.Len() == 1 })

	req, err := envelope.NewWithID("lost-1", envelope.KindTreeQuery, envelope.ContextPanel, envelope.ContextPage, nil)
	if err != nil {
		t.Fatalf("%s - NewWithID failed: %v", bridgeTestPrefix, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type outcome struct {
		resp *envelope.Envelope
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := b.panel.Request(ctx, req)
		done <- outcome{resp, err}
	}()

	select {
	case id := <-received:
		if id != "lost-1" {
			t.Fatalf("%s - page received %s", bridgeTestPrefix, id)
		}
	case <-ctx.Done():
		t.Fatalf("%s - request never reached the page", bridgeTestPrefix)
	}
	if n := b.contRouter.Stats().Pending; n != 1 {
		t.Errorf("%s - content pending = %d, want 1", bridgeTestPrefix, n)
	}
	start := time.Now()
	silent.Disconnect()

	got := <-done
	if got.err != nil {
		t.Fatalf("%s - Request failed: %v", bridgeTestPrefix, got.err)
	}
	if got.resp.ID != "lost-1" || got.resp.Kind != envelope.KindError {
		t.Fatalf("%s - response = %s", bridgeTestPrefix, got.resp)
	}
	detail := got.resp.ErrorDetail()
	if detail.Code != envelope.CodeConnectionLost || !detail.Retryable {
		t.Errorf("%s - error = %+v, want retryable %s", bridgeTestPrefix, detail, envelope.CodeConnectionLost)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("%s - answer took %s", bridgeTestPrefix, elapsed)
	}
	if n := b.contRouter.Stats().Pending; n != 0 {
		t.Errorf("%s - content pending after answer = %d, want 0", bridgeTestPrefix, n)
	}
}

func TestBridge_AnsweredRequestsAreNotTracked(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := startBridge(t, twoRootScene())
	defer b.stop()

	client := panel.New(b.panel, panel.Options{Policy: fastPolicy(3)})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.RequestTree(ctx); err != nil {
		t.Fatalf("%s - RequestTree failed: %v", bridgeTestPrefix, err)
	}
	waitUntil(t, "content pending drained", func() bool { return b.contRouter.Stats().Pending == 0 })

	// Closing an idle page link has nothing to answer.
	failed := b.contRouter.Stats().Failed
	b.page.Disconnect()
	waitUntil(t, "page link dropped", func() bool { return b.contPage.Len() == 0 })
	if got := b.contRouter.Stats().Failed; got != failed {
		t.Errorf("%s - failed went from %d to %d on idle close", bridgeTestPrefix, failed, got)
	}
}
