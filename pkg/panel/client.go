// Package panel is the consumer side of the bridge: it issues queries toward the page context and
// hands typed results to the inspector UI.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/dispatcher"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

const logPrefix = "panel:client"

// SupportInfo describes the engine found on the page.
type SupportInfo = dispatcher.SupportResponse

// Conn is the port the client talks through. *connection.Manager is a Conn.
type Conn interface {
	Request(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
	State() connection.Status
}

// notifier is implemented by conns that surface envelopes no request is waiting for.
type notifier interface {
	OnMessage(handler connection.Handler)
}

// RemoteError is an error envelope returned by another context.
type RemoteError struct {
	ID        string
	Source    envelope.ContextID
	Code      string
	Message   string
	Retryable bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s from %s: %s", e.Code, e.Source, e.Message)
}

// Options configure a Client. Zero limits defer to the page defaults.
type Options struct {
	// Policy bounds every request. Zero MaxAttempts means the query family defaults.
	Policy      retry.Policy
	MaxDepth    int
	MaxChildren int
	ShowPrivate bool
	ShowMethods bool
}

// Client issues inspector requests and fans results out to registered listeners.
type Client struct {
	conn Conn
	opts Options

	mu        sync.Mutex
	onTree    []func([]snapshot.TreeNode)
	onProps   []func(string, []introspect.PropertyRecord)
	onSupport []func(SupportInfo)
}

// New creates a Client over conn. conn must already be connected, or be connected before use.
// When conn surfaces unsolicited envelopes, the client subscribes to them.
func New(conn Conn, opts Options) *Client {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.Defaults(retry.FamilyQuery)
	}
	c := &Client{conn: conn, opts: opts}
	if n, ok := conn.(notifier); ok {
		n.OnMessage(c.HandleMessage)
	}
	return c
}

// HandleMessage consumes an envelope that answers no pending request. The page announces its
// detection result this way once it settles.
func (c *Client) HandleMessage(env *envelope.Envelope) {
	if env.Kind != envelope.KindSupportResponse {
		slog.Debug(fmt.Sprintf("%s - Ignoring unsolicited %s", logPrefix, env))
		return
	}
	var info SupportInfo
	if err := env.DecodePayload(&info); err != nil {
		slog.Warn(fmt.Sprintf("%s - Undecodable support announcement %s: %v", logPrefix, env.ID, err))
		return
	}
	c.notifySupport(info)
}

// OnTreeSnapshot registers fn for every tree received.
func (c *Client) OnTreeSnapshot(fn func([]snapshot.TreeNode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTree = append(c.onTree, fn)
}

// OnPropertyRecords registers fn for every property listing received.
func (c *Client) OnPropertyRecords(fn func(handle string, records []introspect.PropertyRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProps = append(c.onProps, fn)
}

// OnSupport registers fn for every support answer received.
func (c *Client) OnSupport(fn func(SupportInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSupport = append(c.onSupport, fn)
}

// ConnectionState reports the state of the underlying port.
func (c *Client) ConnectionState() connection.Status {
	return c.conn.State()
}

// RequestTree asks the page for a fresh snapshot. Handles from earlier snapshots become stale.
func (c *Client) RequestTree(ctx context.Context) (*dispatcher.TreeResponse, error) {
	q := &dispatcher.TreeQuery{MaxDepth: c.opts.MaxDepth, MaxChildren: c.opts.MaxChildren}
	tree, err := roundTrip[dispatcher.TreeResponse](ctx, c, envelope.KindTreeQuery, q)
	if err != nil {
		return nil, fmt.Errorf("%s - tree request failed: %w", logPrefix, err)
	}
	if tree.Nodes == nil {
		tree.Nodes = []snapshot.TreeNode{}
	}

	c.mu.Lock()
	listeners := append([]func([]snapshot.TreeNode){}, c.onTree...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(tree.Nodes)
	}
	return &tree, nil
}

// RequestProperties asks the page to describe the object behind handle.
func (c *Client) RequestProperties(ctx context.Context, handle string) ([]introspect.PropertyRecord, error) {
	q := &dispatcher.NodeQuery{Handle: handle, ShowPrivate: c.opts.ShowPrivate, ShowMethods: c.opts.ShowMethods}
	node, err := roundTrip[dispatcher.NodeResponse](ctx, c, envelope.KindNodeQuery, q)
	if err != nil {
		return nil, fmt.Errorf("%s - properties of %s failed: %w", logPrefix, handle, err)
	}
	if node.Properties == nil {
		node.Properties = []introspect.PropertyRecord{}
	}

	c.mu.Lock()
	listeners := append([]func(string, []introspect.PropertyRecord){}, c.onProps...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(handle, node.Properties)
	}
	return node.Properties, nil
}

// SetProperty writes value at path under handle. A rejected write is not an error: inspect Ok and
// Code on the result.
func (c *Client) SetProperty(ctx context.Context, handle string, path []string, value any) (*dispatcher.SetPropertyResponse, error) {
	q := &dispatcher.SetProperty{Handle: handle, Path: path, Value: value}
	res, err := roundTrip[dispatcher.SetPropertyResponse](ctx, c, envelope.KindSetProperty, q)
	if err != nil {
		return nil, fmt.Errorf("%s - set %v on %s failed: %w", logPrefix, path, handle, err)
	}
	if !res.Ok {
		slog.Info(fmt.Sprintf("%s - Set %v on %s rejected: %s %s", logPrefix, path, handle, res.Code, res.Message))
	}
	return &res, nil
}

// QuerySupport asks whether the page runs a supported engine.
func (c *Client) QuerySupport(ctx context.Context) (SupportInfo, error) {
	info, err := roundTrip[SupportInfo](ctx, c, envelope.KindSupportQuery, nil)
	if err != nil {
		return SupportInfo{}, fmt.Errorf("%s - support query failed: %w", logPrefix, err)
	}
	c.notifySupport(info)
	return info, nil
}

func (c *Client) notifySupport(info SupportInfo) {
	c.mu.Lock()
	listeners := append([]func(SupportInfo){}, c.onSupport...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(info)
	}
}

// roundTrip sends a fresh request per attempt so a late answer to an abandoned attempt cannot be
// mistaken for the current one. Non-retryable error envelopes end the loop at once.
func roundTrip[T any](ctx context.Context, c *Client, kind envelope.Kind, payload any) (T, error) {
	want, _ := kind.ResponseKind()
	return retry.Run(ctx, c.opts.Policy, string(kind), func(ctx context.Context) (T, error) {
		var out T
		req, err := envelope.New(kind, envelope.ContextPanel, envelope.ContextPage, payload)
		if err != nil {
			return out, retry.Permanent(err)
		}
		resp, err := c.conn.Request(ctx, req)
		if err != nil {
			return out, err
		}

		switch resp.Kind {
		case want:
		case envelope.KindError:
			detail := resp.ErrorDetail()
			rerr := &RemoteError{ID: resp.ID, Source: resp.Source, Code: detail.Code, Message: detail.Message, Retryable: detail.Retryable}
			if !rerr.Retryable {
				return out, retry.Permanent(rerr)
			}
			return out, rerr
		default:
			return out, retry.Permanent(fmt.Errorf("%s - %s answered with %s", logPrefix, kind, resp.Kind))
		}

		if err := resp.DecodePayload(&out); err != nil {
			return out, retry.Permanent(err)
		}
		return out, nil
	})
}
