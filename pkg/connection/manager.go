// Package connection owns the ports of one context: the dialed Manager with reconnect and
// request correlation, and the accepting PortSet used by hub contexts.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/port"
	"github.com/morezero/inspector-bridge/pkg/retry"
)

const logPrefix = "connection:manager"

var (
	// ErrNotConnected is returned by Send and Request unless the port is Open. Nothing is queued.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrConnectionLost rejects requests still pending when their port closed.
	ErrConnectionLost = errors.New("connection: connection lost")
)

// State of a managed port.
type State string

const (
	StateClosed            State = "closed"
	StateConnecting        State = "connecting"
	StateOpen              State = "open"
	StatePermanentlyClosed State = "permanently-closed"
)

// Status is a point-in-time view of a Manager.
type Status struct {
	Channel           string `json:"channel"`
	State             State  `json:"state"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	LastError         string `json:"lastError,omitempty"`
	LinkID            string `json:"linkId,omitempty"`
}

// Handler receives envelopes that do not answer a pending request.
type Handler func(env *envelope.Envelope)

// Options configures a Manager.
type Options struct {
	Local   envelope.ContextID
	Channel string
	// Codec defaults to JSON.
	Codec envelope.Codec
	// Reconnect bounds both Connect and automatic reconnection.
	Reconnect retry.Policy
	// DisableReconnect leaves the port Closed after a remote hang-up.
	DisableReconnect bool
	Publisher        events.EventPublisher
}

type pendingRequest struct {
	ch chan result
}

type result struct {
	env *envelope.Envelope
	err error
}

// Manager owns the single outbound port of one context on one named channel.
type Manager struct {
	dialer    port.Dialer
	opts      Options
	codec     envelope.Codec
	publisher events.EventPublisher

	mu                sync.Mutex
	state             State
	link              port.Link
	reconnectAttempts int
	lastErr           error
	handlers          []Handler
	pending           map[string]*pendingRequest
	runCtx            context.Context
	runCancel         context.CancelFunc
	wg                sync.WaitGroup
}

// NewManager creates a Manager in the Closed state.
func NewManager(dialer port.Dialer, opts Options) *Manager {
	codec := opts.Codec
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	if opts.Reconnect.MaxAttempts < 1 {
		opts.Reconnect = retry.Defaults(retry.FamilyCommunicate)
	}
	return &Manager{
		dialer:    dialer,
		opts:      opts,
		codec:     codec,
		publisher: events.Or(opts.Publisher),
		state:     StateClosed,
		pending:   make(map[string]*pendingRequest),
	}
}

// Connect dials the channel under the reconnect policy. An open port is torn down first.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	old := m.link
	if m.runCancel != nil {
		m.runCancel()
	}
	m.link = nil
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	runCtx := m.runCtx
	m.reconnectAttempts = 0
	m.mu.Unlock()

	if old != nil {
		slog.Info(fmt.Sprintf("%s - %s replacing open port on %s", logPrefix, m.opts.Local, m.opts.Channel))
		old.Close()
		m.rejectPending()
	}

	m.setState(StateConnecting, nil)
	link, err := retry.Run(ctx, m.opts.Reconnect, "connect "+m.opts.Channel, func(ctx context.Context) (port.Link, error) {
		return m.dialer.Dial(ctx, m.opts.Channel)
	})
	if err != nil {
		m.setState(StateClosed, err)
		return fmt.Errorf("%s - %s failed to connect %s: %w", logPrefix, m.opts.Local, m.opts.Channel, err)
	}
	if runCtx.Err() != nil {
		link.Close()
		return fmt.Errorf("%s - %s connect on %s superseded: %w", logPrefix, m.opts.Local, m.opts.Channel, ErrNotConnected)
	}
	m.install(link)
	return nil
}

// Send delivers env on the open port. It fails with ErrNotConnected unless the port is Open.
func (m *Manager) Send(env *envelope.Envelope) error {
	m.mu.Lock()
	link, state := m.link, m.state
	m.mu.Unlock()
	if state != StateOpen || link == nil {
		return fmt.Errorf("%s - %s send %s on %s (%s): %w", logPrefix, m.opts.Local, env.Kind, m.opts.Channel, state, ErrNotConnected)
	}

	frame, err := envelope.Encode(m.codec, env)
	if err != nil {
		return err
	}
	if err := link.Send(frame); err != nil {
		return fmt.Errorf("%s - %s send on %s: %v: %w", logPrefix, m.opts.Local, m.opts.Channel, err, ErrNotConnected)
	}
	return nil
}

// Request sends env and waits for the envelope answering env.ID. The wait ends with
// ErrConnectionLost if the port closes first, or with ctx's error.
func (m *Manager) Request(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	req := &pendingRequest{ch: make(chan result, 1)}

	m.mu.Lock()
	if m.state != StateOpen {
		state := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("%s - %s request %s on %s (%s): %w", logPrefix, m.opts.Local, env.Kind, m.opts.Channel, state, ErrNotConnected)
	}
	m.pending[env.ID] = req
	m.mu.Unlock()

	if err := m.Send(env); err != nil {
		m.dropPending(env.ID, req)
		return nil, err
	}

	select {
	case r := <-req.ch:
		return r.env, r.err
	case <-ctx.Done():
		m.dropPending(env.ID, req)
		return nil, ctx.Err()
	}
}

// OnMessage registers handler for every inbound envelope that is not a pending response.
func (m *Manager) OnMessage(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Disconnect closes the port without reconnecting and rejects pending requests.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	link := m.link
	m.link = nil
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	m.wg.Wait()
	m.rejectPending()

	m.mu.Lock()
	wasClosed := m.state == StateClosed
	m.mu.Unlock()
	if !wasClosed {
		m.setState(StateClosed, nil)
	}
	slog.Info(fmt.Sprintf("%s - %s disconnected from %s", logPrefix, m.opts.Local, m.opts.Channel))
}

// State reports the current status.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Channel:           m.opts.Channel,
		State:             m.state,
		Connected:         m.state == StateOpen,
		ReconnectAttempts: m.reconnectAttempts,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if m.link != nil {
		s.LinkID = m.link.ID()
	}
	return s
}

func (m *Manager) install(link port.Link) {
	m.mu.Lock()
	m.link = link
	m.reconnectAttempts = 0
	m.wg.Add(1)
	m.mu.Unlock()

	m.setState(StateOpen, nil)
	go m.readLoop(link)
	slog.Info(fmt.Sprintf("%s - %s connected to %s link=%s", logPrefix, m.opts.Local, m.opts.Channel, link.ID()))
}

func (m *Manager) readLoop(link port.Link) {
	defer m.wg.Done()
	for frame := range link.Receive() {
		env, err := envelope.ValidateWith(m.codec, frame)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s dropped invalid envelope on %s: %v", logPrefix, m.opts.Local, m.opts.Channel, err))
			continue
		}
		m.deliver(env)
	}
	m.linkDown(link)
}

func (m *Manager) deliver(env *envelope.Envelope) {
	m.mu.Lock()
	if env.Kind.IsResponse() {
		if req, ok := m.pending[env.ID]; ok {
			delete(m.pending, env.ID)
			m.mu.Unlock()
			req.ch <- result{env: env}
			return
		}
	}
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (m *Manager) linkDown(link port.Link) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	reason := link.Err()
	runCtx := m.runCtx
	m.mu.Unlock()

	m.rejectPending()
	slog.Warn(fmt.Sprintf("%s - %s lost %s: %v", logPrefix, m.opts.Local, m.opts.Channel, reason))
	m.setState(StateClosed, reason)

	if m.opts.DisableReconnect || runCtx == nil || runCtx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go m.reconnect(runCtx)
}

func (m *Manager) reconnect(ctx context.Context) {
	defer m.wg.Done()
	m.setState(StateConnecting, nil)

	link, err := retry.Run(ctx, m.opts.Reconnect, "reconnect "+m.opts.Channel, func(ctx context.Context) (port.Link, error) {
		m.mu.Lock()
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - %s reconnecting %s attempt %d/%d", logPrefix, m.opts.Local, m.opts.Channel, attempt, m.opts.Reconnect.MaxAttempts))
		return m.dialer.Dial(ctx, m.opts.Channel)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error(fmt.Sprintf("%s - %s gave up on %s: %v", logPrefix, m.opts.Local, m.opts.Channel, err))
		m.setState(StatePermanentlyClosed, err)
		return
	}
	if ctx.Err() != nil {
		link.Close()
		return
	}
	m.install(link)
}

func (m *Manager) rejectPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for id, req := range pending {
		req.ch <- result{err: fmt.Errorf("%s - request %s on %s: %w", logPrefix, id, m.opts.Channel, ErrConnectionLost)}
	}
}

func (m *Manager) dropPending(id string, req *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[id] == req {
		delete(m.pending, id)
	}
}

func (m *Manager) setState(next State, cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	if cause != nil {
		m.lastErr = cause
	}
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	if prev == next {
		return
	}
	slog.Debug(fmt.Sprintf("%s - %s %s: %s -> %s", logPrefix, m.opts.Local, m.opts.Channel, prev, next))

	event := events.NewStateChangedEvent(string(m.opts.Local), events.ComponentConnection, string(next))
	event.Channel = m.opts.Channel
	event.Previous = string(prev)
	event.Attempt = attempts
	if cause != nil {
		event.Detail = cause.Error()
	}
	if err := m.publisher.PublishState(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish state change: %v", logPrefix, err))
	}
}
