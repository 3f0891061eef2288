package port

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const hubLogPrefix = "port:hub"

// Hub is an in-process Transport. Each channel has at most one listener.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*hubListener
	pipes     map[string]map[*pipe]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string]*hubListener),
		pipes:     make(map[string]map[*pipe]struct{}),
	}
}

// Listen registers the accept side of channel.
func (h *Hub) Listen(channel string) (Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[channel]; ok {
		return nil, fmt.Errorf("%s - %q: %w", hubLogPrefix, channel, ErrChannelInUse)
	}
	l := &hubListener{
		hub:     h,
		channel: channel,
		accept:  make(chan Link, 16),
		done:    make(chan struct{}),
	}
	h.listeners[channel] = l
	slog.Debug(fmt.Sprintf("%s - Listening on %s", hubLogPrefix, channel))
	return l, nil
}

// Dial connects to the listener of channel.
func (h *Hub) Dial(ctx context.Context, channel string) (Link, error) {
	h.mu.Lock()
	l, ok := h.listeners[channel]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s - %q: %w", hubLogPrefix, channel, ErrNoListener)
	}

	p := newPipe(uuid.NewString(), channel)
	p.onClose = func() { h.forget(channel, p) }
	client, server := p.ends()

	h.mu.Lock()
	if h.pipes[channel] == nil {
		h.pipes[channel] = make(map[*pipe]struct{})
	}
	h.pipes[channel][p] = struct{}{}
	h.mu.Unlock()

	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		p.shutdown(ErrNoListener)
		return nil, fmt.Errorf("%s - %q: %w", hubLogPrefix, channel, ErrNoListener)
	case <-ctx.Done():
		p.shutdown(ctx.Err())
		return nil, ctx.Err()
	}
}

// Sever closes every live link on channel as if the remote side had hung up.
// It returns the number of links closed.
func (h *Hub) Sever(channel string) int {
	h.mu.Lock()
	pipes := make([]*pipe, 0, len(h.pipes[channel]))
	for p := range h.pipes[channel] {
		pipes = append(pipes, p)
	}
	h.mu.Unlock()

	for _, p := range pipes {
		p.shutdown(ErrPeerClosed)
	}
	if len(pipes) > 0 {
		slog.Debug(fmt.Sprintf("%s - Severed %d link(s) on %s", hubLogPrefix, len(pipes), channel))
	}
	return len(pipes)
}

// Links reports how many links are live on channel.
func (h *Hub) Links(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pipes[channel])
}

func (h *Hub) forget(channel string, p *pipe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pipes[channel], p)
	if len(h.pipes[channel]) == 0 {
		delete(h.pipes, channel)
	}
}

func (h *Hub) removeListener(l *hubListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[l.channel] == l {
		delete(h.listeners, l.channel)
	}
}

type hubListener struct {
	hub     *Hub
	channel string
	accept  chan Link
	done    chan struct{}
	once    sync.Once
}

func (l *hubListener) Channel() string { return l.channel }

func (l *hubListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.accept:
		return link, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *hubListener) Close() error {
	l.once.Do(func() {
		l.hub.removeListener(l)
		close(l.done)
	})
	return nil
}

// pipe is the state shared by the two ends of an in-memory link.
type pipe struct {
	id      string
	channel string
	aToB    chan []byte
	bToA    chan []byte
	done    chan struct{}
	once    sync.Once
	onClose func()

	mu     sync.RWMutex
	closed bool
	err    error
}

func newPipe(id, channel string) *pipe {
	return &pipe{
		id:      id,
		channel: channel,
		aToB:    make(chan []byte, recvBuffer),
		bToA:    make(chan []byte, recvBuffer),
		done:    make(chan struct{}),
	}
}

func (p *pipe) ends() (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{p: p, in: p.bToA, out: p.aToB}
	b := &pipeEnd{p: p, in: p.aToB, out: p.bToA}
	return a, b
}

func (p *pipe) shutdown(reason error) {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		p.err = reason
		close(p.aToB)
		close(p.bToA)
		p.mu.Unlock()
		if p.onClose != nil {
			p.onClose()
		}
	})
}

type pipeEnd struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

func (e *pipeEnd) ID() string { return e.p.id }
func (e *pipeEnd) Channel() string { return e.p.channel }
func (e *pipeEnd) Receive() <-chan []byte { return e.in }
func (e *pipeEnd) Done() <-chan struct{} { return e.p.done }

func (e *pipeEnd) Err() error {
	e.p.mu.RLock()
	defer e.p.mu.RUnlock()
	return e.p.err
}

func (e *pipeEnd) Send(frame []byte) error {
	e.p.mu.RLock()
	defer e.p.mu.RUnlock()
	if e.p.closed {
		return ErrClosed
	}
	select {
	case <-e.p.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- frame:
		return nil
	case <-e.p.done:
		return ErrClosed
	}
}

// Close hangs up both ends. The peer observes ErrPeerClosed.
func (e *pipeEnd) Close() error {
	e.p.shutdown(ErrPeerClosed)
	return nil
}
