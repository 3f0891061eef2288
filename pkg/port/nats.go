package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/inspector-bridge/pkg/commsutil"
)

const natsLogPrefix = "port:nats"

// NATSOptions configures NATSTransport. Zero durations disable heartbeats.
type NATSOptions struct {
	Namespace         string
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
}

// NATSTransport joins contexts through a COMMS server.
//
// Dial sends a request to the channel's connect subject carrying a fresh link id; the listener
// answers once it is subscribed to its side of the link. Frames then flow on per-link subjects.
type NATSTransport struct {
	nc   *comms.Conn
	opts NATSOptions
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(nc *comms.Conn, opts NATSOptions) *NATSTransport {
	if opts.Namespace == "" {
		opts.Namespace = commsutil.DefaultNamespace
	}
	if opts.HeartbeatInterval > 0 && opts.DeadAfter <= 0 {
		opts.DeadAfter = 3 * opts.HeartbeatInterval
	}
	return &NATSTransport{nc: nc, opts: opts}
}

// Dial opens a link to the listener of channel.
func (t *NATSTransport) Dial(ctx context.Context, channel string) (Link, error) {
	id := uuid.NewString()
	link, err := t.newLink(id, channel, commsutil.SideDialer, commsutil.SideListener)
	if err != nil {
		return nil, err
	}

	req := comms.NewMsg(commsutil.BuildPortConnectSubject(t.opts.Namespace, channel))
	req.Header.Set(commsutil.HeaderPortLink, id)
	resp, err := t.nc.RequestMsgWithContext(ctx, req)
	if err != nil {
		link.shutdown(ErrClosed, false)
		if errors.Is(err, comms.ErrNoResponders) {
			return nil, fmt.Errorf("%s - %q: %w", natsLogPrefix, channel, ErrNoListener)
		}
		return nil, fmt.Errorf("%s - connect handshake on %q failed: %w", natsLogPrefix, channel, err)
	}
	if reason := resp.Header.Get(commsutil.HeaderPortError); reason != "" {
		link.shutdown(ErrClosed, false)
		return nil, fmt.Errorf("%s - %q refused: %s: %w", natsLogPrefix, channel, reason, ErrNoListener)
	}

	link.start()
	slog.Debug(fmt.Sprintf("%s - Dialed %s link=%s", natsLogPrefix, channel, id))
	return link, nil
}

// Listen answers connect requests on channel.
func (t *NATSTransport) Listen(channel string) (Listener, error) {
	l := &natsListener{
		transport: t,
		channel:   channel,
		accept:    make(chan Link, 16),
		done:      make(chan struct{}),
	}
	sub, err := t.nc.Subscribe(commsutil.BuildPortConnectSubject(t.opts.Namespace, channel), l.handleConnect)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to listen on %q: %w", natsLogPrefix, channel, err)
	}
	l.sub = sub
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to flush listen on %q: %w", natsLogPrefix, channel, err)
	}
	slog.Debug(fmt.Sprintf("%s - Listening on %s", natsLogPrefix, channel))
	return l, nil
}

func (t *NATSTransport) newLink(id, channel, localSide, remoteSide string) (*natsLink, error) {
	l := &natsLink{
		id:          id,
		channel:     channel,
		nc:          t.nc,
		sendSubject: commsutil.BuildLinkSubject(t.opts.Namespace, id, remoteSide),
		heartbeat:   t.opts.HeartbeatInterval,
		deadAfter:   t.opts.DeadAfter,
		in:          make(chan []byte, recvBuffer),
		done:        make(chan struct{}),
	}
	l.touch()
	sub, err := t.nc.Subscribe(commsutil.BuildLinkSubject(t.opts.Namespace, id, localSide), l.handle)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe link %s: %w", natsLogPrefix, id, err)
	}
	l.sub = sub
	return l, nil
}

type natsListener struct {
	transport *NATSTransport
	channel   string
	sub       *comms.Subscription
	accept    chan Link
	done      chan struct{}
	once      sync.Once
}

func (l *natsListener) Channel() string { return l.channel }

func (l *natsListener) handleConnect(msg *comms.Msg) {
	refuse := func(reason string) {
		resp := comms.NewMsg(msg.Reply)
		resp.Header.Set(commsutil.HeaderPortError, reason)
		_ = msg.RespondMsg(resp)
	}

	id := msg.Header.Get(commsutil.HeaderPortLink)
	if id == "" {
		refuse("missing link id")
		return
	}
	select {
	case <-l.done:
		refuse("listener closed")
		return
	default:
	}

	link, err := l.transport.newLink(id, l.channel, commsutil.SideListener, commsutil.SideDialer)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", natsLogPrefix, err))
		refuse("subscribe failed")
		return
	}

	select {
	case l.accept <- link:
	case <-l.done:
		link.shutdown(ErrClosed, false)
		refuse("listener closed")
		return
	}
	link.start()
	if err := msg.Respond(nil); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to answer connect for link=%s: %v", natsLogPrefix, id, err))
		link.shutdown(ErrClosed, false)
	}
}

func (l *natsListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.accept:
		return link, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *natsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.sub.Unsubscribe()
	})
	return err
}

type natsLink struct {
	id          string
	channel     string
	nc          *comms.Conn
	sub         *comms.Subscription
	sendSubject string
	heartbeat   time.Duration
	deadAfter   time.Duration
	lastSeen    atomic.Int64

	in   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
	err    error
}

func (l *natsLink) ID() string { return l.id }
func (l *natsLink) Channel() string { return l.channel }
func (l *natsLink) Receive() <-chan []byte { return l.in }
func (l *natsLink) Done() <-chan struct{} { return l.done }

func (l *natsLink) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *natsLink) Send(frame []byte) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := l.nc.Publish(l.sendSubject, frame); err != nil {
		return fmt.Errorf("%s - publish on link %s failed: %w", natsLogPrefix, l.id, err)
	}
	return nil
}

// Close tells the peer and releases the subscription.
func (l *natsLink) Close() error {
	l.shutdown(ErrClosed, true)
	return nil
}

func (l *natsLink) touch() { l.lastSeen.Store(time.Now().UnixNano()) }

func (l *natsLink) start() {
	if l.heartbeat <= 0 {
		return
	}
	go l.keepAlive()
}

func (l *natsLink) keepAlive() {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, l.lastSeen.Load()))
			if idle > l.deadAfter {
				slog.Warn(fmt.Sprintf("%s - link=%s on %s silent for %s, closing", natsLogPrefix, l.id, l.channel, idle.Round(time.Millisecond)))
				l.shutdown(ErrPeerDead, true)
				return
			}
			if err := l.nc.PublishMsg(commsutil.NewControlMsg(l.sendSubject, commsutil.ControlPing)); err != nil {
				slog.Debug(fmt.Sprintf("%s - ping on link=%s failed: %v", natsLogPrefix, l.id, err))
			}
		}
	}
}

func (l *natsLink) handle(msg *comms.Msg) {
	l.touch()
	switch commsutil.ControlOf(msg) {
	case commsutil.ControlClose:
		l.shutdown(ErrPeerClosed, false)
		return
	case commsutil.ControlPing:
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.in <- msg.Data:
	case <-l.done:
	}
}

func (l *natsLink) shutdown(reason error, notify bool) {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		l.err = reason
		close(l.in)
		l.mu.Unlock()

		if notify && !l.nc.IsClosed() {
			if err := l.nc.PublishMsg(commsutil.NewControlMsg(l.sendSubject, commsutil.ControlClose)); err != nil {
				slog.Debug(fmt.Sprintf("%s - close notice on link=%s failed: %v", natsLogPrefix, l.id, err))
			}
		}
		if l.sub != nil {
			_ = l.sub.Unsubscribe()
		}
		slog.Debug(fmt.Sprintf("%s - Link %s on %s closed: %v", natsLogPrefix, l.id, l.channel, reason))
	})
}
