// Package port carries raw frames between two contexts over a named, bidirectional channel.
//
// A Link is one live connection. Dialers open links, Listeners accept them. Two transports are
// provided: Hub joins contexts living in one process and NATSTransport joins contexts over a
// NATS server. Frames are delivered FIFO per link; nothing is ordered across links.
package port

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Send on a link that was closed locally.
	ErrClosed = errors.New("port: link closed")
	// ErrPeerClosed is the close reason when the other side hung up.
	ErrPeerClosed = errors.New("port: peer closed the link")
	// ErrPeerDead is the close reason when the peer stopped answering heartbeats.
	ErrPeerDead = errors.New("port: peer stopped responding")
	// ErrNoListener is returned by Dial when nobody listens on the channel.
	ErrNoListener = errors.New("port: no listener on channel")
	// ErrChannelInUse is returned by Listen when the channel already has a listener.
	ErrChannelInUse = errors.New("port: channel already has a listener")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("port: listener closed")
)

// Link is one open connection between two contexts.
type Link interface {
	// ID is shared by both ends of the link.
	ID() string
	Channel() string
	Send(frame []byte) error
	// Receive is closed once the link is down and every buffered frame was read.
	Receive() <-chan []byte
	Done() <-chan struct{}
	// Err reports why the link went down, or nil while it is up.
	Err() error
	Close() error
}

// Dialer opens the outbound end of a channel.
type Dialer interface {
	Dial(ctx context.Context, channel string) (Link, error)
}

// Listener hands out the inbound ends of a channel.
type Listener interface {
	Channel() string
	Accept(ctx context.Context) (Link, error)
	Close() error
}

// Transport can both dial and listen.
type Transport interface {
	Dialer
	Listen(channel string) (Listener, error)
}

const recvBuffer = 256
