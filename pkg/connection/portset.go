package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/port"
)

const portSetLogPrefix = "connection:portset"

// LinkHandler receives envelopes arriving on an accepted link.
type LinkHandler func(linkID string, env *envelope.Envelope)

// PortSetOptions configures a PortSet.
type PortSetOptions struct {
	Local     envelope.ContextID
	Codec     envelope.Codec
	Publisher events.EventPublisher
}

// PortSet tracks every link accepted on one channel. Links are dropped when their peer hangs up.
type PortSet struct {
	listener  port.Listener
	opts      PortSetOptions
	codec     envelope.Codec
	publisher events.EventPublisher

	mu       sync.Mutex
	links    map[string]port.Link
	handlers []LinkHandler
	onClose  []func(linkID string)
	wg       sync.WaitGroup
}

// NewPortSet wraps listener. Call Serve to start accepting.
func NewPortSet(listener port.Listener, opts PortSetOptions) *PortSet {
	codec := opts.Codec
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	return &PortSet{
		listener:  listener,
		opts:      opts,
		codec:     codec,
		publisher: events.Or(opts.Publisher),
		links:     make(map[string]port.Link),
	}
}

// Channel is the channel name being served.
func (s *PortSet) Channel() string { return s.listener.Channel() }

// OnMessage registers handler for every valid inbound envelope.
func (s *PortSet) OnMessage(handler LinkHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// OnClose registers fn for every accepted link that goes away. fn runs after the link has left
// the set.
func (s *PortSet) OnClose(fn func(linkID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Serve accepts links until ctx ends or the listener is closed, then closes every link.
func (s *PortSet) Serve(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - %s accepting on %s", portSetLogPrefix, s.opts.Local, s.Channel()))
	defer s.closeAll()
	defer s.listener.Close()

	for {
		link, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, port.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("%s - accept on %s failed: %w", portSetLogPrefix, s.Channel(), err)
		}
		s.add(link)
	}
}

// Send delivers env on one link. Unknown or closed links yield ErrNotConnected.
func (s *PortSet) Send(linkID string, env *envelope.Envelope) error {
	s.mu.Lock()
	link, ok := s.links[linkID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - link %s on %s: %w", portSetLogPrefix, linkID, s.Channel(), ErrNotConnected)
	}
	frame, err := envelope.Encode(s.codec, env)
	if err != nil {
		return err
	}
	if err := link.Send(frame); err != nil {
		return fmt.Errorf("%s - link %s on %s: %v: %w", portSetLogPrefix, linkID, s.Channel(), err, ErrNotConnected)
	}
	return nil
}

// Broadcast sends env on every open link and returns how many accepted it.
// With no open links it fails with ErrNotConnected.
func (s *PortSet) Broadcast(env *envelope.Envelope) (int, error) {
	frame, err := envelope.Encode(s.codec, env)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	links := make([]port.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	sent := 0
	for _, l := range links {
		if err := l.Send(frame); err != nil {
			slog.Warn(fmt.Sprintf("%s - broadcast to %s on %s failed: %v", portSetLogPrefix, l.ID(), s.Channel(), err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, fmt.Errorf("%s - no open link on %s: %w", portSetLogPrefix, s.Channel(), ErrNotConnected)
	}
	return sent, nil
}

// Links returns the ids of the open links in sorted order.
func (s *PortSet) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of open links.
func (s *PortSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *PortSet) add(link port.Link) {
	s.mu.Lock()
	s.links[link.ID()] = link
	n := len(s.links)
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s accepted link=%s on %s (%d open)", portSetLogPrefix, s.opts.Local, link.ID(), s.Channel(), n))
	s.publish(n, "")
	go s.readLoop(link)
}

func (s *PortSet) readLoop(link port.Link) {
	defer s.wg.Done()
	for frame := range link.Receive() {
		env, err := envelope.ValidateWith(s.codec, frame)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s dropped invalid envelope from link=%s: %v", portSetLogPrefix, s.opts.Local, link.ID(), err))
			continue
		}
		s.mu.Lock()
		handlers := append([]LinkHandler(nil), s.handlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(link.ID(), env)
		}
	}

	s.mu.Lock()
	delete(s.links, link.ID())
	n := len(s.links)
	closers := append(([]func(string))(nil), s.onClose...)
	s.mu.Unlock()

	detail := ""
	if err := link.Err(); err != nil {
		detail = err.Error()
	}
	slog.Info(fmt.Sprintf("%s - %s link=%s on %s closed (%d open): %s", portSetLogPrefix, s.opts.Local, link.ID(), s.Channel(), n, detail))
	s.publish(n, detail)
	for _, fn := range closers {
		fn(link.ID())
	}
}

func (s *PortSet) closeAll() {
	s.mu.Lock()
	links := make([]port.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	s.wg.Wait()
}

func (s *PortSet) publish(open int, detail string) {
	state := string(StateClosed)
	if open > 0 {
		state = string(StateOpen)
	}
	event := events.NewStateChangedEvent(string(s.opts.Local), events.ComponentConnection, state)
	event.Channel = s.Channel()
	event.Detail = fmt.Sprintf("%d open", open)
	if detail != "" {
		event.Detail += ": " + detail
	}
	if err := s.publisher.PublishState(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish state change: %v", portSetLogPrefix, err))
	}
}
