// Package server orchestrates the contexts one inspector process hosts: COMMS client, port sets,
// connection managers, routers, the page dispatcher and the HTTP health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/inspector-bridge/internal/config"
	"github.com/morezero/inspector-bridge/pkg/commsutil"
	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/detect"
	"github.com/morezero/inspector-bridge/pkg/dispatcher"
	"github.com/morezero/inspector-bridge/pkg/engine"
	"github.com/morezero/inspector-bridge/pkg/engine/scene"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/port"
	"github.com/morezero/inspector-bridge/pkg/registry"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/router"
	"github.com/morezero/inspector-bridge/pkg/serialize"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

const logPrefix = "server:server"

// Channel names. The relay accepts panels and content contexts; content accepts the page.
const (
	ChannelPanel   = "panel"
	ChannelContent = "content"
	ChannelPage    = "page"
)

// recentEvents bounds the state change history kept for the status page.
const recentEvents = 20

// Params are the injected dependencies of a Server.
type Params struct {
	Config    *config.Config
	Transport port.Transport
	// Adapter backs the page context. Required for the page and all roles.
	Adapter engine.Adapter
	// Publisher receives state changes in addition to the server's own history.
	Publisher events.EventPublisher
}

type listenerEntry struct {
	local envelope.ContextID
	set   *connection.PortSet
}

type managerEntry struct {
	local envelope.ContextID
	m     *connection.Manager
}

// Server hosts the contexts selected by the configured role.
type Server struct {
	cfg       *config.Config
	transport port.Transport
	adapter   engine.Adapter
	publisher events.EventPublisher
	ready     atomic.Bool

	mu        sync.Mutex
	listeners []listenerEntry
	managers  []managerEntry
	routers   []*router.Router
	machine   *detect.Machine
	events    []events.StateChangedEvent
}

// New creates a Server. Nothing runs until Start.
func New(p Params) *Server {
	s := &Server{cfg: p.Config, transport: p.Transport, adapter: p.Adapter}
	s.publisher = events.Multi(events.NewCallbackPublisher(s.record), p.Publisher)
	return s
}

// Run loads configuration, connects to COMMS, serves HTTP and blocks until a shutdown signal.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting inspector-bridge role=%s namespace=%s", logPrefix, cfg.Role, cfg.Namespace))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: pick a transport
	var (
		ns        *commsserver.Server
		nc        *comms.Conn
		transport port.Transport
		publisher events.EventPublisher
	)
	if cfg.COMMSEmbedded {
		ns, err = commsutil.StartEmbedded("127.0.0.1", -1)
		if err != nil {
			return fmt.Errorf("%s - failed to start embedded COMMS: %w", logPrefix, err)
		}
		defer ns.Shutdown()
		cfg.COMMSURL = ns.ClientURL()
	}
	if cfg.COMMSEmbedded || cfg.Role != config.RoleAll {
		nc, err = commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		defer nc.Drain()
		transport = port.NewNATSTransport(nc, port.NATSOptions{
			Namespace:         cfg.Namespace,
			HeartbeatInterval: cfg.HeartbeatInterval,
			DeadAfter:         cfg.PeerDeadAfter,
		})
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Namespace: cfg.Namespace})
	} else {
		slog.Info(fmt.Sprintf("%s - Hosting every context in-process", logPrefix))
		transport = port.NewHub()
	}

	// Step 2: the page adapter
	var adapter engine.Adapter
	if cfg.Role == config.RolePage || cfg.Role == config.RoleAll {
		sc, err := scene.Load(cfg.SceneFile)
		if err != nil {
			return fmt.Errorf("%s - failed to load scene: %w", logPrefix, err)
		}
		adapter = sc
	}

	s := New(Params{Config: cfg, Transport: transport, Adapter: adapter, Publisher: publisher})

	// Step 3: HTTP health server
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.Start(gctx)
	})

	err = g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// SetupLogging installs the default text logger at level (debug, info, warn, error).
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Start builds the contexts of the configured role and runs them until ctx ends. Listeners are
// opened before any context dials so a single process can host every role.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	role := s.cfg.Role
	steps := []struct {
		enabled bool
		build   func(context.Context, *errgroup.Group) error
	}{
		{role == config.RoleRelay || role == config.RoleAll, s.buildRelay},
		{role == config.RoleContent || role == config.RoleAll, s.buildContent},
		{role == config.RolePage || role == config.RoleAll, s.buildPage},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.build(gctx, g); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}

	s.mu.Lock()
	managers := append([]managerEntry(nil), s.managers...)
	machine := s.machine
	s.mu.Unlock()

	for _, e := range managers {
		m := e.m
		// Detection starts once the page can reach content, so the settled result has a path out.
		detectAfter := e.local == envelope.ContextPage && machine != nil
		g.Go(func() error {
			if err := m.Connect(gctx); err != nil {
				return err
			}
			if detectAfter {
				g.Go(func() error { return runDetection(gctx, machine) })
			}
			<-gctx.Done()
			m.Disconnect()
			return nil
		})
	}

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Role %s is ready", logPrefix, role))
	err := g.Wait()
	s.ready.Store(false)
	return err
}

func runDetection(ctx context.Context, machine *detect.Machine) error {
	if _, err := machine.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Ready reports whether every context of the role has been started.
func (s *Server) Ready() bool { return s.ready.Load() }

func (s *Server) listen(ctx context.Context, g *errgroup.Group, local envelope.ContextID, channel string, r *router.Router) (*connection.PortSet, error) {
	l, err := s.transport.Listen(channel)
	if err != nil {
		return nil, fmt.Errorf("%s - %s failed to listen on %s: %w", logPrefix, local, channel, err)
	}
	set := connection.NewPortSet(l, connection.PortSetOptions{Local: local, Codec: s.cfg.Codec(), Publisher: s.publisher})
	set.OnMessage(r.LinkHandler(ctx))
	g.Go(func() error { return set.Serve(ctx) })

	s.mu.Lock()
	s.listeners = append(s.listeners, listenerEntry{local: local, set: set})
	s.mu.Unlock()
	return set, nil
}

func (s *Server) dial(ctx context.Context, local envelope.ContextID, channel string, family retry.Family, r *router.Router) *connection.Manager {
	m := connection.NewManager(s.transport, connection.Options{
		Local:     local,
		Channel:   channel,
		Codec:     s.cfg.Codec(),
		Reconnect: s.cfg.Policy(family),
		Publisher: s.publisher,
	})
	m.OnMessage(r.ManagerHandler(ctx))

	s.mu.Lock()
	s.managers = append(s.managers, managerEntry{local: local, m: m})
	s.mu.Unlock()
	return m
}

func (s *Server) addRouter(r *router.Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routers = append(s.routers, r)
}

// buildRelay accepts panels and content contexts and forwards between them.
func (s *Server) buildRelay(ctx context.Context, g *errgroup.Group) error {
	r := router.New(envelope.ContextRelay, nil)
	panels, err := s.listen(ctx, g, envelope.ContextRelay, ChannelPanel, r)
	if err != nil {
		return err
	}
	contents, err := s.listen(ctx, g, envelope.ContextRelay, ChannelContent, r)
	if err != nil {
		return err
	}
	r.SetRoute(router.Broadcast(panels), envelope.ContextPanel)
	r.SetRoute(router.Broadcast(contents), envelope.ContextContent, envelope.ContextPage)
	s.addRouter(r)
	return nil
}

// buildContent accepts the page and dials the relay.
func (s *Server) buildContent(ctx context.Context, g *errgroup.Group) error {
	r := router.New(envelope.ContextContent, nil)
	pages, err := s.listen(ctx, g, envelope.ContextContent, ChannelPage, r)
	if err != nil {
		return err
	}
	up := s.dial(ctx, envelope.ContextContent, ChannelContent, retry.FamilyCommunicate, r)
	r.SetRoute(r.Tracked(pages), envelope.ContextPage)
	r.SetRoute(up, envelope.ContextRelay, envelope.ContextPanel)
	s.addRouter(r)
	return nil
}

// buildPage wires the engine adapter to a dispatcher and attaches it to the content context.
func (s *Server) buildPage(ctx context.Context, _ *errgroup.Group) error {
	if s.adapter == nil {
		return fmt.Errorf("%s - page role needs an engine adapter", logPrefix)
	}
	req, err := s.cfg.Requirement()
	if err != nil {
		return err
	}

	machine := detect.NewMachine(s.adapter, detect.Options{
		Policy:      s.cfg.Policy(retry.FamilyDetect),
		Requirement: req,
		Context:     envelope.ContextPage,
		Publisher:   s.publisher,
	})
	reg := registry.New(s.adapter)
	ser := serialize.New(s.adapter, serialize.Options{MaxDepth: s.cfg.SerializeMaxDepth, MaxItems: s.cfg.SerializeMaxItems})
	d := dispatcher.NewDispatcher(machine, snapshot.NewWalker(s.adapter, reg), introspect.New(s.adapter, reg, ser), dispatcher.Options{
		MaxDepth:    s.cfg.TreeMaxDepth,
		MaxChildren: s.cfg.TreeMaxChildren,
		ShowPrivate: s.cfg.ShowPrivate,
		ShowMethods: s.cfg.ShowMethods,
		Publisher:   s.publisher,
	})

	r := router.New(envelope.ContextPage, d)
	up := s.dial(ctx, envelope.ContextPage, ChannelPage, retry.FamilyInject, r)
	r.SetRoute(up, envelope.ContextContent, envelope.ContextRelay, envelope.ContextPanel)
	s.addRouter(r)
	machine.OnSettle(func(res detect.Result) { announce(ctx, r, res) })

	s.mu.Lock()
	s.machine = machine
	s.mu.Unlock()
	return nil
}

// announce pushes a settled detection result to the panel as an unsolicited support-response.
func announce(ctx context.Context, r *router.Router, res detect.Result) {
	env, err := envelope.New(envelope.KindSupportResponse, envelope.ContextPage, envelope.ContextPanel, &res)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to build support announcement: %v", logPrefix, err))
		return
	}
	slog.Info(fmt.Sprintf("%s - Announcing detection to panel: support=%t", logPrefix, res.Support))
	r.Route(ctx, env)
}

func (s *Server) record(_ context.Context, e *events.StateChangedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	if n := len(s.events); n > recentEvents {
		s.events = append([]events.StateChangedEvent(nil), s.events[n-recentEvents:]...)
	}
	return nil
}
