// Package detect probes the page for a supported engine and settles exactly once.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/inspector-bridge/pkg/engine"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/semver"
)

const logPrefix = "detect:machine"

// ErrNotSettled is returned by Wait when probing was abandoned before settling.
var ErrNotSettled = errors.New("detect: probing abandoned before settling")

var errNotDetected = errors.New("engine not detected")

// State of a detection Machine.
type State string

const (
	StateUnknown     State = "unknown"
	StateProbing     State = "probing"
	StateDetected    State = "detected"
	StateUnsupported State = "unsupported"
)

// Result is the settled outcome, reported to the panel as a support-response.
type Result struct {
	Support    bool   `json:"support"`
	EngineType string `json:"engineType,omitempty"`
	Version    string `json:"version,omitempty"`
	Msg        string `json:"msg"`
}

// Options configure a Machine.
type Options struct {
	// Policy bounds probing. Zero MaxAttempts means the detect family defaults.
	Policy retry.Policy
	// Requirement, when set, rejects detected engines whose version falls outside it.
	Requirement *semver.Requirement
	Context     envelope.ContextID
	Publisher   events.EventPublisher
}

// Machine probes once per lifetime. A new page context gets a new Machine.
type Machine struct {
	adapter   engine.Adapter
	opts      Options
	publisher events.EventPublisher

	mu        sync.Mutex
	state     State
	result    Result
	done      chan struct{}
	listeners []func(Result)
}

// NewMachine creates a Machine in StateUnknown.
func NewMachine(adapter engine.Adapter, opts Options) *Machine {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.Defaults(retry.FamilyDetect)
	}
	if opts.Context == "" {
		opts.Context = envelope.ContextPage
	}
	return &Machine{
		adapter:   adapter,
		opts:      opts,
		publisher: events.Or(opts.Publisher),
		state:     StateUnknown,
	}
}

// OnSettle registers fn to receive the settled Result exactly once. If the machine has already
// settled, fn is called immediately.
func (m *Machine) OnSettle(fn func(Result)) {
	m.mu.Lock()
	if m.settled() {
		r := m.result
		m.mu.Unlock()
		fn(r)
		return
	}
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Result returns the settled result, or false while unsettled.
func (m *Machine) Result() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.settled()
}

// Run probes until the engine is detected or the policy is exhausted, then settles. Once settled,
// Run returns the cached result. Concurrent callers wait for the probing call. Cancelling ctx
// abandons probing without settling and returns the machine to StateUnknown.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	m.mu.Lock()
	switch {
	case m.settled():
		r := m.result
		m.mu.Unlock()
		return r, nil
	case m.state == StateProbing:
		done := m.done
		m.mu.Unlock()
		return m.wait(ctx, done)
	}
	m.state = StateProbing
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	m.publish(StateUnknown, StateProbing, "")

	res, err := m.probe(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnknown
		close(done)
		m.mu.Unlock()
		m.publish(StateProbing, StateUnknown, err.Error())
		return Result{}, fmt.Errorf("%s - probing abandoned: %w", logPrefix, err)
	}

	next := StateUnsupported
	if res.Support {
		next = StateDetected
	}

	m.mu.Lock()
	m.state = next
	m.result = res
	listeners := m.listeners
	m.listeners = nil
	close(done)
	m.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Settled %s: %s", logPrefix, next, res.Msg))
	m.publish(StateProbing, next, res.Msg)
	for _, fn := range listeners {
		fn(res)
	}
	return res, nil
}

// Start runs probing in the background.
func (m *Machine) Start(ctx context.Context) {
	go func() {
		if _, err := m.Run(ctx); err != nil {
			slog.Debug(fmt.Sprintf("%s - %v", logPrefix, err))
		}
	}()
}

// Wait blocks until the machine settles or ctx is done.
func (m *Machine) Wait(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.settled() {
		r := m.result
		m.mu.Unlock()
		return r, nil
	}
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return Result{}, ErrNotSettled
	}
	return m.wait(ctx, done)
}

func (m *Machine) wait(ctx context.Context, done <-chan struct{}) (Result, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if r, ok := m.Result(); ok {
		return r, nil
	}
	return Result{}, ErrNotSettled
}

func (m *Machine) probe(ctx context.Context) (Result, error) {
	var attempts atomic.Int32
	_, err := retry.Run(ctx, m.opts.Policy, "detect engine", func(ctx context.Context) (struct{}, error) {
		n := attempts.Add(1)
		if engine.SafeDetect(m.adapter) {
			return struct{}{}, nil
		}
		slog.Debug(fmt.Sprintf("%s - Probe %d/%d: no engine", logPrefix, n, m.opts.Policy.MaxAttempts))
		return struct{}{}, errNotDetected
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{Support: false, Msg: fmt.Sprintf("no supported engine after %d attempts", attempts.Load())}, nil
	}

	info := engine.SafeInfo(m.adapter)
	if ok, reason := m.opts.Requirement.Check(info.EngineType, info.Version); !ok {
		return Result{Support: false, EngineType: info.EngineType, Version: info.Version, Msg: "unsupported engine version: " + reason}, nil
	}
	return Result{Support: true, EngineType: info.EngineType, Version: info.Version, Msg: info.String() + " detected"}, nil
}

func (m *Machine) settled() bool {
	return m.state == StateDetected || m.state == StateUnsupported
}

func (m *Machine) publish(prev, next State, detail string) {
	event := events.NewStateChangedEvent(string(m.opts.Context), events.ComponentDetection, string(next))
	event.Previous = string(prev)
	event.Detail = detail
	if err := m.publisher.PublishState(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish state change: %v", logPrefix, err))
	}
}
