package scene

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

// ErrBroken is returned for members and child lists marked as failing.
var ErrBroken = errors.New("scene: member cannot be read")

// Node is one live object of a Scene.
type Node struct {
	scene          *Scene
	id             string
	typeName       string
	props          map[string]any
	children       []*Node
	parent         *Node
	broken         map[string]bool
	brokenChildren bool
}

// ID returns the native identity, or "" when the node has none.
func (n *Node) ID() string { return n.id }

// Prop reads a property directly, bypassing the adapter.
func (n *Node) Prop(name string) (any, bool) {
	n.scene.mu.RLock()
	defer n.scene.mu.RUnlock()
	v, ok := n.props[name]
	return v, ok
}

// AddChild appends child. The same node may be added under several parents.
func (n *Node) AddChild(child *Node) *Node {
	n.scene.mu.Lock()
	defer n.scene.mu.Unlock()
	n.children = append(n.children, child)
	if child.parent == nil {
		child.parent = n
	}
	return n
}

// Break makes reads of member fail.
func (n *Node) Break(member string) *Node {
	n.scene.mu.Lock()
	defer n.scene.mu.Unlock()
	n.broken[member] = true
	return n
}

// BreakChildren makes child enumeration fail.
func (n *Node) BreakChildren() *Node {
	n.scene.mu.Lock()
	defer n.scene.mu.Unlock()
	n.brokenChildren = true
	return n
}

// Scene is an engine.Adapter over an in-memory node graph.
type Scene struct {
	mu          sync.RWMutex
	engineType  string
	version     string
	detected    bool
	detectAfter int
	polls       int
	roots       []*Node
	byID        map[string]*Node
	aliases     map[string][]string
}

var _ engine.Adapter = (*Scene)(nil)
var _ engine.AliasProvider = (*Scene)(nil)

// New creates an empty, detectable scene.
func New(engineType, version string) *Scene {
	return &Scene{
		engineType: engineType,
		version:    version,
		detected:   true,
		byID:       make(map[string]*Node),
		aliases:    DefaultAliases(),
	}
}

// NewNode creates a detached node. An empty id means the node has no native identity.
func (s *Scene) NewNode(id, typeName string, props map[string]any) *Node {
	n := &Node{
		scene:    s,
		id:       id,
		typeName: typeName,
		props:    make(map[string]any, len(props)),
		broken:   make(map[string]bool),
	}
	for k, v := range props {
		n.props[k] = v
	}
	if id != "" {
		s.mu.Lock()
		s.byID[id] = n
		s.mu.Unlock()
	}
	return n
}

// AddRoot appends a root object.
func (s *Scene) AddRoot(n *Node) *Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = append(s.roots, n)
	return s
}

// Find returns the node with the given id.
func (s *Scene) Find(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

// SetDetected controls what Detect reports.
func (s *Scene) SetDetected(detected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = detected
}

// DetectAfter makes Detect fail for the first polls calls.
func (s *Scene) DetectAfter(polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectAfter = polls
	s.polls = 0
}

// SetAliases replaces the aliases declared for name.
func (s *Scene) SetAliases(name string, aliases ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(aliases) == 0 {
		delete(s.aliases, name)
		return
	}
	s.aliases[name] = append([]string(nil), aliases...)
}

// Polls reports how many times Detect was called.
func (s *Scene) Polls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polls
}

func (s *Scene) Detect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.detected && s.polls > s.detectAfter
}

func (s *Scene) EngineType() string { return s.engineType }

func (s *Scene) Version() string { return s.version }

func (s *Scene) RootObjects() ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, len(s.roots))
	for i, r := range s.roots {
		out[i] = r
	}
	return out, nil
}

func (s *Scene) Children(obj any) ([]any, error) {
	n, err := s.node(obj)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n.brokenChildren {
		return nil, fmt.Errorf("children of %s: %w", n.typeName, ErrBroken)
	}
	out := make([]any, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out, nil
}

func (s *Scene) NativeIdentity(obj any) (string, bool) {
	n, ok := obj.(*Node)
	if !ok || n == nil || n.id == "" {
		return "", false
	}
	return n.id, true
}

func (s *Scene) TypeName(obj any) string {
	if n, ok := obj.(*Node); ok && n != nil && n.typeName != "" {
		return n.typeName
	}
	return fmt.Sprintf("%T", obj)
}

func (s *Scene) IsObject(v any) bool {
	n, ok := v.(*Node)
	return ok && n != nil
}

// builtins are the members every node inherits.
var builtins = []engine.Member{
	{Name: "hashCode", Getter: true, ReadOnly: true, Inherited: true},
	{Name: "numChildren", Getter: true, ReadOnly: true, Inherited: true},
	{Name: "parent", Getter: true, ReadOnly: true, Inherited: true},
	{Name: "addChild", Callable: true, ReadOnly: true, Inherited: true},
	{Name: "removeChild", Callable: true, ReadOnly: true, Inherited: true},
}

func builtin(name string) (engine.Member, bool) {
	for _, m := range builtins {
		if m.Name == name {
			return m, true
		}
	}
	return engine.Member{}, false
}

func isPrivate(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, "$")
}

func (s *Scene) Members(obj any) ([]engine.Member, error) {
	n, err := s.node(obj)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(n.props))
	for name := range n.props {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	members := make([]engine.Member, 0, len(names)+len(builtins))
	for _, name := range names {
		members = append(members, engine.Member{Name: name, Setter: true, Private: isPrivate(name)})
	}
	return append(members, builtins...), nil
}

func (s *Scene) ReadMember(obj any, name string) (any, error) {
	n, err := s.node(obj)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n.broken[name] {
		return nil, fmt.Errorf("%s.%s: %w", n.typeName, name, ErrBroken)
	}
	if v, ok := n.props[name]; ok {
		return v, nil
	}
	switch name {
	case "hashCode":
		return n.id, nil
	case "numChildren":
		return len(n.children), nil
	case "parent":
		if n.parent == nil {
			return nil, nil
		}
		return n.parent, nil
	case "addChild", "removeChild":
		return engine.Callable{Name: name}, nil
	}
	return nil, fmt.Errorf("%s.%s: %w", n.typeName, name, engine.ErrNoMember)
}

func (s *Scene) WriteMember(obj any, name string, value any) error {
	n, err := s.node(obj)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := n.props[name]; !ok {
		if _, isBuiltin := builtin(name); isBuiltin {
			return fmt.Errorf("%s.%s: %w", n.typeName, name, engine.ErrReadOnly)
		}
		return fmt.Errorf("%s.%s: %w", n.typeName, name, engine.ErrNoMember)
	}
	n.props[name] = value
	return nil
}

func (s *Scene) Aliases(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.aliases[name]...)
}

func (s *Scene) node(obj any) (*Node, error) {
	n, ok := obj.(*Node)
	if !ok || n == nil {
		return nil, fmt.Errorf("scene: %T is not a scene node: %w", obj, engine.ErrNoMember)
	}
	return n, nil
}
