// Package snapshot walks the live object graph into a handle-addressed tree.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/inspector-bridge/pkg/engine"
	"github.com/morezero/inspector-bridge/pkg/registry"
)

const logPrefix = "snapshot:snapshot"

const (
	DefaultMaxDepth    = 3
	DefaultMaxChildren = 100
)

// TreeNode is one object in a snapshot. Depth is 0 for roots and grows by one per level.
type TreeNode struct {
	Handle     string     `json:"handle"`
	Name       string     `json:"name"`
	TypeName   string     `json:"typeName"`
	Children   []TreeNode `json:"children"`
	Expandable bool       `json:"expandable"`
	Visible    bool       `json:"visible"`
	Depth      int        `json:"depth"`
}

// Walker produces snapshots. It owns no state besides what the registry holds.
type Walker struct {
	adapter  engine.Adapter
	registry *registry.Registry
}

// NewWalker creates a Walker that mints handles in reg.
func NewWalker(adapter engine.Adapter, reg *registry.Registry) *Walker {
	return &Walker{adapter: adapter, registry: reg}
}

// Snapshot starts a new registry generation and walks every root. Children deeper than
// maxDepth are not populated; each level keeps at most maxChildren children. Non-positive
// limits fall back to the defaults. A graph without roots yields an empty, non-nil slice.
//
// An object is expanded once per root walk only when it has a native identity. Objects without
// one get a fresh handle at every visit, so an identity-less child shared by two parents appears
// under both with distinct handles, and identity-less cycles stop at maxDepth.
func (w *Walker) Snapshot(ctx context.Context, maxDepth, maxChildren int) ([]TreeNode, uint64, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxChildren <= 0 {
		maxChildren = DefaultMaxChildren
	}

	gen := w.registry.NewGeneration()
	nodes := []TreeNode{}

	roots, err := engine.SafeRoots(w.adapter)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to read root objects: %v", logPrefix, err))
		return nodes, gen, nil
	}

	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, gen, fmt.Errorf("%s - snapshot cancelled: %w", logPrefix, err)
		}
		if root == nil {
			continue
		}
		visited := make(map[string]bool)
		node, ok := w.visit(ctx, root, 0, maxDepth, maxChildren, visited)
		if ok {
			nodes = append(nodes, node)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Generation %d: %d root(s), %d handle(s)", logPrefix, gen, len(nodes), w.registry.Len()))
	return nodes, gen, nil
}

// visit returns false when obj was already expanded in this root's walk.
func (w *Walker) visit(ctx context.Context, obj any, depth, maxDepth, maxChildren int, visited map[string]bool) (TreeNode, bool) {
	handle := w.registry.Register(obj)
	if visited[handle] {
		return TreeNode{}, false
	}
	visited[handle] = true

	node := TreeNode{
		Handle:   handle,
		Name:     w.name(obj),
		TypeName: engine.SafeTypeName(w.adapter, obj),
		Children: []TreeNode{},
		Visible:  w.visible(obj),
		Depth:    depth,
	}

	children, err := engine.SafeChildren(w.adapter, obj)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Skipping children of %s (%s): %v", logPrefix, node.TypeName, handle, err))
		return node, true
	}
	node.Expandable = len(children) > 0
	if depth+1 > maxDepth || ctx.Err() != nil {
		return node, true
	}

	if len(children) > maxChildren {
		children = children[:maxChildren]
	}
	for _, child := range children {
		if child == nil {
			continue
		}
		if cn, ok := w.visit(ctx, child, depth+1, maxDepth, maxChildren, visited); ok {
			node.Children = append(node.Children, cn)
		}
	}
	return node, true
}

func (w *Walker) name(obj any) string {
	if v, err := engine.SafeRead(w.adapter, obj, "name"); err == nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return engine.SafeTypeName(w.adapter, obj)
}

func (w *Walker) visible(obj any) bool {
	if v, err := engine.SafeRead(w.adapter, obj, "visible"); err == nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	if v, err := engine.SafeRead(w.adapter, obj, "alpha"); err == nil {
		if f, ok := engine.ToFloat(v); ok {
			return f > 0
		}
	}
	return true
}
