package scene

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const logPrefix = "scene:loader"

// Load builds a Scene from the first readable scene file.
// It tries paths in order: first any paths passed in, then SCENE_FILE env, then defaults.
// When nothing parses, the demo scene from DefaultConfig is used.
func Load(paths ...string) (*Scene, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("SCENE_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/scene.yaml", "scene.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse scene file %s: %v", logPrefix, p, err))
			continue
		}

		s, err := Build(&cfg)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Invalid scene file %s: %v", logPrefix, p, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - Loaded scene from %s", logPrefix, p))
		return s, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default scene", logPrefix))
	return Build(DefaultConfig())
}

// Parse builds a Scene from YAML bytes.
func Parse(data []byte) (*Scene, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s - failed to parse scene: %w", logPrefix, err)
	}
	return Build(&cfg)
}

// Build turns a Config into a live Scene. Refs are resolved after every node is declared, so a
// ref may point forward, sideways or at an ancestor.
func Build(cfg *Config) (*Scene, error) {
	engineType := cfg.Engine
	if engineType == "" {
		engineType = "scene"
	}
	s := New(engineType, cfg.Version)
	if cfg.Detected != nil {
		s.detected = *cfg.Detected
	}
	s.detectAfter = cfg.DetectAfterPolls
	for name, aliases := range cfg.Aliases {
		s.aliases[name] = append([]string(nil), aliases...)
	}

	type pendingRef struct {
		parent *Node
		index  int
		ref    string
	}
	var refs []pendingRef

	var declare func(spec NodeSpec) (*Node, error)
	declare = func(spec NodeSpec) (*Node, error) {
		if spec.ID != "" {
			if _, dup := s.byID[spec.ID]; dup {
				return nil, fmt.Errorf("%s - duplicate node id %q", logPrefix, spec.ID)
			}
		}
		n := s.NewNode(spec.ID, spec.Type, spec.Props)
		for _, m := range spec.Broken {
			n.broken[m] = true
		}
		n.brokenChildren = spec.BrokenChildren
		for _, cs := range spec.Children {
			if cs.Ref != "" {
				refs = append(refs, pendingRef{parent: n, index: len(n.children), ref: cs.Ref})
				n.children = append(n.children, nil)
				continue
			}
			child, err := declare(cs)
			if err != nil {
				return nil, err
			}
			child.parent = n
			n.children = append(n.children, child)
		}
		return n, nil
	}

	for _, rs := range cfg.Roots {
		if rs.Ref != "" {
			return nil, fmt.Errorf("%s - root cannot be a ref (%q)", logPrefix, rs.Ref)
		}
		root, err := declare(rs)
		if err != nil {
			return nil, err
		}
		s.roots = append(s.roots, root)
	}

	for _, r := range refs {
		target, ok := s.byID[r.ref]
		if !ok {
			return nil, fmt.Errorf("%s - unknown ref %q", logPrefix, r.ref)
		}
		r.parent.children[r.index] = target
	}
	return s, nil
}
