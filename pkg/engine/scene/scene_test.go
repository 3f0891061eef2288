package scene

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

const sceneTestPrefix = "scene:scene_test"

const cyclicScene = `
engine: egret
version: 5.2.33
roots:
  - id: a
    type: DisplayObjectContainer
    props:
      name: A
    children:
      - id: b
        type: Sprite
        props:
          name: B
        children:
          - ref: a
  - id: shared-parent
    type: Sprite
    children:
      - id: left
        type: Sprite
        children:
          - ref: leaf
      - id: right
        type: Sprite
        children:
          - ref: leaf
      - id: leaf
        type: Bitmap
        broken: [texture]
        props:
          texture: {source: leaf.png, width: 8, height: 8}
`

func TestParse_RefsFormCycleAndDiamond(t *testing.T) {
	s, err := Parse([]byte(cyclicScene))
	if err != nil {
		t.Fatalf("%s - Parse failed: %v", sceneTestPrefix, err)
	}
	if s.EngineType() != "egret" || s.Version() != "5.2.33" {
		t.Errorf("%s - engine = %s %s", sceneTestPrefix, s.EngineType(), s.Version())
	}

	a, _ := s.Find("a")
	b, _ := s.Find("b")
	kids, err := s.Children(b)
	if err != nil {
		t.Fatalf("%s - Children failed: %v", sceneTestPrefix, err)
	}
	if len(kids) != 1 || kids[0] != any(a) {
		t.Errorf("%s - b's child should be a, got %v", sceneTestPrefix, kids)
	}

	left, _ := s.Find("left")
	right, _ := s.Find("right")
	leaf, _ := s.Find("leaf")
	lk, _ := s.Children(left)
	rk, _ := s.Children(right)
	if lk[0] != any(leaf) || rk[0] != any(leaf) {
		t.Errorf("%s - diamond children do not share leaf", sceneTestPrefix)
	}
	if _, err := s.ReadMember(leaf, "texture"); !errors.Is(err, ErrBroken) {
		t.Errorf("%s - broken member read = %v, want ErrBroken", sceneTestPrefix, err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown ref", "roots:\n  - id: a\n    children:\n      - ref: nope\n"},
		{"duplicate id", "roots:\n  - id: a\n  - id: a\n"},
		{"root ref", "roots:\n  - ref: a\n"},
		{"bad yaml", "roots: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("%s - expected error", sceneTestPrefix)
			}
		})
	}
}

func TestLoad_FileThenDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.yaml")
	if err := os.WriteFile(path, []byte(cyclicScene), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", sceneTestPrefix, err)
	}
	t.Setenv("SCENE_FILE", "")

	s, err := Load(filepath.Join(dir, "missing.yaml"), path)
	if err != nil {
		t.Fatalf("%s - Load failed: %v", sceneTestPrefix, err)
	}
	if s.EngineType() != "egret" {
		t.Errorf("%s - loaded engine = %s, want egret", sceneTestPrefix, s.EngineType())
	}

	def, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("%s - Load default failed: %v", sceneTestPrefix, err)
	}
	roots, _ := def.RootObjects()
	if len(roots) != 1 {
		t.Errorf("%s - default scene roots = %d, want 1", sceneTestPrefix, len(roots))
	}
}

func TestScene_DetectAfterPolls(t *testing.T) {
	s := New("scene", "1.0.0")
	s.DetectAfter(2)
	got := []bool{s.Detect(), s.Detect(), s.Detect()}
	if got[0] || got[1] || !got[2] {
		t.Errorf("%s - Detect sequence = %v, want [false false true]", sceneTestPrefix, got)
	}
	s.SetDetected(false)
	if s.Detect() {
		t.Errorf("%s - Detect = true after SetDetected(false)", sceneTestPrefix)
	}
	if s.Polls() != 4 {
		t.Errorf("%s - Polls = %d, want 4", sceneTestPrefix, s.Polls())
	}
}

func TestScene_MembersAndWrites(t *testing.T) {
	s := New("scene", "1.0.0")
	n := s.NewNode("n1", "Sprite", map[string]any{"alpha": 1.0, "$visible": true, "_cache": 1})
	s.AddRoot(n)

	members, err := s.Members(n)
	if err != nil {
		t.Fatalf("%s - Members failed: %v", sceneTestPrefix, err)
	}
	byName := map[string]engine.Member{}
	for _, m := range members {
		byName[m.Name] = m
	}
	if !byName["$visible"].Private || !byName["_cache"].Private || byName["alpha"].Private {
		t.Errorf("%s - private flags wrong: %+v", sceneTestPrefix, byName)
	}
	if !byName["addChild"].Callable || !byName["parent"].Inherited {
		t.Errorf("%s - builtins missing: %+v", sceneTestPrefix, byName)
	}

	if err := s.WriteMember(n, "alpha", 0.25); err != nil {
		t.Fatalf("%s - WriteMember failed: %v", sceneTestPrefix, err)
	}
	if v, _ := n.Prop("alpha"); v != 0.25 {
		t.Errorf("%s - alpha = %v, want 0.25", sceneTestPrefix, v)
	}
	if err := s.WriteMember(n, "numChildren", 3); !errors.Is(err, engine.ErrReadOnly) {
		t.Errorf("%s - builtin write = %v, want ErrReadOnly", sceneTestPrefix, err)
	}
	if err := s.WriteMember(n, "missing", 3); !errors.Is(err, engine.ErrNoMember) {
		t.Errorf("%s - unknown write = %v, want ErrNoMember", sceneTestPrefix, err)
	}
	if _, err := s.ReadMember("not a node", "alpha"); !errors.Is(err, engine.ErrNoMember) {
		t.Errorf("%s - foreign read = %v, want ErrNoMember", sceneTestPrefix, err)
	}
	if got := s.Aliases("visible"); len(got) != 1 || got[0] != "$visible" {
		t.Errorf("%s - Aliases(visible) = %v", sceneTestPrefix, got)
	}
}

func TestScene_IdentityLessNode(t *testing.T) {
	s := New("scene", "1.0.0")
	n := s.NewNode("", "Shape", nil)
	if _, ok := s.NativeIdentity(n); ok {
		t.Errorf("%s - identity-less node reported an identity", sceneTestPrefix)
	}
	if s.TypeName(n) != "Shape" {
		t.Errorf("%s - TypeName = %s, want Shape", sceneTestPrefix, s.TypeName(n))
	}
	n.BreakChildren()
	if _, err := s.Children(n); !errors.Is(err, ErrBroken) {
		t.Errorf("%s - broken children = %v, want ErrBroken", sceneTestPrefix, err)
	}
}
