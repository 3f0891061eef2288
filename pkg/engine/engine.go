// Package engine defines the capability a game engine integration supplies to the inspector:
// detection, the live object graph, and member-level reflection.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMember is returned when an object has no member with the requested name.
	ErrNoMember = errors.New("engine: no such member")
	// ErrReadOnly is returned when writing a member that has no setter.
	ErrReadOnly = errors.New("engine: member is read-only")
	// ErrAdapterPanic wraps a panic raised inside adapter code.
	ErrAdapterPanic = errors.New("engine: adapter panicked")
)

// Member describes one enumerable member of a live object.
type Member struct {
	Name      string
	Getter    bool
	Setter    bool
	Private   bool
	Callable  bool
	ReadOnly  bool
	Inherited bool
}

// Adapter is implemented per engine. Every method may be called from any goroutine owned by
// the page context, one at a time. Methods may panic; callers use the Safe helpers.
type Adapter interface {
	Detect() bool
	EngineType() string
	Version() string
	RootObjects() ([]any, error)
	Children(obj any) ([]any, error)
	// NativeIdentity returns a stable engine-provided id, or false when the object has none.
	NativeIdentity(obj any) (string, bool)
	TypeName(obj any) string
	// IsObject reports whether v is a live engine object that Members can enumerate.
	IsObject(v any) bool
	// Members lists own and inherited members.
	Members(obj any) ([]Member, error)
	ReadMember(obj any, name string) (any, error)
	WriteMember(obj any, name string, value any) error
}

// AliasProvider is implemented by adapters whose public setters leave an internal shadow
// field stale. Aliases lists the extra members to write after name.
type AliasProvider interface {
	Aliases(name string) []string
}

// Callable stands in for a method value read from an object.
type Callable struct {
	Name string
}

// Vec2 is a two component vector.
type Vec2 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Vec3 is a three component vector.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Vec4 is a four component vector.
type Vec4 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
	W float64 `json:"w" yaml:"w"`
}

// Image references a texture or bitmap resource.
type Image struct {
	Source string `json:"source" yaml:"source"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Info is the detection result reported to the panel.
type Info struct {
	EngineType string
	Version    string
}

func (i Info) String() string {
	if i.Version == "" {
		return i.EngineType
	}
	return fmt.Sprintf("%s %s", i.EngineType, i.Version)
}

// Undefined is returned by adapters for members that exist but hold no value, as opposed to a
// nil reference.
type Undefined struct{}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
