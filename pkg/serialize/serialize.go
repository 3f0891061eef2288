// Package serialize turns live values into bounded, cycle-safe JSON-friendly trees.
package serialize

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

// Markers embedded in place of values that are not serialized.
const (
	Circular        = "[Circular]"
	MaxDepthReached = "[Max Depth Reached]"
	Function        = "[Function]"
	Inaccessible    = "[Error: Cannot access property]"
)

const (
	DefaultMaxDepth = 3
	DefaultMaxItems = 10
)

// Options bound a serialization.
type Options struct {
	// MaxDepth is the deepest nesting level that is still expanded. Zero means DefaultMaxDepth.
	MaxDepth int
	// MaxItems caps slices and arrays. Zero means DefaultMaxItems.
	MaxItems int
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxItems <= 0 {
		o.MaxItems = DefaultMaxItems
	}
	return o
}

// Serializer is reused by the tree walker and the property introspector. Engine objects are
// expanded through the adapter; everything else through reflection.
type Serializer struct {
	adapter engine.Adapter
	opts    Options
}

// New creates a Serializer. adapter may be nil, in which case no value is treated as an engine object.
func New(adapter engine.Adapter, opts Options) *Serializer {
	return &Serializer{adapter: adapter, opts: opts.withDefaults()}
}

// Options returns the effective bounds.
func (s *Serializer) Options() Options { return s.opts }

// Value serializes v with a fresh seen set.
func (s *Serializer) Value(v any) any {
	return s.Session().Value(v)
}

// Session starts a serialization whose seen set is shared across calls. Objects passed as
// visited are marked seen up front, so references back to them yield Circular.
func (s *Serializer) Session(visited ...any) *Session {
	sess := &Session{s: s, seen: make(map[any]bool)}
	for _, v := range visited {
		if key, ok := sess.identity(v); ok {
			sess.seen[key] = true
		}
	}
	return sess
}

// Session is one serialization call. Not safe for concurrent use.
type Session struct {
	s    *Serializer
	seen map[any]bool
}

type refKey struct {
	typ reflect.Type
	ptr uintptr
}

// Value serializes v at nesting level 0.
func (ss *Session) Value(v any) any {
	return ss.value(v, 0)
}

func (ss *Session) value(v any, depth int) any {
	if depth > ss.s.opts.MaxDepth {
		return MaxDepthReached
	}
	if v == nil {
		return nil
	}

	switch t := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case float64:
		return finite(t, t)
	case float32:
		return finite(float64(t), t)
	case engine.Callable:
		return Function
	case engine.Undefined:
		return nil
	case engine.Vec2:
		if allFinite(t.X, t.Y) {
			return t
		}
		return map[string]any{"x": finite(t.X, t.X), "y": finite(t.Y, t.Y)}
	case engine.Vec3:
		if allFinite(t.X, t.Y, t.Z) {
			return t
		}
		return map[string]any{"x": finite(t.X, t.X), "y": finite(t.Y, t.Y), "z": finite(t.Z, t.Z)}
	case engine.Vec4:
		if allFinite(t.X, t.Y, t.Z, t.W) {
			return t
		}
		return map[string]any{"x": finite(t.X, t.X), "y": finite(t.Y, t.Y), "z": finite(t.Z, t.Z), "w": finite(t.W, t.W)}
	case engine.Image:
		return t
	}

	if ss.isObject(v) {
		return ss.object(v, depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return Function
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if key, ok := ss.identity(v); ok {
			if ss.seen[key] {
				return Circular
			}
			ss.seen[key] = true
		}
		return ss.value(rv.Elem().Interface(), depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if key, ok := ss.identity(v); ok {
			if ss.seen[key] {
				return Circular
			}
			ss.seen[key] = true
		}
		n := rv.Len()
		if n > ss.s.opts.MaxItems {
			n = ss.s.opts.MaxItems
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = ss.value(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if key, ok := ss.identity(v); ok {
			if ss.seen[key] {
				return Circular
			}
			ss.seen[key] = true
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = ss.value(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		return ss.structValue(rv, depth)
	case reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", rv.Type().String())
	}
	return fmt.Sprint(v)
}

// finite returns v, or nil when f is NaN or infinite. JSON has no spelling for those; a browser
// writes them as null.
func finite(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return v
}

func allFinite(fs ...float64) bool {
	for _, f := range fs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (ss *Session) object(obj any, depth int) any {
	if key, ok := ss.identity(obj); ok {
		if ss.seen[key] {
			return Circular
		}
		ss.seen[key] = true
	}

	members, err := engine.SafeMembers(ss.s.adapter, obj)
	if err != nil {
		return fmt.Sprintf("[%s]", engine.SafeTypeName(ss.s.adapter, obj))
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	out := make(map[string]any, len(members))
	for _, m := range members {
		if m.Private || m.Callable {
			continue
		}
		v, err := engine.SafeRead(ss.s.adapter, obj, m.Name)
		if err != nil {
			out[m.Name] = Inaccessible
			continue
		}
		out[m.Name] = ss.value(v, depth+1)
	}
	return out
}

func (ss *Session) structValue(rv reflect.Value, depth int) any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		out[f.Name] = ss.value(rv.Field(i).Interface(), depth+1)
	}
	return out
}

func (ss *Session) isObject(v any) bool {
	return ss.s.adapter != nil && engine.SafeIsObject(ss.s.adapter, v)
}

// identity returns a seen-set key for reference values. Engine objects use their native
// identity when the adapter has one.
func (ss *Session) identity(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if ss.isObject(v) {
		if id, ok := engine.SafeIdentity(ss.s.adapter, v); ok {
			return "engine:" + id, true
		}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() || rv.Type().Elem().Size() == 0 {
			return nil, false
		}
	case reflect.Slice:
		// Empty slices may share a base address.
		if rv.IsNil() || rv.Len() == 0 {
			return nil, false
		}
	case reflect.Map:
		if rv.IsNil() {
			return nil, false
		}
	default:
		return nil, false
	}
	return refKey{typ: rv.Type(), ptr: rv.Pointer()}, true
}
