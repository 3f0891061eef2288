package introspect

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

// MutationCode identifies why a Mutate call failed.
type MutationCode string

const (
	InvalidValue MutationCode = "INVALID_VALUE"
	PathNotFound MutationCode = "PATH_NOT_FOUND"
	WriteFailed  MutationCode = "WRITE_FAILED"
)

// Sentinels usable with errors.Is against a *MutationError.
var (
	ErrInvalidValue = errors.New("introspect: invalid value")
	ErrPathNotFound = errors.New("introspect: path not found")
	ErrWriteFailed  = errors.New("introspect: write failed")
)

// MutationError is the typed failure of Mutate.
type MutationError struct {
	Code    MutationCode
	Path    []string
	Message string
	Err     error
}

func (e *MutationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *MutationError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Code.
func (e *MutationError) Is(target error) bool {
	switch e.Code {
	case InvalidValue:
		return target == ErrInvalidValue
	case PathNotFound:
		return target == ErrPathNotFound
	case WriteFailed:
		return target == ErrWriteFailed
	}
	return false
}

func newMutationError(code MutationCode, path []string, err error, format string, args ...any) *MutationError {
	return &MutationError{Code: code, Path: path, Message: fmt.Sprintf(format, args...), Err: err}
}

// Mutate writes value at path below the object behind handle. Intermediate segments are read
// through the adapter or through plain maps; the last segment is validated against the property
// rules and written, followed by any aliases the adapter declares for it.
func (in *Introspector) Mutate(handle string, path []string, value any) error {
	if len(path) == 0 {
		return newMutationError(PathNotFound, path, nil, "empty path")
	}
	obj, err := in.registry.Resolve(handle)
	if err != nil {
		return newMutationError(PathNotFound, path, err, "unknown handle %q", handle)
	}

	target := obj
	for i, seg := range path[:len(path)-1] {
		next, err := in.member(target, seg)
		if err != nil {
			return newMutationError(PathNotFound, path, err, "cannot resolve %s", strings.Join(path[:i+1], "."))
		}
		target = next
	}

	name := path[len(path)-1]
	normalized, err := ValidateValue(name, value)
	if err != nil {
		return newMutationError(InvalidValue, path, err, "%s: %v", strings.Join(path, "."), err)
	}

	if merr := in.write(target, name, normalized); merr != nil {
		merr.Path = path
		return merr
	}

	if engine.SafeIsObject(in.adapter, target) {
		for _, alias := range engine.AliasesOf(in.adapter, name) {
			err := engine.SafeWrite(in.adapter, target, alias, normalized)
			if err != nil && !errors.Is(err, engine.ErrNoMember) {
				slog.Warn(fmt.Sprintf("%s - Alias write %s -> %s failed: %v", logPrefix, name, alias, err))
			}
		}
	}

	slog.Info(fmt.Sprintf("%s - Set %s on %s", logPrefix, strings.Join(path, "."), handle))
	return nil
}

func (in *Introspector) member(target any, name string) (any, error) {
	if engine.SafeIsObject(in.adapter, target) {
		return engine.SafeRead(in.adapter, target, name)
	}
	if m, ok := target.(map[string]any); ok {
		v, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", engine.ErrNoMember, name)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%T has no members: %w", target, engine.ErrNoMember)
}

func (in *Introspector) write(target any, name string, value any) *MutationError {
	if engine.SafeIsObject(in.adapter, target) {
		err := engine.SafeWrite(in.adapter, target, name, value)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, engine.ErrNoMember):
			return newMutationError(PathNotFound, nil, err, "no member %q", name)
		default:
			return newMutationError(WriteFailed, nil, err, "write %q: %v", name, err)
		}
	}
	if m, ok := target.(map[string]any); ok {
		if _, ok := m[name]; !ok {
			return newMutationError(PathNotFound, nil, engine.ErrNoMember, "no key %q", name)
		}
		m[name] = value
		return nil
	}
	return newMutationError(PathNotFound, nil, engine.ErrNoMember, "%T is not writable", target)
}

type rule func(v any) (any, error)

var rules = map[string]rule{
	"alpha":         unitInterval,
	"visible":       boolean,
	"x":             number,
	"y":             number,
	"rotation":      number,
	"scaleX":        number,
	"scaleY":        number,
	"skewX":         number,
	"skewY":         number,
	"width":         nonNegative,
	"height":        nonNegative,
	"name":          str,
	"touchEnabled":  boolean,
	"touchChildren": boolean,
}

// ValidateValue checks v against the rule for property name and returns the value to write.
// Names without a rule pass through unchanged.
func ValidateValue(name string, v any) (any, error) {
	if r, ok := rules[name]; ok {
		return r(v)
	}
	if isColorName(name) {
		return color(v)
	}
	return v, nil
}

func number(v any) (any, error) {
	f, ok := engine.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("expected a finite number, got %v", f)
	}
	return v, nil
}

func unitInterval(v any) (any, error) {
	if _, err := number(v); err != nil {
		return nil, err
	}
	f, _ := engine.ToFloat(v)
	if f < 0 || f > 1 {
		return nil, fmt.Errorf("%v is outside [0, 1]", f)
	}
	return f, nil
}

func nonNegative(v any) (any, error) {
	if _, err := number(v); err != nil {
		return nil, err
	}
	if f, _ := engine.ToFloat(v); f < 0 {
		return nil, fmt.Errorf("%v is negative", f)
	}
	return v, nil
}

func boolean(v any) (any, error) {
	if _, ok := v.(bool); !ok {
		return nil, fmt.Errorf("expected a boolean, got %T", v)
	}
	return v, nil
}

func str(v any) (any, error) {
	if _, ok := v.(string); !ok {
		return nil, fmt.Errorf("expected a string, got %T", v)
	}
	return v, nil
}

func color(v any) (any, error) {
	if _, err := number(v); err != nil {
		return nil, err
	}
	f, _ := engine.ToFloat(v)
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("color %v is not an integer", f)
	}
	if f < 0 || f > 0xFFFFFF {
		return nil, fmt.Errorf("color %v is outside [0, 0xFFFFFF]", f)
	}
	return int(f), nil
}
