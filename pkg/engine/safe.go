package engine

import (
	"fmt"
	"log/slog"
)

const logPrefix = "engine:safe"

func recovered(op string, err *error) {
	if r := recover(); r != nil {
		slog.Warn(fmt.Sprintf("%s - %s panicked: %v", logPrefix, op, r))
		*err = fmt.Errorf("%s - %s: %v: %w", logPrefix, op, r, ErrAdapterPanic)
	}
}

// SafeDetect reports false when Detect panics.
func SafeDetect(a Adapter) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn(fmt.Sprintf("%s - Detect panicked: %v", logPrefix, r))
			ok = false
		}
	}()
	return a.Detect()
}

// SafeInfo reads engine type and version, leaving fields empty when they panic.
func SafeInfo(a Adapter) Info {
	var info Info
	func() {
		defer func() { _ = recover() }()
		info.EngineType = a.EngineType()
	}()
	func() {
		defer func() { _ = recover() }()
		info.Version = a.Version()
	}()
	return info
}

// SafeRoots calls RootObjects.
func SafeRoots(a Adapter) (roots []any, err error) {
	defer recovered("RootObjects", &err)
	return a.RootObjects()
}

// SafeChildren calls Children.
func SafeChildren(a Adapter, obj any) (children []any, err error) {
	defer recovered("Children", &err)
	return a.Children(obj)
}

// SafeIdentity calls NativeIdentity, treating a panic as "no identity".
func SafeIdentity(a Adapter, obj any) (id string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			id, ok = "", false
		}
	}()
	return a.NativeIdentity(obj)
}

// SafeTypeName calls TypeName, falling back to the Go type.
func SafeTypeName(a Adapter, obj any) (name string) {
	defer func() {
		if r := recover(); r != nil {
			name = fmt.Sprintf("%T", obj)
		}
	}()
	name = a.TypeName(obj)
	if name == "" {
		name = fmt.Sprintf("%T", obj)
	}
	return name
}

// SafeIsObject calls IsObject, treating a panic as false.
func SafeIsObject(a Adapter, v any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return a.IsObject(v)
}

// SafeMembers calls Members.
func SafeMembers(a Adapter, obj any) (members []Member, err error) {
	defer recovered("Members", &err)
	return a.Members(obj)
}

// SafeRead calls ReadMember.
func SafeRead(a Adapter, obj any, name string) (v any, err error) {
	defer recovered("ReadMember "+name, &err)
	return a.ReadMember(obj, name)
}

// SafeWrite calls WriteMember.
func SafeWrite(a Adapter, obj any, name string, value any) (err error) {
	defer recovered("WriteMember "+name, &err)
	return a.WriteMember(obj, name, value)
}

// AliasesOf returns the aliases declared for name, if the adapter declares any.
func AliasesOf(a Adapter, name string) (aliases []string) {
	p, ok := a.(AliasProvider)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			aliases = nil
		}
	}()
	return p.Aliases(name)
}
