// Package introspect lists and edits the members of objects addressed by registry handles.
package introspect

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/morezero/inspector-bridge/pkg/engine"
	"github.com/morezero/inspector-bridge/pkg/registry"
	"github.com/morezero/inspector-bridge/pkg/serialize"
)

const logPrefix = "introspect:introspector"

// PropertyRecord describes one member of an inspected object. Value is a bounded serialization,
// never the live reference.
type PropertyRecord struct {
	Name       string   `json:"name"`
	Value      any      `json:"value"`
	DataType   TypeTag  `json:"dataType"`
	Path       []string `json:"path"`
	IsGetter   bool     `json:"isGetter"`
	IsSetter   bool     `json:"isSetter"`
	IsPrivate  bool     `json:"isPrivate"`
	Expandable bool     `json:"expandable"`
	Readonly   bool     `json:"readonly"`
}

// Options filter the members Describe reports.
type Options struct {
	ShowPrivate bool `json:"showPrivate,omitempty"`
	ShowMethods bool `json:"showMethods,omitempty"`
}

// Introspector reads and writes members of registered objects.
type Introspector struct {
	adapter    engine.Adapter
	registry   *registry.Registry
	serializer *serialize.Serializer
}

// New creates an Introspector. A nil serializer gets the default bounds.
func New(adapter engine.Adapter, reg *registry.Registry, ser *serialize.Serializer) *Introspector {
	if ser == nil {
		ser = serialize.New(adapter, serialize.Options{})
	}
	return &Introspector{adapter: adapter, registry: reg, serializer: ser}
}

// Describe lists the members of the object behind handle, sorted by category then name.
// An unknown or stale handle yields an empty slice.
func (in *Introspector) Describe(handle string, opts Options) []PropertyRecord {
	records := []PropertyRecord{}

	obj, err := in.registry.Resolve(handle)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - Describe on unknown handle: %v", logPrefix, err))
		return records
	}

	members, err := engine.SafeMembers(in.adapter, obj)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to enumerate members of %s: %v", logPrefix, handle, err))
		return records
	}

	sess := in.serializer.Session(obj)
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		// Own members come first and shadow inherited ones.
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true

		if m.Private && !opts.ShowPrivate {
			continue
		}
		if m.Callable && !opts.ShowMethods {
			continue
		}

		rec := PropertyRecord{
			Name:      m.Name,
			Path:      []string{m.Name},
			IsGetter:  m.Getter,
			IsSetter:  m.Setter,
			IsPrivate: m.Private,
			Readonly:  m.ReadOnly || (m.Getter && !m.Setter),
		}

		v, err := engine.SafeRead(in.adapter, obj, m.Name)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Cannot read %s.%s: %v", logPrefix, handle, m.Name, err))
			rec.DataType = TypeInvalid
			rec.Value = serialize.Inaccessible
			records = append(records, rec)
			continue
		}

		rec.DataType = Classify(m.Name, v)
		if rec.DataType == TypeFunction && !opts.ShowMethods {
			continue
		}
		rec.Value = sess.Value(v)
		rec.Expandable = expandable(rec.DataType, v)
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := CategoryOf(records[i].Name), CategoryOf(records[j].Name)
		if ci != cj {
			return ci < cj
		}
		return records[i].Name < records[j].Name
	})
	return records
}
