package outputs

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"function-harness/internal/entity"
	"function-harness/internal/frame"
	"function-harness/internal/loader"
)

// Kind is the materialization class of one result item.
type Kind int

const (
	Primitive Kind = iota
	Tabular
	Entity
	Opaque
)

func (k Kind) String() string {
	switch k {
	case Primitive:
		return "primitive"
	case Tabular:
		return "tabular"
	case Entity:
		return "entity"
	case Opaque:
		return "opaque"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Supported dataframe types.
const (
	PandasDataFrame = "pandas.core.frame.DataFrame"
	PolarsDataFrame = "polars.dataframe.frame.DataFrame"
)

// Converter turns a value of a registered tabular type into a frame.
type Converter func(v any) (*frame.Frame, error)

// TabularRegistry maps fully qualified type names to converters.
type TabularRegistry struct {
	mu    sync.RWMutex
	types map[string]Converter
}

// NewTabularRegistry returns an empty registry.
func NewTabularRegistry() *TabularRegistry {
	return &TabularRegistry{types: make(map[string]Converter)}
}

// DefaultTabular returns a registry with the pandas and polars dataframes
// and the native frame type.
func DefaultTabular() *TabularRegistry {
	r := NewTabularRegistry()
	r.Register(PandasDataFrame, AsFrame)
	r.Register(PolarsDataFrame, AsFrame)
	r.Register(frame.GoTypeName, AsFrame)
	return r
}

// Register adds a tabular type.
func (r *TabularRegistry) Register(typeName string, conv Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typeName] = conv
}

// Lookup returns the converter for typeName.
func (r *TabularRegistry) Lookup(typeName string) (Converter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.types[typeName]
	return conv, ok
}

// Names returns the registered type names, sorted.
func (r *TabularRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AsFrame is the converter for values already carried as frames, which is
// how every foreign runtime hands tables back.
func AsFrame(v any) (*frame.Frame, error) {
	f, ok := v.(*frame.Frame)
	if !ok || f == nil {
		return nil, fmt.Errorf("%T is not a frame", v)
	}
	return f, nil
}

// TypeNameOf returns the fully qualified type name of v. Values carried
// over from a foreign runtime report the type they were converted from.
func TypeNameOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case *frame.Frame:
		return x.TypeName()
	case *loader.Opaque:
		return x.TypeName
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Classify returns the kind of v. Checks run in priority order: primitive,
// tabular, entity, opaque. A nil item is stored as a primitive null.
func Classify(v any, tabular *TabularRegistry) Kind {
	switch v.(type) {
	case nil:
		// No value is not a primitive; it is stored like any other object.
		return Opaque
	case string, bool, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return Primitive
	}
	if _, ok := tabular.Lookup(TypeNameOf(v)); ok {
		return Tabular
	}
	if _, ok := v.(entity.Entity); ok {
		return Entity
	}
	return Opaque
}

// Listify normalizes a return value into a sequence: nil becomes empty,
// slices and arrays (except byte slices) are kept in order and anything
// else becomes a single item.
func Listify(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []byte:
		return []any{x}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items
	}
	return []any{v}
}
