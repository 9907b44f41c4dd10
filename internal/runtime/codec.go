package runtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"function-harness/internal/frame"
	"function-harness/internal/loader"
)

// wireValue is one tagged value exchanged with a foreign interpreter.
//
//	none, str, int, float, bool  scalars; non-finite floats travel as
//	                             "nan", "inf" or "-inf"
//	bytes                        base64 payload
//	seq, map                     containers of wire values
//	table                        CSV payload plus origin type and columns
//	entity                       handle to a harness object
//	object                       opaque serialized value (pickle)
type wireValue struct {
	T       string          `json:"t"`
	V       json.RawMessage `json:"v,omitempty"`
	Type    string          `json:"type,omitempty"`
	Columns []string        `json:"columns,omitempty"`
}

type handleRef struct {
	Handle string          `json:"handle"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

// codec encodes the arguments of one call and decodes its result. Objects
// that have no wire form travel as handles; the same pointer always gets
// the same handle so that the init function and the handler share it, and
// a handle that comes back decodes to the original object.
type codec struct {
	ids     map[any]string
	objects map[string]any
}

func newCodec() *codec {
	return &codec{
		ids:     make(map[any]string),
		objects: make(map[string]any),
	}
}

func (c *codec) encodeMap(kwargs map[string]any) (map[string]wireValue, error) {
	out := make(map[string]wireValue, len(kwargs))
	for k, v := range kwargs {
		w, err := c.encode(v)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %q: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

func (c *codec) encode(v any) (wireValue, error) {
	switch x := v.(type) {
	case nil:
		return wireValue{T: "none"}, nil
	case string:
		return scalar("str", x)
	case bool:
		return scalar("bool", x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return scalar("int", x)
	case float32:
		return encodeFloat(float64(x))
	case float64:
		return encodeFloat(x)
	case []byte:
		return scalar("bytes", base64.StdEncoding.EncodeToString(x))
	case *frame.Frame:
		w, err := scalar("table", x.Data)
		w.Type = x.TypeName()
		w.Columns = x.Columns
		return w, err
	case json.RawMessage:
		return wireValue{T: "json", V: x}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]wireValue, rv.Len())
		for i := range items {
			w, err := c.encode(rv.Index(i).Interface())
			if err != nil {
				return wireValue{}, err
			}
			items[i] = w
		}
		return scalar("seq", items)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]wireValue, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			w, err := c.encode(iter.Value().Interface())
			if err != nil {
				return wireValue{}, err
			}
			m[iter.Key().String()] = w
		}
		return scalar("map", m)
	}
	return c.encodeHandle(v, rv)
}

func (c *codec) encodeHandle(v any, rv reflect.Value) (wireValue, error) {
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return wireValue{T: "none"}, nil
	}
	fields, err := json.Marshal(v)
	if err != nil {
		return wireValue{}, fmt.Errorf("encoding %T: %w", v, err)
	}

	var id string
	if rv.Kind() == reflect.Pointer {
		id = c.ids[v]
	}
	if id == "" {
		id = fmt.Sprintf("h%d", len(c.objects))
		c.objects[id] = v
		if rv.Kind() == reflect.Pointer {
			c.ids[v] = id
		}
	}
	return scalar("entity", handleRef{Handle: id, Fields: fields})
}

func (c *codec) decode(w wireValue) (any, error) {
	switch w.T {
	case "none":
		return nil, nil
	case "str":
		var s string
		return s, json.Unmarshal(w.V, &s)
	case "bool":
		var b bool
		return b, json.Unmarshal(w.V, &b)
	case "int":
		return decodeInt(w.V)
	case "float":
		return decodeFloat(w.V)
	case "bytes":
		return decodeBytes(w.V)
	case "seq":
		var items []wireValue
		if err := json.Unmarshal(w.V, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := c.decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "table":
		data, err := decodeBytes(w.V)
		if err != nil {
			return nil, err
		}
		return &frame.Frame{Origin: w.Type, Columns: w.Columns, Data: data}, nil
	case "entity":
		var id string
		if err := json.Unmarshal(w.V, &id); err != nil {
			return nil, err
		}
		obj, ok := c.objects[id]
		if !ok {
			return nil, fmt.Errorf("unknown handle %q", id)
		}
		return obj, nil
	case "object":
		data, err := decodeBytes(w.V)
		if err != nil {
			return nil, err
		}
		return &loader.Opaque{TypeName: w.Type, Ext: "pickle", Data: data}, nil
	}
	return nil, fmt.Errorf("unknown wire tag %q", w.T)
}

func scalar(tag string, v any) (wireValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return wireValue{}, fmt.Errorf("encoding %s value: %w", tag, err)
	}
	return wireValue{T: tag, V: raw}, nil
}

func encodeFloat(f float64) (wireValue, error) {
	switch {
	case math.IsNaN(f):
		return scalar("float", "nan")
	case math.IsInf(f, 1):
		return scalar("float", "inf")
	case math.IsInf(f, -1):
		return scalar("float", "-inf")
	}
	return scalar("float", f)
}

func decodeFloat(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || raw[0] != '"' {
		var f float64
		return f, json.Unmarshal(raw, &f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	switch s {
	case "nan":
		return math.NaN(), nil
	case "inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	return nil, fmt.Errorf("invalid float %q", s)
}

func decodeInt(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return nil, err
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	// Out of int64 range.
	return n.Float64()
}

func decodeBytes(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}
