// Package serialize converts arbitrary runtime values to and from a
// JSON-compatible transport form.
//
// Common values (nil, booleans, numbers, strings, slices, string-keyed maps)
// encode to themselves. Values that JSON cannot represent directly are wrapped
// in a tagged envelope: a JSON object whose "__type__" key names the original
// kind and whose remaining keys carry enough data to reconstruct it.
//
// Encoding never fails: values that cannot be represented degrade to an
// opaque hex payload and, as a last resort, to a stable textual "repr"
// envelope. Decoding an unknown "__type__" returns the envelope unchanged so
// newer producers remain readable by older consumers.
//
// Determinism matters here: the execution hash is derived from the canonical
// form of the encoded inputs, so two equal values must produce byte-identical
// canonical JSON. Canonical relies on encoding/json emitting map keys in
// sorted order.
package serialize

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// typeKey tags envelope objects. Plain maps whose keys start with this prefix
// are not representable as-is; callers should not use it in their own data.
const typeKey = "__type__"

// Path is a filesystem path that survives a round trip as a distinct type
// rather than a bare string.
type Path string

// Tuple is an ordered, fixed-arity sequence. Unlike a plain slice it is
// wrapped in an envelope so the receiving side can tell the two apart.
type Tuple []any

// NDArray is an n-dimensional numeric array in row-major order.
type NDArray struct {
	Dtype string    `json:"dtype"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// DataFrame is a tabular value: ordered column names plus one map per row.
type DataFrame struct {
	Columns []string         `json:"columns"`
	Data    []map[string]any `json:"data"`
}

// Record is the decoded form of a struct envelope. The original Go type is
// not reconstructed; callers get the qualified type name and its fields.
type Record struct {
	Class string         `json:"__class__"`
	Data  map[string]any `json:"data"`
}

// Opaque is the decoded form of an opaque envelope: a payload that was
// gob-encoded on the producing side. It is returned as-is; opaque payloads
// are not meant to cross engine boundaries.
type Opaque struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// Encode converts v into a JSON-compatible value.
//
// Supported types round-trip exactly (see Decode). Anything else degrades to
// an opaque or repr envelope. Encode never returns an error.
func Encode(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case json.Number:
		return val
	case time.Time:
		return map[string]any{typeKey: "datetime", "value": val.UTC().Format(time.RFC3339Nano)}
	case Path:
		return map[string]any{typeKey: "Path", "value": string(val)}
	case Tuple:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = Encode(item)
		}
		return map[string]any{typeKey: "tuple", "value": items}
	case NDArray:
		return map[string]any{
			typeKey: "ndarray",
			"dtype": val.Dtype,
			"shape": val.Shape,
			"data":  val.Data,
		}
	case DataFrame:
		rows := make([]any, len(val.Data))
		for i, row := range val.Data {
			rows[i] = Encode(row)
		}
		return map[string]any{
			typeKey:   "DataFrame",
			"columns": val.Columns,
			"data":    rows,
		}
	case Record:
		return map[string]any{
			typeKey:     "record",
			"__class__": val.Class,
			"data":      Encode(val.Data),
		}
	case Opaque:
		return map[string]any{
			typeKey:    "opaque",
			"encoding": val.Encoding,
			"data":     val.Data,
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Encode(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Encode(item)
		}
		return out
	}

	return encodeReflect(v)
}

// encodeReflect handles slices, maps, structs and pointers that did not match
// a concrete case in Encode.
func encodeReflect(v any) any {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Encode(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Encode(rv.Index(i).Interface())
		}
		return out

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return encodeOpaque(v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Encode(iter.Value().Interface())
		}
		return out

	case reflect.Struct:
		return encodeStruct(rv)
	}

	return encodeOpaque(v)
}

// encodeStruct wraps an exported-field view of a struct in a record envelope.
// The field view goes through encoding/json so json tags are honored.
func encodeStruct(rv reflect.Value) any {
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return encodeOpaque(rv.Interface())
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return encodeOpaque(rv.Interface())
	}

	t := rv.Type()
	class := t.Name()
	if t.PkgPath() != "" {
		class = t.PkgPath() + "." + t.Name()
	}

	return map[string]any{
		typeKey:     "record",
		"__class__": class,
		"data":      Encode(fields),
	}
}

// encodeOpaque gob-encodes the value to hex; if gob refuses (functions,
// channels, unexported graphs), it falls back to a textual repr envelope.
func encodeOpaque(v any) any {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err == nil {
		return map[string]any{
			typeKey:    "opaque",
			"encoding": "gob",
			"data":     hex.EncodeToString(buf.Bytes()),
		}
	}
	return map[string]any{typeKey: "repr", "value": fmt.Sprintf("%v", v)}
}

// Decode reverses Encode.
//
// Envelopes are reconstructed into their original kinds where possible:
// datetime to time.Time, Path to Path, tuple to Tuple, ndarray to NDArray,
// DataFrame to DataFrame. Record and opaque envelopes decode to the Record
// and Opaque views (the original Go type is not rebuilt). A repr envelope
// decodes to its string. Unknown "__type__" values are returned unchanged.
func Decode(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if kind, ok := val[typeKey].(string); ok {
			return decodeEnvelope(kind, val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Decode(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Decode(item)
		}
		return out
	}
	return v
}

func decodeEnvelope(kind string, env map[string]any) any {
	switch kind {
	case "datetime":
		s, _ := env["value"].(string)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return env

	case "Path":
		s, _ := env["value"].(string)
		return Path(s)

	case "tuple":
		items, _ := env["value"].([]any)
		out := make(Tuple, len(items))
		for i, item := range items {
			out[i] = Decode(item)
		}
		return out

	case "ndarray":
		arr := NDArray{}
		arr.Dtype, _ = env["dtype"].(string)
		arr.Shape = toIntSlice(env["shape"])
		arr.Data = toFloatSlice(env["data"])
		return arr

	case "DataFrame":
		df := DataFrame{Columns: toStringSlice(env["columns"])}
		rows, _ := env["data"].([]any)
		df.Data = make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			if m, ok := Decode(row).(map[string]any); ok {
				df.Data = append(df.Data, m)
			}
		}
		return df

	case "record":
		rec := Record{}
		rec.Class, _ = env["__class__"].(string)
		if data, ok := Decode(env["data"]).(map[string]any); ok {
			rec.Data = data
		}
		return rec

	case "opaque":
		op := Opaque{}
		op.Encoding, _ = env["encoding"].(string)
		op.Data, _ = env["data"].(string)
		return op

	case "repr":
		s, _ := env["value"].(string)
		return s
	}

	// Forward compatibility: unknown envelope kinds pass through untouched.
	return env
}

// EncodeMap encodes every value of a string-keyed map. Convenience for the
// bound-inputs map the runner builds per invocation.
func EncodeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = Encode(v)
	}
	return out
}

// DecodeMap decodes every value of a string-keyed map.
func DecodeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = Decode(v)
	}
	return out
}

// Canonical renders v as deterministic JSON: the value is encoded and then
// marshalled with sorted object keys (encoding/json sorts map keys). Two
// equal inputs produce byte-identical output, which the hasher requires.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(Encode(v))
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return data, nil
}

// helpers for loosely typed envelope fields (JSON numbers arrive as float64)

func toIntSlice(v any) []int {
	items, _ := v.([]any)
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		if ints, ok := v.([]int); ok {
			return ints
		}
	}
	return out
}

func toFloatSlice(v any) []float64 {
	items, _ := v.([]any)
	out := make([]float64, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		}
	}
	if len(out) == 0 {
		if fs, ok := v.([]float64); ok {
			return fs
		}
	}
	return out
}

func toStringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if ss, ok := v.([]string); ok {
			return ss
		}
	}
	return out
}
