// ABOUTME: Typed JSON serializer that preserves dates, maps, sets, integers and undefined.
// ABOUTME: Values are written as plain JSON plus a path -> type annotation table.

package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Annotation type names written to the meta table.
const (
	typeUndefined = "undefined"
	typeNumber    = "number"
	typeInt       = "int"
	typeDate      = "date"
	typeBytes     = "bytes"
	typeMap       = "map"
	typeSet       = "set"
)

// document is the on-the-wire shape of a serialized value.
type document struct {
	JSON json.RawMessage `json:"json"`
	Meta *meta           `json:"meta,omitempty"`
}

type meta struct {
	Values map[string]string `json:"values,omitempty"`
}

// Serialize encodes v as typed JSON text.
func Serialize(v any) (string, error) {
	w := &walker{annotations: make(map[string]string)}
	plain, err := w.encode(v, nil)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("marshaling value: %w", err)
	}
	doc := document{JSON: raw}
	if len(w.annotations) > 0 {
		doc.Meta = &meta{Values: w.annotations}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling document: %w", err)
	}
	return string(out), nil
}

// walker converts a rich value tree into plain JSON values, recording annotations.
type walker struct {
	annotations map[string]string
}

func (w *walker) annotate(path []string, typ string) {
	w.annotations[joinPath(path)] = typ
}

func (w *walker) encode(v any, path []string) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case UndefinedType:
		w.annotate(path, typeUndefined)
		return nil, nil
	case bool, string:
		return val, nil
	case float64:
		return w.encodeFloat(val, path), nil
	case float32:
		return w.encodeFloat(float64(val), path), nil
	case int:
		return w.encodeInt(int64(val), path), nil
	case int8:
		return w.encodeInt(int64(val), path), nil
	case int16:
		return w.encodeInt(int64(val), path), nil
	case int32:
		return w.encodeInt(int64(val), path), nil
	case int64:
		return w.encodeInt(val, path), nil
	case uint8:
		return w.encodeInt(int64(val), path), nil
	case uint16:
		return w.encodeInt(int64(val), path), nil
	case uint32:
		return w.encodeInt(int64(val), path), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d at %q overflows int64", val, joinPath(path))
		}
		return w.encodeInt(int64(val), path), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d at %q overflows int64", val, joinPath(path))
		}
		return w.encodeInt(int64(val), path), nil
	case time.Time:
		w.annotate(path, typeDate)
		return val.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		w.annotate(path, typeBytes)
		return base64.StdEncoding.EncodeToString(val), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := w.encode(item, appendPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			enc, err := w.encode(item, appendPath(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil
	case *Map:
		if val == nil {
			return nil, nil
		}
		w.annotate(path, typeMap)
		out := make([]any, len(val.entries))
		for i, e := range val.entries {
			entryPath := appendPath(path, strconv.Itoa(i))
			key, err := w.encode(e.Key, appendPath(entryPath, "0"))
			if err != nil {
				return nil, err
			}
			value, err := w.encode(e.Value, appendPath(entryPath, "1"))
			if err != nil {
				return nil, err
			}
			out[i] = []any{key, value}
		}
		return out, nil
	case *Set:
		if val == nil {
			return nil, nil
		}
		w.annotate(path, typeSet)
		out := make([]any, len(val.items))
		for i, item := range val.items {
			enc, err := w.encode(item, appendPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return w.encodeReflect(v, path)
}

// encodeReflect normalises values outside the supported set into their generic JSON shape.
func (w *walker) encodeReflect(v any, path []string) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return w.encode(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return w.encode(items, path)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			obj := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				obj[iter.Key().String()] = iter.Value().Interface()
			}
			return w.encode(obj, path)
		}
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("unsupported value of type %T at %q", v, joinPath(path))
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing %T at %q: %w", v, joinPath(path), err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing %T at %q: %w", v, joinPath(path), err)
	}
	return w.encode(generic, path)
}

func (w *walker) encodeFloat(f float64, path []string) any {
	switch {
	case math.IsNaN(f):
		w.annotate(path, typeNumber)
		return "NaN"
	case math.IsInf(f, 1):
		w.annotate(path, typeNumber)
		return "Infinity"
	case math.IsInf(f, -1):
		w.annotate(path, typeNumber)
		return "-Infinity"
	}
	return f
}

func (w *walker) encodeInt(i int64, path []string) any {
	w.annotate(path, typeInt)
	return strconv.FormatInt(i, 10)
}

// Deserialize decodes typed JSON text produced by Serialize.
func Deserialize(s string) (any, error) {
	var doc document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if len(doc.JSON) == 0 {
		return nil, fmt.Errorf("parsing document: missing json field")
	}

	var root any
	if err := json.Unmarshal(doc.JSON, &root); err != nil {
		return nil, fmt.Errorf("parsing value: %w", err)
	}
	if doc.Meta == nil || len(doc.Meta.Values) == 0 {
		return root, nil
	}

	type annotation struct {
		path []string
		typ  string
	}
	annotations := make([]annotation, 0, len(doc.Meta.Values))
	for p, typ := range doc.Meta.Values {
		annotations = append(annotations, annotation{path: splitPath(p), typ: typ})
	}
	// Deepest first, so container conversions see already-converted children.
	sort.Slice(annotations, func(i, j int) bool {
		if len(annotations[i].path) != len(annotations[j].path) {
			return len(annotations[i].path) > len(annotations[j].path)
		}
		return joinPath(annotations[i].path) < joinPath(annotations[j].path)
	})

	for _, a := range annotations {
		var err error
		root, err = applyAnnotation(root, a.path, a.typ)
		if err != nil {
			return nil, fmt.Errorf("restoring %s at %q: %w", a.typ, joinPath(a.path), err)
		}
	}
	return root, nil
}

// applyAnnotation rewrites the node at path and returns the (possibly replaced) root.
func applyAnnotation(root any, path []string, typ string) (any, error) {
	if len(path) == 0 {
		return restore(root, typ)
	}

	parent := root
	for _, part := range path[:len(path)-1] {
		child, err := childOf(parent, part)
		if err != nil {
			return nil, err
		}
		parent = child
	}

	last := path[len(path)-1]
	switch container := parent.(type) {
	case map[string]any:
		value, ok := container[last]
		if !ok {
			return nil, fmt.Errorf("missing key %q", last)
		}
		restored, err := restore(value, typ)
		if err != nil {
			return nil, err
		}
		container[last] = restored
	case []any:
		i, err := indexOf(container, last)
		if err != nil {
			return nil, err
		}
		restored, err := restore(container[i], typ)
		if err != nil {
			return nil, err
		}
		container[i] = restored
	default:
		return nil, fmt.Errorf("cannot descend into %T", parent)
	}
	return root, nil
}

func childOf(node any, part string) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[part]
		if !ok {
			return nil, fmt.Errorf("missing key %q", part)
		}
		return child, nil
	case []any:
		i, err := indexOf(container, part)
		if err != nil {
			return nil, err
		}
		return container[i], nil
	}
	return nil, fmt.Errorf("cannot descend into %T", node)
}

func indexOf(items []any, part string) (int, error) {
	i, err := strconv.Atoi(part)
	if err != nil || i < 0 || i >= len(items) {
		return 0, fmt.Errorf("bad index %q", part)
	}
	return i, nil
}

// restore converts one plain JSON node back into its annotated type.
func restore(node any, typ string) (any, error) {
	switch typ {
	case typeUndefined:
		return Undefined, nil
	case typeNumber:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", node)
		}
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("unknown number %q", s)
	case typeInt:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", node)
		}
		return strconv.ParseInt(s, 10, 64)
	case typeDate:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", node)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case typeBytes:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", node)
		}
		return base64.StdEncoding.DecodeString(s)
	case typeMap:
		pairs, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", node)
		}
		m := &Map{}
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("malformed map entry %v", p)
			}
			m.Set(pair[0], pair[1])
		}
		return m, nil
	case typeSet:
		items, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", node)
		}
		return NewSet(items...), nil
	}
	return nil, fmt.Errorf("unknown annotation type %q", typ)
}

// appendPath returns a new slice so sibling paths never share backing arrays.
func appendPath(path []string, part string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = part
	return out
}

// joinPath escapes '\' and '.' in each part and prefixes every part with '.'.
// The root is the empty string, so a top-level "" key (".") stays distinct from it.
func joinPath(path []string) string {
	var b strings.Builder
	for _, part := range path {
		part = strings.ReplaceAll(part, `\`, `\\`)
		b.WriteByte('.')
		b.WriteString(strings.ReplaceAll(part, ".", `\.`))
	}
	return b.String()
}

// splitPath reverses joinPath.
func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, ".")
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}
