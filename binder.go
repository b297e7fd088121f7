package sqlscope

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Binding is a single named value attached to a compiled query.
type Binding struct {
	Name  string
	Value any
}

// null is the SQL NULL surrogate handed to the driver.
type null struct{}

// Value implements driver.Valuer.
func (null) Value() (driver.Value, error) { return nil, nil }

// Null is the value bindings carry for absent or nil inputs. Drivers see it as SQL NULL.
var Null driver.Valuer = null{}

// typeCache holds one descriptor per struct type, shared by the binder and
// the materializer.
var typeCache, _ = lru.New[reflect.Type, *typeDesc](cacheSize)

// Bind builds a Binding. The sigil is added to name when missing, nil values
// (including typed nil pointers) become Null and registered enum values become
// their int64 ordinal.
func Bind(name string, value any) Binding {
	return Binding{Name: withSigil(name), Value: bindValue(value)}
}

// ExpandBag converts a parameter bag into bindings. Supported forms:
//   - nil (no bindings)
//   - []Binding (passed through unchanged)
//   - map[string]any or any map with string-like keys (keys sorted)
//   - struct or *struct (exported fields in declaration order, honoring `db` tags)
func ExpandBag(bag any) ([]Binding, error) {
	if bag == nil {
		return nil, nil
	}
	if bs, ok := bag.([]Binding); ok {
		return bs, nil
	}
	// FAST-PATH: map[string]any
	if m, ok := bag.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Binding, 0, len(keys))
		for _, k := range keys {
			out = append(out, Bind(k, m[k]))
		}
		return out, nil
	}

	v := deIndirect(reflect.ValueOf(bag))
	if !v.IsValid() || ((v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()) {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupportedBag, v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		out := make([]Binding, 0, len(keys))
		for _, k := range keys {
			out = append(out, Bind(k.String(), v.MapIndex(k).Interface()))
		}
		return out, nil
	case reflect.Struct:
		desc := describe(v.Type())
		out := make([]Binding, 0, len(desc.fields))
		for _, f := range desc.fields {
			val, _ := getValueByPathAny(v, f.index)
			out = append(out, Bind(f.name, val))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedBag, bag)
}

// withSigil prefixes name with Sigil unless already present.
func withSigil(name string) string {
	if strings.HasPrefix(name, Sigil) {
		return name
	}
	return Sigil + name
}

// bindValue normalizes a value before it is attached to a binding.
func bindValue(v any) any {
	if v == nil {
		return Null
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return Null
		}
	}
	if ord, ok := enumOrdinal(rv); ok {
		return ord
	}
	return v
}

// --------------------------------
// Type descriptors
// --------------------------------

// fieldDesc describes one settable leaf field of a struct type.
type fieldDesc struct {
	name  string // column/binding name: `db` tag or field name
	key   string // lower-cased name used for case-insensitive matching
	index []int  // full index path for FieldByIndex-like ops
	typ   reflect.Type
}

// typeDesc is the explicit field table for a struct type.
type typeDesc struct {
	fields []fieldDesc
	byKey  map[string]int // lower-case name -> position in fields (first wins)
}

// lookup returns the field matching column case-insensitively.
func (d *typeDesc) lookup(column string) (fieldDesc, bool) {
	i, ok := d.byKey[strings.ToLower(column)]
	if !ok {
		return fieldDesc{}, false
	}
	return d.fields[i], true
}

// describe returns the cached descriptor for a struct type (or pointer to one).
// Anonymous embedded structs and fields tagged `db:",inline"` are flattened;
// every other field is a leaf, so nested structs stay available for JSON payloads.
func describe(t reflect.Type) *typeDesc {
	t = canonicalStructType(t)
	if d, ok := typeCache.Get(t); ok {
		return d
	}

	d := &typeDesc{byKey: make(map[string]int)}
	visited := map[reflect.Type]bool{}

	var walk func(rt reflect.Type, path []int)
	walk = func(rt reflect.Type, path []int) {
		rt = canonicalStructType(rt)
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" && !f.Anonymous { // unexported
				continue
			}
			if f.PkgPath != "" && f.Type.Kind() == reflect.Pointer {
				// unexported embedded pointers cannot be allocated or set
				continue
			}
			name, inline, omit := parseTag(f.Tag.Get("db"))
			if omit {
				continue
			}
			if inline || (f.Anonymous && name == "") {
				if canonicalStructType(f.Type).Kind() == reflect.Struct && !isLeafStruct(f.Type) {
					walk(f.Type, appendIndex(path, i))
					continue
				}
			}
			if f.PkgPath != "" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			fd := fieldDesc{
				name:  name,
				key:   strings.ToLower(name),
				index: appendIndex(path, i),
				typ:   f.Type,
			}
			if _, exists := d.byKey[fd.key]; !exists {
				d.byKey[fd.key] = len(d.fields)
			}
			d.fields = append(d.fields, fd)
		}
	}

	walk(t, nil)
	typeCache.Add(t, d)
	return d
}

// parseTag supports: "-", "name", ",inline", "name,inline".
func parseTag(tag string) (name string, inline bool, omit bool) {
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		if strings.TrimSpace(p) == "inline" {
			inline = true
		}
	}
	return name, inline, false
}

// isLeafStruct reports whether a struct type is a value on its own
// (time.Time, sql.Scanner implementations) rather than a group of fields.
func isLeafStruct(ft reflect.Type) bool {
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return true
	}
	tt := canonicalStructType(ft)
	return tt == timeType
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// canonicalStructType returns the underlying struct type for a possibly-pointer type.
// If the final type is not a struct, it returns the type as-is.
func canonicalStructType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for i, idx := range path {
		for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}
