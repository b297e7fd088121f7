package sqlscope

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Row is a single result row: column names in result order and the values
// the driver produced for them. A nil value is SQL NULL.
type Row struct {
	Columns []string
	Values  []any
}

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	bytesType    = reflect.TypeOf([]byte(nil))
)

// Materialize populates a fresh T from row. T is usually a struct (or a
// pointer to one); fields match columns by case-insensitive name, or by
// their `db` tag. For each matched field:
//   - NULL leaves the field at its zero value;
//   - a registered enum field parses text by member name, silently keeping
//     the zero value when the name is unknown;
//   - struct, map, slice and array fields decode text starting with '{' or
//     '[' as JSON;
//   - everything else is assigned with implicit conversion, and a value that
//     cannot convert fails with ErrTypeMismatch.
//
// Unmatched columns are ignored and unmatched fields keep their zero value.
// Non-struct types (primitives, time.Time, sql.Scanner) take the first column.
func Materialize[T any](row Row) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	if err := materializeInto(rv, row); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// materializeInto fills dst, which must be addressable.
func materializeInto(dst reflect.Value, row Row) error {
	if len(row.Columns) != len(row.Values) {
		return fmt.Errorf("%w: %d columns, %d values", ErrColumnCount, len(row.Columns), len(row.Values))
	}

	t := dst.Type()
	base := canonicalStructType(t)
	if base.Kind() != reflect.Struct || isLeafStruct(base) {
		if len(row.Values) == 0 {
			return fmt.Errorf("%w: %s needs 1 column, got 0", ErrColumnCount, t)
		}
		_, err := decodeValue(dst, row.Values[0])
		if err != nil {
			return fmt.Errorf("column %q: %w", row.Columns[0], err)
		}
		return nil
	}

	// *Struct: allocate the target before filling it
	for dst.Kind() == reflect.Pointer {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		dst = dst.Elem()
	}

	desc := describe(base)
	for i, col := range row.Columns {
		f, ok := desc.lookup(col)
		if !ok {
			continue
		}
		fv := fieldByIndexAlloc(dst, f.index)
		if _, err := decodeValue(fv, row.Values[i]); err != nil {
			return fmt.Errorf("column %q into field %s: %w", col, f.name, err)
		}
	}
	return nil
}

// decodeValue applies one driver value to dst. It reports whether dst was
// changed; NULLs and unknown enum names leave it untouched.
func decodeValue(dst reflect.Value, src any) (bool, error) {
	if src == nil {
		return false, nil
	}

	// *T: decode into a fresh T and only publish it when something was applied.
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		applied, err := decodeValue(elem.Elem(), src)
		if err != nil || !applied {
			return false, err
		}
		dst.Set(elem)
		return true, nil
	}

	if dst.CanAddr() {
		if s, ok := dst.Addr().Interface().(sql.Scanner); ok {
			if err := s.Scan(src); err != nil {
				return false, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
			}
			return true, nil
		}
	}

	if info, ok := lookupEnum(dst.Type()); ok {
		if text, isText := asText(src); isText {
			ord, found := info.parse(text)
			if !found {
				return false, nil
			}
			setOrdinal(dst, ord)
			return true, nil
		}
	}

	if isStructured(dst.Type()) {
		if text, isText := asText(src); isText && looksLikeJSON(text) {
			if err := json.Unmarshal([]byte(text), dst.Addr().Interface()); err != nil {
				return false, fmt.Errorf("%w: decoding JSON into %s: %v", ErrTypeMismatch, dst.Type(), err)
			}
			return true, nil
		}
	}

	return true, assignValue(dst, src)
}

// assignValue assigns a driver value to dst using the implicit conversions
// database/sql drivers rely on.
func assignValue(dst reflect.Value, src any) error {
	sv := reflect.ValueOf(src)
	dt := dst.Type()

	// []byte from the driver may be reused after the next row; always copy.
	if b, ok := src.([]byte); ok {
		switch {
		case dt == bytesType || (dt.Kind() == reflect.Slice && dt.Elem().Kind() == reflect.Uint8):
			dst.Set(reflect.ValueOf(append([]byte(nil), b...)).Convert(dt))
			return nil
		case dt.Kind() == reflect.Interface && bytesType.AssignableTo(dt):
			dst.Set(reflect.ValueOf(append([]byte(nil), b...)))
			return nil
		}
		return assignText(dst, string(b), src)
	}

	if sv.Type().AssignableTo(dt) {
		dst.Set(sv)
		return nil
	}

	if s, ok := src.(string); ok {
		if dt.Kind() == reflect.Slice && dt.Elem().Kind() == reflect.Uint8 {
			dst.Set(reflect.ValueOf([]byte(s)).Convert(dt))
			return nil
		}
		return assignText(dst, s, src)
	}

	switch {
	case isIntKind(sv.Kind()) || isUintKind(sv.Kind()) || isFloatKind(sv.Kind()):
		return assignNumber(dst, sv, src)
	case sv.Kind() == reflect.Bool:
		switch {
		case dt.Kind() == reflect.Bool:
			dst.SetBool(sv.Bool())
			return nil
		case isIntKind(dt.Kind()) || isUintKind(dt.Kind()):
			if sv.Bool() {
				return assignNumber(dst, reflect.ValueOf(int64(1)), src)
			}
			return assignNumber(dst, reflect.ValueOf(int64(0)), src)
		}
	case sv.Type().ConvertibleTo(dt) && sv.Kind() == dt.Kind():
		dst.Set(sv.Convert(dt))
		return nil
	}
	return mismatch(src, dt)
}

// assignText handles text values: strings, numbers and bools written as text.
func assignText(dst reflect.Value, s string, src any) error {
	dt := dst.Type()
	switch dt.Kind() {
	case reflect.String:
		dst.SetString(s)
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return mismatch(src, dt)
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, dt.Bits())
		if err != nil {
			return mismatch(src, dt)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, dt.Bits())
		if err != nil {
			return mismatch(src, dt)
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), dt.Bits())
		if err != nil {
			return mismatch(src, dt)
		}
		dst.SetFloat(f)
		return nil
	case reflect.Interface:
		if reflect.TypeOf(s).AssignableTo(dt) {
			dst.Set(reflect.ValueOf(s))
			return nil
		}
	}
	if dt == timeType {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				dst.Set(reflect.ValueOf(ts))
				return nil
			}
		}
	}
	return mismatch(src, dt)
}

// assignNumber converts between numeric kinds, rejecting overflow and
// fractional values going into integers.
func assignNumber(dst, sv reflect.Value, src any) error {
	dt := dst.Type()
	switch {
	case isIntKind(dt.Kind()):
		var n int64
		switch {
		case isIntKind(sv.Kind()):
			n = sv.Int()
		case isUintKind(sv.Kind()):
			u := sv.Uint()
			if u > math.MaxInt64 {
				return mismatch(src, dt)
			}
			n = int64(u)
		default:
			f := sv.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return mismatch(src, dt)
			}
			n = int64(f)
		}
		if dst.OverflowInt(n) {
			return mismatch(src, dt)
		}
		dst.SetInt(n)
		return nil

	case isUintKind(dt.Kind()):
		var u uint64
		switch {
		case isIntKind(sv.Kind()):
			if sv.Int() < 0 {
				return mismatch(src, dt)
			}
			u = uint64(sv.Int())
		case isUintKind(sv.Kind()):
			u = sv.Uint()
		default:
			f := sv.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return mismatch(src, dt)
			}
			u = uint64(f)
		}
		if dst.OverflowUint(u) {
			return mismatch(src, dt)
		}
		dst.SetUint(u)
		return nil

	case isFloatKind(dt.Kind()):
		var f float64
		switch {
		case isIntKind(sv.Kind()):
			f = float64(sv.Int())
		case isUintKind(sv.Kind()):
			f = float64(sv.Uint())
		default:
			f = sv.Float()
		}
		dst.SetFloat(f)
		return nil

	case dt.Kind() == reflect.Bool && (isIntKind(sv.Kind()) || isUintKind(sv.Kind())):
		// 0/1 booleans (SQLite, MySQL TINYINT)
		dst.SetBool(!sv.IsZero())
		return nil
	}
	return mismatch(src, dt)
}

// mismatch builds the TypeMismatch error for a value that cannot be assigned.
func mismatch(src any, dt reflect.Type) error {
	return fmt.Errorf("%w: cannot assign %T to %s", ErrTypeMismatch, src, dt)
}

// --------------------------------
// Utils
// --------------------------------

// asText returns the textual form of string and []byte values.
func asText(src any) (string, bool) {
	switch v := src.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// looksLikeJSON reports whether text starts a JSON object or array.
func looksLikeJSON(text string) bool {
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}

// isStructured reports whether t holds a structured payload rather than a scalar.
func isStructured(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct:
		return t != timeType
	case reflect.Map, reflect.Array:
		return true
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	}
	return false
}

func setOrdinal(dst reflect.Value, ord int64) {
	if isUintKind(dst.Kind()) {
		dst.SetUint(uint64(ord))
		return
	}
	dst.SetInt(ord)
}

func isIntKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUintKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			// Leaf: return field as-is (if it's a pointer, keep it as pointer)
			return f
		}
		// Intermediate: allocate if pointer and nil; then descend
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// --------------------------------
// Cursor helpers
// --------------------------------

// scanRow reads the current row of rows into a slice of driver values.
func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// decodeRow materializes the current row into a fresh T.
func decodeRow[T any](rows *sql.Rows, cols []string) (T, error) {
	var zero T
	vals, err := scanRow(rows, len(cols))
	if err != nil {
		return zero, err
	}
	return Materialize[T](Row{Columns: cols, Values: vals})
}
