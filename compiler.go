package sqlscope

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Compiled is a query ready for execution: text with @name placeholders plus
// the ordered bindings they refer to.
type Compiled struct {
	Text     string
	Bindings []Binding
}

// Compile implements Statement.
func (c Compiled) Compile() (Compiled, error) {
	return c, nil
}

// argShape is the closed set of ways a positional argument can be rendered.
type argShape uint8

const (
	shapeScalar     argShape = iota // one binding @p{i}
	shapeInlineList                 // comma-joined literals, no bindings
	shapeBoundList                  // one binding @p{i}_{j} per element
)

var valuerIface = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// Compile turns a template with positional placeholders {0}, {1}, ... into a
// Compiled query. Each argument is classified once:
//   - slices/arrays of integer, float, bool or registered enum elements are
//     rendered inline ("1,2,3"; bools as 1/0; enums as ordinals) and create
//     no bindings;
//   - other slices/arrays create one binding per element, @p{i}_{j}, and the
//     placeholder becomes the comma-joined binding names;
//   - everything else creates a single binding @p{i}.
//
// Float collections holding NaN or an infinity are bound, not inlined.
// Registered enums are bound by ordinal. []byte is a scalar. An empty
// collection renders as an empty string. Arguments never referenced by the
// template produce no bindings; a placeholder without an argument fails with
// ErrCompilation.
func Compile(template string, args ...any) (Compiled, error) {
	return compileFrom(template, 0, args)
}

// compileFrom compiles template naming argument i after position base+i.
func compileFrom(template string, base int, args []any) (Compiled, error) {
	rendered := make([]string, len(args))
	perArg := make([][]Binding, len(args))
	for i, a := range args {
		rendered[i], perArg[i] = compileArg(base+i, a)
	}

	used := make([]bool, len(args))
	var buf strings.Builder
	buf.Grow(len(template) + 8*len(args))

	for i := 0; i < len(template); {
		c := template[i]
		if c == '{' {
			if idx, end, ok := readIndex(template, i); ok {
				if idx >= len(args) {
					return Compiled{}, fmt.Errorf("%w: placeholder {%d} has no argument (got %d)", ErrCompilation, idx, len(args))
				}
				buf.WriteString(rendered[idx])
				used[idx] = true
				i = end
				continue
			}
		}
		buf.WriteByte(c)
		i++
	}

	var bindings []Binding
	for i, bs := range perArg {
		if used[i] {
			bindings = append(bindings, bs...)
		}
	}
	return Compiled{Text: buf.String(), Bindings: bindings}, nil
}

// compileArg renders argument i and returns the bindings it creates.
func compileArg(i int, arg any) (string, []Binding) {
	shape, rv := classify(arg)
	switch shape {
	case shapeInlineList:
		var b strings.Builder
		for j := 0; j < rv.Len(); j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			writeLiteral(&b, rv.Index(j))
		}
		return b.String(), nil

	case shapeBoundList:
		n := rv.Len()
		names := make([]string, 0, n)
		bindings := make([]Binding, 0, n)
		for j := 0; j < n; j++ {
			bd := Bind("p"+strconv.Itoa(i)+"_"+strconv.Itoa(j), rv.Index(j).Interface())
			bindings = append(bindings, bd)
			names = append(names, bd.Name)
		}
		return strings.Join(names, ","), bindings

	default:
		bd := Bind("p"+strconv.Itoa(i), arg)
		return bd.Name, []Binding{bd}
	}
}

// classify decides the shape of a positional argument.
func classify(arg any) (argShape, reflect.Value) {
	rv := reflect.ValueOf(arg)
	if !rv.IsValid() {
		return shapeScalar, rv
	}
	if _, ok := arg.(driver.Valuer); ok {
		return shapeScalar, rv
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return shapeScalar, rv
	}
	elemT := rv.Type().Elem()
	if _, ok := lookupEnum(elemT); ok {
		return shapeInlineList, rv
	}
	if elemT.Kind() == reflect.Uint8 {
		// []byte and byte-like arrays are binary scalars
		return shapeScalar, rv
	}
	if !isInlineKind(elemT.Kind()) || elemT.Implements(valuerIface) {
		return shapeBoundList, rv
	}
	if isFloatKind(elemT.Kind()) && !allFinite(rv) {
		return shapeBoundList, rv
	}
	return shapeInlineList, rv
}

// isInlineKind reports whether values of kind k are safe to embed as literals.
func isInlineKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// allFinite reports whether no element of the float collection rv is NaN or
// an infinity, neither of which has a SQL literal.
func allFinite(rv reflect.Value) bool {
	for j := 0; j < rv.Len(); j++ {
		f := rv.Index(j).Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// writeLiteral writes a locale-independent literal for a primitive value.
func writeLiteral(b *strings.Builder, v reflect.Value) {
	var tmp [32]byte
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.Write(strconv.AppendInt(tmp[:0], v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.Write(strconv.AppendUint(tmp[:0], v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.Write(strconv.AppendFloat(tmp[:0], v.Float(), 'f', -1, v.Type().Bits()))
	}
}

// readIndex parses "{digits}" at q[i]. It returns the index, the position
// after '}', and whether a placeholder was found.
func readIndex(q string, i int) (int, int, bool) {
	j := i + 1
	for j < len(q) && q[j] >= '0' && q[j] <= '9' {
		j++
	}
	if j == i+1 || j >= len(q) || q[j] != '}' {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(q[i+1 : j])
	if err != nil {
		return 0, 0, false
	}
	return idx, j + 1, true
}

// --------------------------------
// Statements
// --------------------------------

// Statement is anything the execution functions can turn into a Compiled query.
type Statement interface {
	Compile() (Compiled, error)
}

type templateStmt struct {
	template string
	args     []any
}

func (t templateStmt) Compile() (Compiled, error) {
	return Compile(t.template, t.args...)
}

type textStmt struct {
	text string
	bag  any
}

func (t textStmt) Compile() (Compiled, error) {
	bindings, err := ExpandBag(t.bag)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{Text: t.text, Bindings: bindings}, nil
}

// Format returns a Statement compiled from a positional template, see Compile.
//
//	sqlscope.Select[User](ctx, conn, sqlscope.Format(
//		"SELECT * FROM users WHERE id IN ({0}) AND name = {1}", ids, name))
func Format(template string, args ...any) Statement {
	return templateStmt{template: template, args: args}
}

// Text returns a Statement made of raw SQL using @name placeholders and a
// parameter bag, see ExpandBag.
//
//	sqlscope.Exec(ctx, conn, sqlscope.Text(
//		"UPDATE users SET name = @name WHERE id = @id", sqlscope.P{"id": 7, "name": "x"}))
func Text(sql string, bag any) Statement {
	return textStmt{text: sql, bag: bag}
}
