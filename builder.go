package sqlscope

import (
	"fmt"
	"strings"
)

// Builder assembles one statement from raw fragments, positional fragments
// and parameter bags. It is not safe for concurrent use and is single-use:
// Build returns it to the DB's pool.
//
// A Builder is a Statement, so it can be passed straight to Exec, Select, etc.
type Builder struct {
	d         *DB
	parts     []string
	fragments []Binding // produced by Writef
	nextArg   int       // position the next Writef argument is named after
	inputs    []any
	bag       P
	released  bool
	err       error
}

// Write takes a Builder from the pool and starts it with sql.
func (d *DB) Write(sql string) *Builder {
	b := d.pool.Get().(*Builder)
	b.d, b.released = d, false
	return b.Write(sql)
}

// Write appends a raw SQL fragment using @name placeholders. No spacing is
// added between fragments.
func (b *Builder) Write(sql string) *Builder {
	if b.accepting() && sql != "" {
		b.parts = append(b.parts, sql)
	}
	return b
}

// Writef appends a fragment with positional {n} placeholders, compiled like
// Compile. Argument names keep counting across Writef calls, so the {0} of a
// second fragment does not collide with the first one:
//
//	db.Write("SELECT * FROM t WHERE a = @a").
//		Writef(" AND id IN ({0}) AND name = {1}", ids, name). // 1,2,3 and @p1
//		Writef(" OR tag IN ({0})", tags)                      // @p2_0,@p2_1
func (b *Builder) Writef(template string, args ...any) *Builder {
	if !b.accepting() {
		return b
	}
	c, err := compileFrom(template, b.nextArg, args)
	if err != nil {
		b.err = err
		return b
	}
	b.nextArg += len(args)
	b.parts = append(b.parts, c.Text)
	b.fragments = append(b.fragments, c.Bindings...)
	return b
}

// Bind enqueues a parameter bag. Supported forms:
//   - nil (ignored)
//   - anything ExpandBag accepts (struct, map with string keys, []Binding)
//   - k/v pairs (even number of args, first is string key)
//
// Bags resolve "last one wins" after Writef bindings, and k/v pairs always
// come last.
func (b *Builder) Bind(args ...any) *Builder {
	if !b.accepting() {
		return b
	}
	if len(args) == 1 {
		if args[0] != nil {
			b.inputs = append(b.inputs, args[0])
		}
		return b
	}
	if len(args)%2 != 0 {
		b.err = fmt.Errorf("sqlscope: Bind expects even number of args (key,value,...), got %d", len(args))
		return b
	}
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok || k == "" {
			b.err = fmt.Errorf("sqlscope: Bind key at position %d must be a non-empty string (got %T)", i, args[i])
			return b
		}
		if b.bag == nil {
			b.bag = make(P, len(args)/2)
		}
		b.bag[k] = args[i+1]
	}
	return b
}

// Build compiles the statement and releases the builder.
func (b *Builder) Build() (Compiled, error) {
	if b.released {
		return Compiled{}, ErrBuilderReleased
	}
	defer b.Release()
	return b.compile()
}

// Compile implements Statement. It is Build under another name.
func (b *Builder) Compile() (Compiled, error) {
	return b.Build()
}

// Preview compiles the statement and keeps the builder usable.
func (b *Builder) Preview() (Compiled, error) {
	if b.released {
		return Compiled{}, ErrBuilderReleased
	}
	return b.compile()
}

// Release returns the builder to the pool. Further calls are no-ops.
func (b *Builder) Release() {
	if b.released {
		return
	}
	clear(b.parts)
	clear(b.fragments)
	clear(b.inputs)
	b.parts, b.fragments, b.inputs = b.parts[:0], b.fragments[:0], b.inputs[:0]
	b.bag, b.err, b.nextArg = nil, nil, 0
	b.released = true
	b.d.pool.Put(b)
}

// accepting reports whether fragments and bags may still be added.
func (b *Builder) accepting() bool {
	return !b.released && b.err == nil
}

// compile joins the fragments and expands the bags after the Writef bindings.
func (b *Builder) compile() (Compiled, error) {
	if b.err != nil {
		return Compiled{}, b.err
	}
	bindings := append([]Binding(nil), b.fragments...)
	for _, input := range b.inputs {
		bs, err := ExpandBag(input)
		if err != nil {
			return Compiled{}, err
		}
		bindings = append(bindings, bs...)
	}
	if len(b.bag) > 0 {
		bs, err := ExpandBag(b.bag)
		if err != nil {
			return Compiled{}, err
		}
		bindings = append(bindings, bs...)
	}
	return Compiled{Text: strings.Join(b.parts, ""), Bindings: bindings}, nil
}
