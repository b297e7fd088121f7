package sqlscope

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Integer is the set of types an enumeration can be declared on.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// enumInfo maps lower-cased member names to ordinals for one enum type.
type enumInfo struct {
	byName map[string]int64
}

var enumRegistry sync.Map // reflect.Type -> *enumInfo

// RegisterEnum declares E as an enumeration with the given members. Member
// names come from String(). Values of a registered type are bound as their
// int64 ordinal, and text columns materialize into E by case-insensitive
// member name.
//
// Registering the same type again replaces its member table.
//
//	type Status int
//
//	const (
//		Inactive Status = iota
//		Active
//	)
//
//	func (s Status) String() string { ... }
//
//	sqlscope.RegisterEnum(Inactive, Active)
func RegisterEnum[E interface {
	Integer
	fmt.Stringer
}](members ...E) {
	info := &enumInfo{byName: make(map[string]int64, len(members))}
	for _, m := range members {
		info.byName[strings.ToLower(m.String())] = ordinalOf(reflect.ValueOf(m))
	}
	var zero E
	enumRegistry.Store(reflect.TypeOf(zero), info)
}

// lookupEnum returns the member table for t when t is a registered enum.
func lookupEnum(t reflect.Type) (*enumInfo, bool) {
	v, ok := enumRegistry.Load(t)
	if !ok {
		return nil, false
	}
	return v.(*enumInfo), true
}

// enumOrdinal returns the ordinal of rv when its type is a registered enum.
func enumOrdinal(rv reflect.Value) (int64, bool) {
	if !rv.IsValid() {
		return 0, false
	}
	if _, ok := lookupEnum(rv.Type()); !ok {
		return 0, false
	}
	return ordinalOf(rv), true
}

// parse resolves a member name case-insensitively.
func (e *enumInfo) parse(name string) (int64, bool) {
	ord, ok := e.byName[strings.ToLower(strings.TrimSpace(name))]
	return ord, ok
}

func ordinalOf(rv reflect.Value) int64 {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int64(rv.Uint())
	default:
		return rv.Int()
	}
}
