package pdyn

import (
	"fmt"
	"reflect"
)

// guardKind tags a guard record.
type guardKind int

const (
	guardGlobalEq guardKind = iota
	guardDerefEq
	guardAttrEq
	guardIsBool
	guardPhiUnmerged
	guardUnhandledOpcode
)

var guardKindNames = [...]string{
	guardGlobalEq:        "global_eq",
	guardDerefEq:         "deref_eq",
	guardAttrEq:          "attr_eq",
	guardIsBool:          "is_bool",
	guardPhiUnmerged:     "phi_unmerged",
	guardUnhandledOpcode: "unhandled_opcode",
}

func (k guardKind) String() string { return guardKindNames[k] }

// guardRecord is one runtime predicate justifying a specialization. The
// phi_unmerged and unhandled_opcode kinds are sentinels: they can never
// pass, so an entry carrying one permanently delegates to the original.
type guardRecord struct {
	kind       guardKind
	name       string // global/deref/local name, or opcode name for unhandled
	value      any    // snapshot for the _eq kinds
	base       *node  // attr_eq base, is_bool condition
	attr       string
	candidates []*node // phi_unmerged merge candidates
	offset     int     // unhandled opcode offset
}

func (g guardRecord) String() string {
	switch g.kind {
	case guardGlobalEq, guardDerefEq:
		return fmt.Sprintf("%s(%s, %s)", g.kind, g.name, shortString(g.value))
	case guardAttrEq:
		return fmt.Sprintf("%s(%s, %s, %s)", g.kind, baseName(g.base), g.attr, shortString(g.value))
	case guardIsBool:
		return fmt.Sprintf("%s(%s)", g.kind, baseName(g.base))
	case guardPhiUnmerged:
		return fmt.Sprintf("%s(%s, %d candidates)", g.kind, g.name, len(g.candidates))
	case guardUnhandledOpcode:
		return fmt.Sprintf("%s(%s, %d)", g.kind, g.name, g.offset)
	}
	return g.kind.String()
}

func baseName(n *node) string {
	if n == nil {
		return "<none>"
	}
	return n.name
}

// sentinel reports whether the record can never pass at runtime.
func (g guardRecord) sentinel() bool {
	return g.kind == guardPhiUnmerged || g.kind == guardUnhandledOpcode
}

// guardCheck is a compiled guard predicate over the live argument bindings.
// Checks are pure; returning false on any uncertainty is allowed, returning
// true falsely is a correctness bug.
type guardCheck func(bindings map[string]any) bool

func alwaysFalse(map[string]any) bool { return false }

// identical is host-side identity for guard comparisons: interface equality
// restricted to values of the same comparable dynamic type. Uncomparable
// values are conservatively treated as not identical.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// compileGuards translates guard records into predicate closures bound to
// the traced function's global namespace. degenerate reports that a
// sentinel is present, so the compiled set can never pass.
func compileGuards(guards []guardRecord, fn *Function, g *graph) (checks []guardCheck, degenerate bool) {
	ns := fn.globals
	placeholderNames := map[string]bool{}
	for _, ph := range g.placeholders() {
		placeholderNames[ph.name] = true
	}

	for _, rec := range guards {
		switch rec.kind {
		case guardGlobalEq:
			name, val := rec.name, rec.value
			checks = append(checks, func(map[string]any) bool {
				v, ok := ns.Lookup(name)
				return ok && identical(v, val)
			})

		case guardDerefEq:
			// Closure cells expose no re-reading surface once the trace is
			// built, so this degrades to pass-if-unobservable: fail only
			// when a same-named global is visible and differs.
			name, val := rec.name, rec.value
			checks = append(checks, func(map[string]any) bool {
				v, ok := ns.Lookup(name)
				if !ok {
					return true
				}
				return identical(v, val)
			})

		case guardAttrEq:
			if rec.base == nil || !placeholderNames[rec.base.name] {
				// unprovable against live bindings
				checks = append(checks, alwaysFalse)
				break
			}
			name, attr, val := rec.base.name, rec.attr, rec.value
			checks = append(checks, func(bindings map[string]any) bool {
				b, ok := bindings[name]
				if !ok {
					return false
				}
				v, err := getAttr(b, attr)
				return err == nil && identical(v, val)
			})

		case guardIsBool:
			if rec.base == nil || !placeholderNames[rec.base.name] {
				checks = append(checks, alwaysFalse)
				break
			}
			name := rec.base.name
			checks = append(checks, func(bindings map[string]any) bool {
				_, isBool := bindings[name].(bool)
				return isBool
			})

		case guardPhiUnmerged, guardUnhandledOpcode:
			checks = append(checks, alwaysFalse)
			degenerate = true

		default:
			checks = append(checks, alwaysFalse)
		}
	}
	return checks, degenerate
}
