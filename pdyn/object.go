package pdyn

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Callable is any host value that can be invoked. The tracer calls a
// callable snapshotted as a constant (a Builtin, a Function or any other
// Callable) directly in the graph; a callee that is not such a constant
// replays through a generic apply.
type Callable interface {
	Name() string
	Call(args []any, kwargs map[string]any) (any, error)
}

// Builtin is a known host function implemented in Go.
type Builtin struct {
	name string
	fn   func(args []any, kwargs map[string]any) (any, error)
}

// NewBuiltin wraps fn as a named host callable.
func NewBuiltin(name string, fn func(args []any, kwargs map[string]any) (any, error)) *Builtin {
	return &Builtin{name: name, fn: fn}
}

func (b *Builtin) Name() string { return b.name }

func (b *Builtin) Call(args []any, kwargs map[string]any) (any, error) {
	return b.fn(args, kwargs)
}

// Cell is a closed-over binding. A cell may be empty (referenced before
// assignment), in which case Get reports false.
type Cell struct {
	mu  sync.Mutex
	v   any
	set bool
}

// NewCell returns a cell holding v.
func NewCell(v any) *Cell { return &Cell{v: v, set: true} }

// EmptyCell returns an unset cell.
func EmptyCell() *Cell { return &Cell{} }

func (c *Cell) Get() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v, c.set
}

func (c *Cell) Set(v any) {
	c.mu.Lock()
	c.v = v
	c.set = true
	c.mu.Unlock()
}

// Namespace is a mutable name binding map, the unit of wrapper installation.
// Reads take the read lock; the single writer discipline for wrapper
// install/restore is enforced by the trace cache, not here.
type Namespace struct {
	mu       sync.RWMutex
	vars     map[string]any
	builtins *Namespace
}

// NewNamespace returns an empty namespace with an optional builtin fallback
// chain consulted by Lookup.
func NewNamespace(builtins *Namespace) *Namespace {
	return &Namespace{vars: map[string]any{}, builtins: builtins}
}

// namespaceOver wraps an existing map without copying it, so writes through
// the namespace mutate the shared map.
func namespaceOver(vars map[string]any) *Namespace {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Namespace{vars: vars}
}

// Get reads a binding in this namespace only.
func (ns *Namespace) Get(name string) (any, bool) {
	ns.mu.RLock()
	v, ok := ns.vars[name]
	ns.mu.RUnlock()
	return v, ok
}

// Lookup reads a binding, falling back to the builtin chain.
func (ns *Namespace) Lookup(name string) (any, bool) {
	if v, ok := ns.Get(name); ok {
		return v, true
	}
	if ns.builtins != nil {
		return ns.builtins.Lookup(name)
	}
	return nil, false
}

// Set writes a binding.
func (ns *Namespace) Set(name string, v any) {
	ns.mu.Lock()
	ns.vars[name] = v
	ns.mu.Unlock()
}

// Del removes a binding.
func (ns *Namespace) Del(name string) {
	ns.mu.Lock()
	delete(ns.vars, name)
	ns.mu.Unlock()
}

// Names returns the bound names in sorted order.
func (ns *Namespace) Names() []string {
	ns.mu.RLock()
	names := make([]string, 0, len(ns.vars))
	for k := range ns.vars {
		names = append(names, k)
	}
	ns.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Module is a named attribute bag, the attribute-lookup base the tracer
// specializes against (e.g. a math module exposing pi).
type Module struct {
	mu    sync.RWMutex
	name  string
	attrs map[string]any
}

// NewModule returns a module with the given attributes.
func NewModule(name string, attrs map[string]any) *Module {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &Module{name: name, attrs: attrs}
}

func (m *Module) Name() string { return m.name }

// Attr reads one attribute.
func (m *Module) Attr(name string) (any, bool) {
	m.mu.RLock()
	v, ok := m.attrs[name]
	m.mu.RUnlock()
	return v, ok
}

// SetAttr writes one attribute.
func (m *Module) SetAttr(name string, v any) {
	m.mu.Lock()
	m.attrs[name] = v
	m.mu.Unlock()
}

// Function is a user-defined host function: bytecode plus the globals it
// closes over and its free-variable cells. Pointer identity is host-side
// identity for guard purposes.
type Function struct {
	code    *Code
	globals *Namespace
	cells   map[string]*Cell
}

// NewFunction binds code to its owning globals and closure cells.
func NewFunction(code *Code, globals *Namespace, cells map[string]*Cell) *Function {
	if cells == nil {
		cells = map[string]*Cell{}
	}
	return &Function{code: code, globals: globals, cells: cells}
}

func (f *Function) Name() string        { return f.code.Name }
func (f *Function) Code() *Code         { return f.code }
func (f *Function) Globals() *Namespace { return f.globals }

// Call binds the arguments, fires the call hook and executes the bytecode
// on the direct VM. This is "the original function" the tracer specializes.
func (f *Function) Call(args []any, kwargs map[string]any) (any, error) {
	locals, err := bindArgs(f.code, args, kwargs)
	if err != nil {
		return nil, err
	}
	fireCallHook(CallEvent{Code: f.code, Globals: f.globals, Locals: locals})
	return evalCode(f, locals)
}

// bindArgs maps actual arguments onto parameter names: positional fill,
// then keyword fill, then declared defaults. Missing or surplus arguments
// are errors, matching the host calling convention.
func bindArgs(code *Code, args []any, kwargs map[string]any) (map[string]any, error) {
	if len(args) > len(code.Params) {
		return nil, errors.Errorf("%s() takes %d arguments but %d were given",
			code.Name, len(code.Params), len(args))
	}
	locals := make(map[string]any, len(code.Params))
	for i, v := range args {
		locals[code.Params[i]] = v
	}
	params := code.paramSet()
	for k, v := range kwargs {
		if !params[k] {
			return nil, errors.Errorf("%s() got an unexpected keyword argument %q", code.Name, k)
		}
		if _, dup := locals[k]; dup {
			return nil, errors.Errorf("%s() got multiple values for argument %q", code.Name, k)
		}
		locals[k] = v
	}
	for _, p := range code.Params {
		if _, ok := locals[p]; ok {
			continue
		}
		if d, ok := code.Defaults[p]; ok {
			locals[p] = d
			continue
		}
		return nil, errors.Errorf("%s() missing required argument %q", code.Name, p)
	}
	return locals, nil
}

// getAttr resolves an attribute on a host value. Modules, maps and
// namespaces resolve directly; other Go values fall back to reflection on
// exported struct fields, the way host symbols usually surface.
func getAttr(base any, name string) (any, error) {
	switch b := base.(type) {
	case *Module:
		if v, ok := b.Attr(name); ok {
			return v, nil
		}
		return nil, errors.Errorf("module %q has no attribute %q", b.name, name)
	case map[string]any:
		if v, ok := b[name]; ok {
			return v, nil
		}
		return nil, errors.Errorf("map has no attribute %q", name)
	case *Namespace:
		if v, ok := b.Lookup(name); ok {
			return v, nil
		}
		return nil, errors.Errorf("namespace has no attribute %q", name)
	case nil:
		return nil, errors.Errorf("nil has no attribute %q", name)
	}
	rv := reflect.ValueOf(base)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	}
	return nil, errors.Errorf("%T has no attribute %q", base, name)
}

// truthy implements host truthiness: empty, zero and nil are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// shortString renders a value for node labels, flattened and truncated.
func shortString(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = "nil"
	case Callable:
		s = x.Name()
	case string:
		s = fmt.Sprintf("%q", x)
	default:
		s = fmt.Sprint(v)
	}
	s = strings.ReplaceAll(s, "\n", "")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
