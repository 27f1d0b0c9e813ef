package pdyn

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const defaultMissCacheSize = 128

// Binding tags returned by Register.
const (
	BindNative  = "native"  // compiled-in fast path: the package-level hook slot
	BindProfile = "profile" // portable profiler subscription
)

// Options are the runtime options.
type Options struct {
	// Logger receives trace, guard and hook diagnostics. Defaults to a
	// nop logger.
	Logger *zap.Logger

	// Portable forces the profiler binding even when the fast-path slot
	// is free.
	Portable bool

	// MissCacheSize bounds the permanent-miss cache. Defaults to 128.
	MissCacheSize int

	// GraphOut, when set, receives a dump of every installed graph.
	GraphOut io.Writer
}

// Runtime owns all process-wide tracer state: the hook binding, the trace
// cache and the logger. register/unregister thread everything through this
// one handle so teardown can drop every wrapper it installed.
type Runtime struct {
	log   *zap.Logger
	cache *traceCache
	opt   Options

	mu         sync.Mutex
	registered bool
	tag        string
	slot       *hookSlot
	profile    *profileHook
}

// New returns a new runtime.
func New(options Options) *Runtime {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	// graphDump activates graph dumps for every installed trace
	if on, _ := strconv.ParseBool(os.Getenv("PDYN_GRAPH_DUMP")); on && options.GraphOut == nil {
		options.GraphOut = os.Stderr
	}

	// portable forces the profiler binding
	if on, _ := strconv.ParseBool(os.Getenv("PDYN_PORTABLE")); on {
		options.Portable = true
	}

	return &Runtime{
		log:   options.Logger,
		cache: newTraceCache(options.MissCacheSize),
		opt:   options,
	}
}

// Register installs the call hook and returns a tag describing the binding
// used: BindNative when the compiled-in fast-path slot was free, BindProfile
// otherwise. Register is idempotent.
func (r *Runtime) Register() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return r.tag
	}
	if !r.opt.Portable {
		slot := &hookSlot{fn: r.onCall}
		if fastHook.CompareAndSwap(nil, slot) {
			r.slot = slot
			r.tag = BindNative
			r.registered = true
			r.log.Debug("hook registered", zap.String("binding", r.tag))
			return r.tag
		}
	}
	r.profile = &profileHook{fn: r.onCall}
	addProfileHook(r.profile)
	r.tag = BindProfile
	r.registered = true
	r.log.Debug("hook registered", zap.String("binding", r.tag))
	return r.tag
}

// Unregister uninstalls the hook, restores every wrapped original in its
// namespace and drops all cached traces. Idempotent.
func (r *Runtime) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return
	}
	if r.slot != nil {
		fastHook.CompareAndSwap(r.slot, nil)
		r.slot = nil
	}
	if r.profile != nil {
		removeProfileHook(r.profile)
		r.profile = nil
	}
	r.registered = false
	r.tag = ""

	r.cache.mu.Lock()
	entries := r.cache.entries
	r.cache.entries = map[*Function]*traceEntry{}
	r.cache.mu.Unlock()
	for fn, e := range entries {
		e.owner.Set(fn.Name(), fn)
	}
	r.log.Debug("hook unregistered", zap.Int("dropped", len(entries)))
}

// Trace runs the first-trace pipeline for fn and installs its wrapper in
// owner, without waiting for a hook event. Examples drive this directly.
func (r *Runtime) Trace(fn *Function, owner *Namespace) error {
	if e := r.cache.lookup(fn); e != nil {
		return nil
	}
	_, err := r.installTrace(fn, owner)
	return err
}

// GraphDump renders the cached graph for fn, for debugging and examples.
func (r *Runtime) GraphDump(fn *Function) (string, bool) {
	e := r.cache.lookup(fn)
	if e == nil {
		return "", false
	}
	return e.g.String(), true
}

// Guards renders the cached guard records for fn.
func (r *Runtime) Guards(fn *Function) []string {
	e := r.cache.lookup(fn)
	if e == nil {
		return nil
	}
	out := make([]string, len(e.guards))
	for i, g := range e.guards {
		out[i] = g.String()
	}
	return out
}

func (r *Runtime) dumpGraph(name string, g *graph) {
	if r.opt.GraphOut == nil {
		return
	}
	fmt.Fprintf(r.opt.GraphOut, "=== %s ===\n%s\n", name, g)
}
