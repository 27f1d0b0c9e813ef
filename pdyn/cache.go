package pdyn

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// traceEntry is the cached specialization of one function. An entry owns
// its graph and guard closures; it is created by a successful trace,
// replaced atomically on invalidation, and destroyed when a retrace fails.
type traceEntry struct {
	id         uuid.UUID
	original   *Function
	g          *graph
	guards     []guardRecord
	checks     []guardCheck
	owner      *Namespace
	wrapper    *wrapper
	degenerate bool // a sentinel guard is present; retracing cannot help
}

// traceCache maps functions to their installed specializations. Mutation
// follows single-writer discipline: pop-then-reinsert happens under mu.
type traceCache struct {
	mu      sync.Mutex
	entries map[*Function]*traceEntry
	missed  *lru.Cache // *Code set: aborted traces the hook must not retry
}

func newTraceCache(missSize int) *traceCache {
	if missSize <= 0 {
		missSize = defaultMissCacheSize
	}
	missed, _ := lru.New(missSize)
	return &traceCache{entries: map[*Function]*traceEntry{}, missed: missed}
}

func (c *traceCache) lookup(fn *Function) *traceEntry {
	c.mu.Lock()
	e := c.entries[fn]
	c.mu.Unlock()
	return e
}

func (c *traceCache) recordMiss(code *Code) { c.missed.Add(code, struct{}{}) }

func (c *traceCache) missedCode(code *Code) bool { return c.missed.Contains(code) }

// wrapper is the installed callable that replaces an original in its
// owning namespace. It holds no trace state of its own: dispatch re-enters
// through the current cache, so a stale wrapper kept by a call site still
// finds the newest entry.
type wrapper struct {
	rt *Runtime
	fn *Function
}

func (w *wrapper) Name() string { return w.fn.Name() }

func (w *wrapper) Call(args []any, kwargs map[string]any) (any, error) {
	return w.dispatch(args, kwargs, 0)
}

func (w *wrapper) dispatch(args []any, kwargs map[string]any, depth int) (any, error) {
	entry := w.rt.cache.lookup(w.fn)
	if entry == nil {
		// invalidated under us; the original is back in its namespace
		return w.fn.Call(args, kwargs)
	}
	bindings, err := bindArgs(w.fn.code, args, kwargs)
	if err != nil {
		// the trace cannot be safely used; the original raises the same
		// binding error
		return w.fn.Call(args, kwargs)
	}
	if entry.degenerate {
		return w.fn.Call(args, kwargs)
	}
	for i, check := range entry.checks {
		if !runCheck(check, bindings) {
			w.rt.log.Debug("guard failed",
				zap.String("fn", w.fn.Name()),
				zap.String("trace_id", entry.id.String()),
				zap.Stringer("guard", entry.guards[i]))
			return w.failover(entry, args, kwargs, depth)
		}
	}
	out, err := runGraph(entry.g, bindings)
	if err != nil {
		if isExecError(err) {
			w.rt.log.Debug("replay failed internally",
				zap.String("fn", w.fn.Name()), zap.Error(err))
			return w.failover(entry, args, kwargs, depth)
		}
		return nil, err // user error, surfaced unchanged
	}
	return out, nil
}

// failover invalidates the entry, retraces and re-enters the new wrapper
// once. A second failure for the same invocation delegates to the
// original instead of retracing again.
func (w *wrapper) failover(entry *traceEntry, args []any, kwargs map[string]any, depth int) (any, error) {
	if depth > 0 {
		return w.fn.Call(args, kwargs)
	}
	next := w.rt.invalidateAndRetrace(w.fn, entry)
	if next == nil {
		return w.fn.Call(args, kwargs)
	}
	return next.wrapper.dispatch(args, kwargs, depth+1)
}

// runCheck evaluates one guard closure; a panicking guard counts as false.
func runCheck(check guardCheck, bindings map[string]any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return check(bindings)
}

// installTrace runs the first-trace pipeline for fn and commits the
// wrapper into owner. The namespace write is the commit point.
func (r *Runtime) installTrace(fn *Function, owner *Namespace) (*traceEntry, error) {
	g, guards, err := traceFunction(fn)
	if err != nil {
		r.cache.recordMiss(fn.code)
		return nil, err
	}
	checks, degenerate := compileGuards(guards, fn, g)
	if degenerate {
		// retracing can never improve a sentinel; the hook must not retry
		r.cache.recordMiss(fn.code)
	}
	entry := &traceEntry{
		id:         uuid.New(),
		original:   fn,
		g:          g,
		guards:     guards,
		checks:     checks,
		owner:      owner,
		degenerate: degenerate,
	}
	entry.wrapper = &wrapper{rt: r, fn: fn}

	r.cache.mu.Lock()
	r.cache.entries[fn] = entry
	r.cache.mu.Unlock()
	owner.Set(fn.Name(), entry.wrapper)

	r.log.Debug("trace installed",
		zap.String("fn", fn.Name()),
		zap.String("trace_id", entry.id.String()),
		zap.Int("nodes", len(g.nodes)),
		zap.Int("guards", len(guards)),
		zap.Bool("degenerate", degenerate))
	r.dumpGraph(fn.Name(), g)
	return entry, nil
}

// invalidateAndRetrace atomically pops the entry for fn, restores the
// original at its name and attempts a fresh trace. Invalidation is
// idempotent: a caller holding a stale entry observes the newer one and
// simply re-dispatches against it.
func (r *Runtime) invalidateAndRetrace(fn *Function, seen *traceEntry) *traceEntry {
	c := r.cache
	c.mu.Lock()
	cur := c.entries[fn]
	if cur != seen {
		c.mu.Unlock()
		return cur
	}
	delete(c.entries, fn)
	c.mu.Unlock()
	cur.owner.Set(fn.Name(), fn)

	r.log.Debug("trace invalidated",
		zap.String("fn", fn.Name()),
		zap.String("trace_id", cur.id.String()))

	entry, err := r.installTrace(fn, cur.owner)
	if err != nil {
		r.log.Debug("retrace failed", zap.String("fn", fn.Name()), zap.Error(err))
		return nil
	}
	return entry
}
