package pdyn

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// CallEvent describes a host function call about to happen. The VM fires
// one per function entry, before executing the body.
type CallEvent struct {
	Code    *Code
	Globals *Namespace
	Locals  map[string]any
}

// hookSlot is the compiled-in fast path: a single package-level slot the VM
// reads with one atomic load. profileHook is the portable path: a list of
// subscribers behind a mutex, slower but shareable.
type hookSlot struct {
	fn func(CallEvent)
}

type profileHook struct {
	fn func(CallEvent)
}

var (
	fastHook  atomic.Pointer[hookSlot]
	profileMu sync.RWMutex
	profilers []*profileHook
)

func addProfileHook(h *profileHook) {
	profileMu.Lock()
	profilers = append(profilers, h)
	profileMu.Unlock()
}

func removeProfileHook(h *profileHook) {
	profileMu.Lock()
	for i, p := range profilers {
		if p == h {
			profilers = append(profilers[:i], profilers[i+1:]...)
			break
		}
	}
	profileMu.Unlock()
}

// fireCallHook delivers a call event to whatever hooks are installed.
func fireCallHook(ev CallEvent) {
	if h := fastHook.Load(); h != nil {
		h.fn(ev)
	}
	profileMu.RLock()
	hs := profilers
	profileMu.RUnlock()
	for _, h := range hs {
		h.fn(ev)
	}
}

// onCall is the hook adapter: recover the callable behind the event, skip
// anything already handled, and run the first-trace pipeline. The adapter
// must never crash the host program, so every panic is swallowed with a
// diagnostic.
func (r *Runtime) onCall(ev CallEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("call hook panicked", zap.String("code", ev.Code.Name), zap.Any("panic", p))
		}
	}()
	fn, owner := resolveCallable(ev)
	if fn == nil || owner == nil {
		return
	}
	if r.cache.lookup(fn) != nil {
		return
	}
	if r.cache.missedCode(fn.code) {
		return
	}
	if _, err := r.installTrace(fn, owner); err != nil {
		r.log.Debug("first trace failed", zap.String("fn", fn.Name()), zap.Error(err))
	}
}

// resolveCallable recovers the function object being entered: first a
// globals probe under the code's declared name, then a locals probe, then
// a linear scan of globals, always requiring code object identity. Locals
// hits install into a view over the locals map, mirroring how frame locals
// behave in the host.
func resolveCallable(ev CallEvent) (*Function, *Namespace) {
	code := ev.Code
	if code == nil {
		return nil, nil
	}
	if ev.Globals != nil {
		if v, ok := ev.Globals.Get(code.Name); ok {
			if f, ok := v.(*Function); ok && f.code == code {
				return f, ev.Globals
			}
		}
	}
	if ev.Locals != nil {
		if f, ok := ev.Locals[code.Name].(*Function); ok && f.code == code {
			return f, namespaceOver(ev.Locals)
		}
	}
	if ev.Globals != nil {
		for _, name := range ev.Globals.Names() {
			v, _ := ev.Globals.Get(name)
			if f, ok := v.(*Function); ok && f.code == code {
				return f, ev.Globals
			}
		}
	}
	return nil, nil
}
