package pdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	r := New(Options{})
	defer r.Unregister()

	tag := r.Register()
	assert.Equal(t, BindNative, tag)
	assert.Equal(t, tag, r.Register(), "second register is a no-op")

	r.Unregister()
	r.Unregister() // idempotent too
	assert.Nil(t, fastHook.Load(), "fast-path slot released")
}

func TestRegisterFallsBackToProfile(t *testing.T) {
	r1 := New(Options{})
	defer r1.Unregister()
	r2 := New(Options{})
	defer r2.Unregister()

	assert.Equal(t, BindNative, r1.Register())
	assert.Equal(t, BindProfile, r2.Register(), "slot taken, portable binding used")

	r3 := New(Options{Portable: true})
	defer r3.Unregister()
	assert.Equal(t, BindProfile, r3.Register())
}

func TestHookTracesOnFirstCall(t *testing.T) {
	r := New(Options{})
	defer r.Unregister()
	require.Equal(t, BindNative, r.Register())

	g := testGlobals()
	fn := simpleForward(g)
	g.Set(fn.Name(), fn)

	// first call executes the original body and installs the wrapper
	out, err := fn.Call([]any{3.0, 2.0, 0.5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7.5, out)

	v, _ := g.Get(fn.Name())
	_, isWrapper := v.(*wrapper)
	require.True(t, isWrapper, "hook installed the wrapper")

	// second call goes through the wrapper
	out, err = callThrough(t, g, fn.Name(), 4.0, 2.5, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 12.0, out)
}

func TestHookIgnoresCachedAndUnresolvable(t *testing.T) {
	r := New(Options{})
	defer r.Unregister()
	r.Register()

	g := testGlobals()
	fn := simpleForward(g)
	// not bound anywhere: the adapter must stay a no-op
	_, err := fn.Call([]any{1.0, 1.0, 1.0}, nil)
	require.NoError(t, err)
	assert.Nil(t, r.cache.lookup(fn))

	g.Set(fn.Name(), fn)
	_, err = fn.Call([]any{1.0, 1.0, 1.0}, nil)
	require.NoError(t, err)
	require.NotNil(t, r.cache.lookup(fn))

	// a second event for a cached function is a no-op
	entry := r.cache.lookup(fn)
	r.onCall(CallEvent{Code: fn.Code(), Globals: g})
	assert.Same(t, entry, r.cache.lookup(fn))
}

func TestHookPermanentMissNotRetried(t *testing.T) {
	r := New(Options{})
	defer r.Unregister()
	r.Register()

	g := testGlobals()
	fn := iterates(g)
	g.Set(fn.Name(), fn)

	out, err := fn.Call([]any{[]any{9}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	require.True(t, r.cache.missedCode(fn.Code()))

	// drop the degenerate entry; the miss record keeps the hook away
	entry := r.cache.lookup(fn)
	require.NotNil(t, entry)
	r.cache.mu.Lock()
	delete(r.cache.entries, fn)
	r.cache.mu.Unlock()
	g.Set(fn.Name(), fn)

	_, err = fn.Call([]any{[]any{9}}, nil)
	require.NoError(t, err)
	assert.Nil(t, r.cache.lookup(fn), "permanent miss is not retraced")
}

func TestResolveCallable(t *testing.T) {
	g := testGlobals()
	fn := simpleForward(g)

	// nothing bound
	f, owner := resolveCallable(CallEvent{Code: fn.Code(), Globals: g})
	assert.Nil(t, f)
	assert.Nil(t, owner)

	// globals probe by declared name
	g.Set(fn.Name(), fn)
	f, owner = resolveCallable(CallEvent{Code: fn.Code(), Globals: g})
	assert.Same(t, fn, f)
	assert.Same(t, g, owner)

	// name collision with a different code object is rejected by identity
	other := simpleForward(g)
	g.Set(fn.Name(), other)
	f, _ = resolveCallable(CallEvent{Code: fn.Code(), Globals: g})
	assert.Nil(t, f, "shadowed by a non-identical function and not aliased")

	// linear scan finds an alias bound under another name
	g.Set(fn.Name(), fn)
	g2 := testGlobals()
	g2.Set("alias", fn)
	f, owner = resolveCallable(CallEvent{Code: fn.Code(), Globals: g2})
	assert.Same(t, fn, f)
	assert.Same(t, g2, owner)

	// locals probe
	locals := map[string]any{fn.Code().Name: fn}
	f, owner = resolveCallable(CallEvent{Code: fn.Code(), Locals: locals})
	assert.Same(t, fn, f)
	require.NotNil(t, owner)
	v, ok := owner.Get(fn.Code().Name)
	require.True(t, ok)
	assert.Same(t, fn, v, "locals owner is a view over the locals map")

	// non-function values never resolve
	g3 := testGlobals()
	g3.Set(fn.Code().Name, 42)
	f, _ = resolveCallable(CallEvent{Code: fn.Code(), Globals: g3})
	assert.Nil(t, f)
}

func TestHookSwallowsPanics(t *testing.T) {
	r := New(Options{})
	defer r.Unregister()
	r.Register()

	assert.NotPanics(t, func() {
		r.onCall(CallEvent{}) // nil code
	})

	// malformed bytecode panics inside the tracer; the adapter must keep
	// that away from the host program
	g := testGlobals()
	c := NewCode("mangled")
	c.Emit(OpLoadFast, 123) // payload should be a name
	c.Emit(OpReturnValue, nil)
	fn := NewFunction(c, g, nil)
	g.Set(fn.Name(), fn)
	assert.NotPanics(t, func() {
		r.onCall(CallEvent{Code: fn.Code(), Globals: g})
	})
	assert.Nil(t, r.cache.lookup(fn))
}

func TestUnregisterRestoresWrapped(t *testing.T) {
	r := New(Options{})
	r.Register()

	g := testGlobals()
	fn := simpleForward(g)
	g.Set(fn.Name(), fn)
	_, err := fn.Call([]any{1.0, 1.0, 0.0}, nil)
	require.NoError(t, err)
	v, _ := g.Get(fn.Name())
	_, isWrapper := v.(*wrapper)
	require.True(t, isWrapper)

	r.Unregister()
	v, _ = g.Get(fn.Name())
	assert.Same(t, fn, v, "original restored on teardown")
	assert.Nil(t, r.cache.lookup(fn))
}

func TestSemanticTransparency(t *testing.T) {
	// trace-then-execute equals direct call on the same globals and args
	type tc struct {
		mk   func(*Namespace) *Function
		args [][]any
	}
	cases := []tc{
		{simpleForward, [][]any{{3.0, 2.0, 0.5}, {0.0, 0.0, 0.0}, {-1.0, 4.0, 2.0}}},
		{controlFlowForward, [][]any{{3.0, 9.0}, {1.0, 2.0}, {10.0, 0.0}}},
		{constBody, [][]any{{}}},
	}
	for _, c := range cases {
		g := testGlobals()
		fn := c.mk(g)
		g.Set(fn.Name(), fn)

		r := New(Options{})
		require.NoError(t, r.Trace(fn, g))

		for _, args := range c.args {
			want, werr := fn.Call(args, nil)
			got, gerr := callThrough(t, g, fn.Name(), args...)
			assert.Equal(t, want, got, "%s(%v)", fn.Name(), args)
			assert.Equal(t, werr == nil, gerr == nil)
		}
	}
}
