package pdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileOne(t *testing.T, rec guardRecord, fn *Function, g *graph) guardCheck {
	t.Helper()
	checks, _ := compileGuards([]guardRecord{rec}, fn, g)
	require.Len(t, checks, 1)
	return checks[0]
}

func TestGuardGlobalEq(t *testing.T) {
	g := testGlobals()
	g.Set("helper", builtinAdd)
	fn := callsHelper(g)
	gr, guards, err := traceFunction(fn)
	require.NoError(t, err)
	require.Len(t, guards, 1)

	check := compileOne(t, guards[0], fn, gr)
	assert.True(t, check(nil))

	g.Set("helper", builtinSub)
	assert.False(t, check(nil))

	g.Del("helper")
	assert.False(t, check(nil), "a deleted global cannot satisfy the snapshot")
}

func TestGuardDerefEqPassIfUnobservable(t *testing.T) {
	g := testGlobals()
	fn := closureAdd(g, NewCell(10))
	gr, guards, err := traceFunction(fn)
	require.NoError(t, err)
	require.Len(t, guards, 1)
	require.Equal(t, guardDerefEq, guards[0].kind)

	check := compileOne(t, guards[0], fn, gr)
	assert.True(t, check(nil), "no observable rebinding surface")

	// a same-named global shadows the snapshot and is observable
	g.Set("k", 11)
	assert.False(t, check(nil))
	g.Set("k", 10)
	assert.True(t, check(nil))
}

func TestGuardAttrEqOnPlaceholder(t *testing.T) {
	g := newGraph()
	obj := g.createNode(nodePlaceholder, "obj", nil, nil, "obj")
	fn := NewFunction(NewCode("f", "obj"), testGlobals(), nil)

	rec := guardRecord{kind: guardAttrEq, base: obj, attr: "w", value: 7}
	check := compileOne(t, rec, fn, g)

	assert.True(t, check(map[string]any{"obj": NewModule("m", map[string]any{"w": 7})}))
	assert.False(t, check(map[string]any{"obj": NewModule("m", map[string]any{"w": 8})}))
	assert.False(t, check(map[string]any{"obj": NewModule("m", nil)}))
	assert.False(t, check(map[string]any{}))
}

func TestGuardAttrEqUnprovable(t *testing.T) {
	g := newGraph()
	base := g.createNode(nodeConst, NewModule("math", map[string]any{"pi": 3.14}), nil, nil, "math")
	fn := NewFunction(NewCode("f"), testGlobals(), nil)

	rec := guardRecord{kind: guardAttrEq, base: base, attr: "pi", value: 3.14}
	check := compileOne(t, rec, fn, g)
	assert.False(t, check(nil), "non-placeholder bases are unprovable")
}

func TestGuardIsBool(t *testing.T) {
	g := newGraph()
	flag := g.createNode(nodePlaceholder, "flag", nil, nil, "flag")
	fn := NewFunction(NewCode("f", "flag"), testGlobals(), nil)

	check := compileOne(t, guardRecord{kind: guardIsBool, base: flag}, fn, g)
	assert.True(t, check(map[string]any{"flag": true}))
	assert.True(t, check(map[string]any{"flag": false}))
	assert.False(t, check(map[string]any{"flag": 1}))
	assert.False(t, check(map[string]any{}))

	// a condition that is not traceable to a placeholder never passes
	cond := g.createNode(nodeCallFunction, builtinGt, nil, nil, "gt")
	check = compileOne(t, guardRecord{kind: guardIsBool, base: cond}, fn, g)
	assert.False(t, check(map[string]any{"flag": true}))

	check = compileOne(t, guardRecord{kind: guardIsBool, base: nil}, fn, g)
	assert.False(t, check(nil))
}

func TestGuardSentinelsAlwaysFailAndMarkDegenerate(t *testing.T) {
	fn := NewFunction(NewCode("f"), testGlobals(), nil)
	g := newGraph()

	checks, degenerate := compileGuards([]guardRecord{
		{kind: guardPhiUnmerged, name: "z"},
		{kind: guardUnhandledOpcode, name: "GET_ITER", offset: 4},
	}, fn, g)
	assert.True(t, degenerate)
	for _, check := range checks {
		assert.False(t, check(map[string]any{"anything": 1}))
	}

	_, degenerate = compileGuards([]guardRecord{
		{kind: guardGlobalEq, name: "x", value: 1},
	}, fn, g)
	assert.False(t, degenerate)
}

func TestGuardStrings(t *testing.T) {
	recs := []guardRecord{
		{kind: guardGlobalEq, name: "add", value: builtinAdd},
		{kind: guardDerefEq, name: "k", value: 10},
		{kind: guardIsBool},
		{kind: guardPhiUnmerged, name: "z"},
		{kind: guardUnhandledOpcode, name: "GET_ITER", offset: 2},
	}
	for _, r := range recs {
		assert.NotEmpty(t, r.String())
	}
	assert.Contains(t, recs[0].String(), "global_eq")
	assert.Contains(t, recs[4].String(), "GET_ITER")
}
