package heap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/loxvm/internal/value"
)

// collect runs one cycle with the given root values.
func collect(gc *GarbageCollector, roots ...value.Value) {
	gc.Collect(func(mark func(value.Value)) {
		for _, r := range roots {
			mark(r)
		}
	})
}

func TestCollectFreesUnreachableObjects(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	reachable := h.Closures.Alloc(Closure{FunctionIndex: 1})
	unreachable := h.Closures.Alloc(Closure{FunctionIndex: 2})

	collect(gc, value.Object(value.KindClosure, reachable))

	assert.Equal(t, 1, h.Closures.Get(reachable).FunctionIndex, "reachable row unchanged")

	// The freed index is handed back by the very next allocation.
	recycled := h.Closures.Alloc(Closure{FunctionIndex: 3})
	assert.Equal(t, unreachable, recycled)
}

func TestCollectTracesInstanceGraph(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	className := intern(h.Strings, "Widget")
	methodName := intern(h.Strings, "frob")
	fieldName := intern(h.Strings, "label")
	fieldValue := intern(h.Strings, "shiny")

	method := h.Closures.Alloc(Closure{FunctionIndex: 7})
	class := h.Classes.Alloc(className)
	h.Classes.Get(class).Methods.Set(methodName, method)

	inst := h.Instances.Alloc(class)
	h.Instances.Get(inst).Fields.Set(fieldName, value.String(fieldValue))

	bound := h.BoundMethods.Alloc(BoundMethod{
		Receiver: value.Object(value.KindInstance, inst),
		Method:   method,
	})

	// Only the bound method is a root; everything else must survive through
	// tracing: receiver -> instance -> class -> method closure, plus every
	// string handle along the way.
	collect(gc, value.Object(value.KindBoundMethod, bound))

	gotClass := h.Classes.Get(class)
	assert.Equal(t, className, gotClass.NameHandle)
	m, ok := gotClass.Methods.Get(methodName)
	require.True(t, ok)
	assert.Equal(t, method, m)

	gotInst := h.Instances.Get(inst)
	assert.Equal(t, class, gotInst.ClassHandle)
	fv, ok := gotInst.Fields.Get(fieldName)
	require.True(t, ok)
	assert.Equal(t, value.String(fieldValue), fv)

	for _, handle := range []uint32{className, methodName, fieldName, fieldValue} {
		_, ok := h.Strings.Lookup(handle)
		assert.True(t, ok, "string handle %#x must survive", handle)
	}

	assert.Equal(t, 7, h.Closures.Get(method).FunctionIndex)
}

func TestCollectEvictsUnreachableStrings(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	kept := intern(h.Strings, "kept")
	garbage := intern(h.Strings, "garbage")

	collect(gc, value.String(kept))

	got, ok := h.Strings.Lookup(kept)
	require.True(t, ok)
	assert.Equal(t, "kept", string(got))
	_, ok = h.Strings.Lookup(garbage)
	assert.False(t, ok)
}

func TestCollectClosedUpvalueKeepsItsValue(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	captured := intern(h.Strings, "captured")
	stack := []value.Value{value.String(captured)}
	uv := h.Upvalues.Open(0)
	h.Upvalues.CloseAbove(0, stack)

	closure := h.Closures.Alloc(Closure{FunctionIndex: 0, Upvalues: []uint32{uv}})

	// The string is reachable only through the closed upvalue.
	collect(gc, value.Object(value.KindClosure, closure))

	require.False(t, h.Upvalues.IsOpen(uv))
	assert.Equal(t, value.String(captured), h.Upvalues.Get(uv))
	got, ok := h.Strings.Lookup(captured)
	require.True(t, ok)
	assert.Equal(t, "captured", string(got))
}

func TestCollectHandlesCycles(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	// instance.self = instance: a cycle that reference counting could never
	// reclaim and that the tracer must terminate on.
	className := intern(h.Strings, "Selfish")
	selfName := intern(h.Strings, "self")
	class := h.Classes.Alloc(className)
	inst := h.Instances.Alloc(class)
	h.Instances.Get(inst).Fields.Set(selfName, value.Object(value.KindInstance, inst))

	collect(gc, value.Object(value.KindInstance, inst))
	v, ok := h.Instances.Get(inst).Fields.Get(selfName)
	require.True(t, ok)
	assert.Equal(t, value.Object(value.KindInstance, inst), v)

	// Drop the root: the whole cycle must be reclaimed in one pass.
	collect(gc)
	recycledInst := h.Instances.Alloc(class)
	recycledClass := h.Classes.Alloc(className)
	assert.Equal(t, inst, recycledInst)
	assert.Equal(t, class, recycledClass)
}

func TestHandlesStayStableAcrossManyCollections(t *testing.T) {
	h := New()
	gc := NewGarbageCollector(h)

	keep := make(map[uint32]string)
	var roots []value.Value
	for i := 0; i < 50; i++ {
		s := fmt.Sprintf("live-%d", i)
		handle := intern(h.Strings, s)
		keep[handle] = s
		roots = append(roots, value.String(handle))
	}

	for round := 0; round < 5; round++ {
		for i := 0; i < 500; i++ {
			intern(h.Strings, fmt.Sprintf("trash-%d-%d", round, i))
		}
		collect(gc, roots...)
		for handle, want := range keep {
			got, ok := h.Strings.Lookup(handle)
			require.True(t, ok, "round %d: handle %#x lost", round, handle)
			require.Equal(t, want, string(got))
		}
	}
}
