package heap

import "github.com/kristofer/loxvm/internal/value"

// GarbageCollector is a stop-the-world mark-and-sweep tracing collector.
// It never moves anything: every pool is handle-indexed, so sweeping only
// needs to flip free-list membership, never rewrite a pointer, which is
// the entire reason this runtime is built on handles instead of raw
// pointers.
type GarbageCollector struct {
	heap   *Heap
	nextGC int
}

// initialGCThreshold is the live-byte estimate that must be crossed
// before the first collection runs.
const initialGCThreshold = 1 << 20 // 1 MiB

// NewGarbageCollector creates a collector watching heap, with the initial
// 1 MiB threshold.
func NewGarbageCollector(heap *Heap) *GarbageCollector {
	return &GarbageCollector{heap: heap, nextGC: initialGCThreshold}
}

// ShouldCollect reports whether the heap's current live-byte estimate has
// crossed the next-collection threshold.
func (gc *GarbageCollector) ShouldCollect() bool {
	return gc.heap.ByteLen() >= gc.nextGC
}

// Collect runs one full mark-and-sweep cycle. enumerateRoots is called
// once, synchronously, and must invoke mark for every root Value: every
// slot live on the operand stack, every call frame's closure, every open
// upvalue (via the stack itself — CloseAbove only closes on scope exit, so
// an open upvalue's value already lives on the stack and is marked when
// the stack slot is marked), every global, and the reserved "init" string
// handle. The compiler allocates nothing in the pools, so compilation adds
// no roots.
func (gc *GarbageCollector) Collect(enumerateRoots func(mark func(value.Value))) {
	liveStrings := map[uint32]bool{}
	liveUpvalues := map[uint32]bool{}
	liveClosures := map[uint32]bool{}
	liveClasses := map[uint32]bool{}
	liveInstances := map[uint32]bool{}
	liveBoundMethods := map[uint32]bool{}

	var worklist []value.Value

	mark := func(v value.Value) {
		switch {
		case v.IsString():
			liveStrings[v.AsStringHandle()] = true
		case v.IsObjectKind(value.KindUpvalue):
			h := v.AsObjectIndex()
			if !liveUpvalues[h] {
				liveUpvalues[h] = true
				worklist = append(worklist, v)
			}
		case v.IsObjectKind(value.KindClosure):
			h := v.AsObjectIndex()
			if !liveClosures[h] {
				liveClosures[h] = true
				worklist = append(worklist, v)
			}
		case v.IsObjectKind(value.KindClass):
			h := v.AsObjectIndex()
			if !liveClasses[h] {
				liveClasses[h] = true
				worklist = append(worklist, v)
			}
		case v.IsObjectKind(value.KindInstance):
			h := v.AsObjectIndex()
			if !liveInstances[h] {
				liveInstances[h] = true
				worklist = append(worklist, v)
			}
		case v.IsObjectKind(value.KindBoundMethod):
			h := v.AsObjectIndex()
			if !liveBoundMethods[h] {
				liveBoundMethods[h] = true
				worklist = append(worklist, v)
			}
		}
	}

	enumerateRoots(mark)

	for len(worklist) > 0 {
		v := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		gc.trace(v, mark)
	}

	gc.heap.Strings.Sweep(liveStrings)
	gc.heap.Upvalues.Sweep(liveUpvalues)
	gc.heap.Closures.Sweep(liveClosures)
	gc.heap.Classes.Sweep(liveClasses)
	gc.heap.Instances.Sweep(liveInstances)
	gc.heap.BoundMethods.Sweep(liveBoundMethods)

	gc.nextGC = 2 * gc.heap.ByteLen()
	if gc.nextGC < initialGCThreshold {
		gc.nextGC = initialGCThreshold
	}
}

// trace marks every Value a single already-live object directly refers to.
func (gc *GarbageCollector) trace(v value.Value, mark func(value.Value)) {
	idx := v.AsObjectIndex()
	switch {
	case v.IsObjectKind(value.KindUpvalue):
		if !gc.heap.Upvalues.IsOpen(idx) {
			mark(gc.heap.Upvalues.Get(idx))
		}
	case v.IsObjectKind(value.KindClosure):
		c := gc.heap.Closures.Get(idx)
		for _, uh := range c.Upvalues {
			mark(value.Object(value.KindUpvalue, uh))
		}
	case v.IsObjectKind(value.KindClass):
		cl := gc.heap.Classes.Get(idx)
		mark(value.String(cl.NameHandle))
		cl.Methods.Trace(func(key uint32, closureHandle uint32) {
			mark(value.String(key))
			mark(value.Object(value.KindClosure, closureHandle))
		})
	case v.IsObjectKind(value.KindInstance):
		inst := gc.heap.Instances.Get(idx)
		mark(value.Object(value.KindClass, inst.ClassHandle))
		inst.Fields.Trace(func(key uint32, val value.Value) {
			mark(value.String(key))
			mark(val)
		})
	case v.IsObjectKind(value.KindBoundMethod):
		bm := gc.heap.BoundMethods.Get(idx)
		mark(bm.Receiver)
		mark(value.Object(value.KindClosure, bm.Method))
	}
}
