package heap

import "github.com/kristofer/loxvm/internal/value"

// FatalError marks an internal invariant violation: pool corruption, a
// string-pool generation overflow, an unrecognized opcode. Fatal errors
// are raised by panicking with a *FatalError, never returned: they abort
// the VM rather than unwind as an ordinary runtime error.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string { return "fatal: " + e.Message }

// Heap bundles every pool the runtime allocates into, so the interpreter
// and the garbage collector can each hold a single reference instead of
// threading six pools through every call.
type Heap struct {
	Strings      *StringPool
	Upvalues     *UpvaluePool
	Closures     *ClosurePool
	Classes      *ClassPool
	Instances    *InstancePool
	BoundMethods *BoundMethodPool
}

// New creates an empty Heap with every pool initialized.
func New() *Heap {
	return &Heap{
		Strings:      NewStringPool(),
		Upvalues:     NewUpvaluePool(),
		Closures:     NewClosurePool(),
		Classes:      NewClassPool(),
		Instances:    NewInstancePool(),
		BoundMethods: NewBoundMethodPool(),
	}
}

// ByteLen is the live-byte estimate the garbage collector compares against
// its threshold: the string pool's content plus a fixed per-row cost for
// every other pool's allocated (not yet freed) rows, approximating the
// size of the structures rather than measuring exact Go memory use.
func (h *Heap) ByteLen() int {
	const rowCost = 48
	n := h.Strings.ByteLen()
	n += h.Upvalues.Len() * rowCost
	n += (h.Closures.Len() - len(h.Closures.free)) * rowCost
	n += (h.Classes.Len() - len(h.Classes.free)) * rowCost
	n += (h.Instances.Len() - len(h.Instances.free)) * rowCost
	n += (h.BoundMethods.Len() - len(h.BoundMethods.free)) * rowCost
	return n
}

// ResolveObject dereferences an object-kind Value into the pool row it
// points at, returned as an opaque interface for the caller (usually the
// interpreter, sometimes the collector) to type-switch on.
func (h *Heap) ResolveObject(v value.Value) any {
	idx := v.AsObjectIndex()
	switch {
	case v.IsObjectKind(value.KindClosure):
		return h.Closures.Get(idx)
	case v.IsObjectKind(value.KindClass):
		return h.Classes.Get(idx)
	case v.IsObjectKind(value.KindInstance):
		return h.Instances.Get(idx)
	case v.IsObjectKind(value.KindBoundMethod):
		return h.BoundMethods.Get(idx)
	default:
		return nil
	}
}
