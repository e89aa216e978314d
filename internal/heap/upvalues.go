package heap

import "github.com/kristofer/loxvm/internal/value"

// UpvaluePool holds every Upvalue object a running program has allocated,
// keyed by handle (an index into values). An upvalue is "open" while it
// still aliases a slot on the operand stack (no closure has outlived the
// frame that owns the slot yet) and "closed" once CloseAbove has copied the
// slot's value out.
//
// Open upvalues are tracked twice: values[handle] holds a value.StackRef
// sentinel so IsOpen/Slot can be read in O(1), and a max-heap keyed by slot
// number lets CloseAbove find and close every upvalue at or above a given
// stack slot in O(log k) per upvalue, closing from the top of the stack
// down the way the interpreter needs to on function return and block exit.
//
// Closing on function return always wants the highest open slot first, so
// this is a max-heap keyed by slot rather than a min-heap (see DESIGN.md).
type UpvaluePool struct {
	values []value.Value
	free   []uint32

	heap   []upHeapEntry
	bySlot map[uint32]uint32 // slot -> handle, open upvalues only
}

type upHeapEntry struct {
	slot   uint32
	handle uint32
}

// NewUpvaluePool creates an empty pool.
func NewUpvaluePool() *UpvaluePool {
	return &UpvaluePool{bySlot: make(map[uint32]uint32)}
}

// Open returns the handle of the upvalue aliasing slot, allocating a new
// open upvalue if none exists yet.
func (p *UpvaluePool) Open(slot uint32) uint32 {
	if h, ok := p.bySlot[slot]; ok {
		return h
	}
	handle := p.alloc(value.StackRef(slot))
	p.bySlot[slot] = handle
	p.heapPush(upHeapEntry{slot: slot, handle: handle})
	return handle
}

// CloseAbove closes every open upvalue whose slot is >= aboveSlot, copying
// its current value out of stack. stack is the live operand stack, indexed
// by slot.
func (p *UpvaluePool) CloseAbove(aboveSlot uint32, stack []value.Value) {
	for len(p.heap) > 0 && p.heap[0].slot >= aboveSlot {
		e := p.heapPopMax()
		p.values[e.handle] = stack[e.slot]
		delete(p.bySlot, e.slot)
	}
}

// IsOpen reports whether handle still aliases a stack slot.
func (p *UpvaluePool) IsOpen(handle uint32) bool { return p.values[handle].IsStackRef() }

// Slot returns the stack slot an open upvalue aliases. Only valid when
// IsOpen(handle) is true.
func (p *UpvaluePool) Slot(handle uint32) uint32 { return p.values[handle].StackSlot() }

// Get returns the value stored at handle. Only valid when the upvalue is
// closed; callers must route open upvalues through the operand stack
// themselves (via Slot).
func (p *UpvaluePool) Get(handle uint32) value.Value { return p.values[handle] }

// Set overwrites the value stored at a closed upvalue.
func (p *UpvaluePool) Set(handle uint32, v value.Value) { p.values[handle] = v }

func (p *UpvaluePool) alloc(v value.Value) uint32 {
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.values[h] = v
		return h
	}
	p.values = append(p.values, v)
	return uint32(len(p.values) - 1)
}

// Len reports the number of allocated (not-yet-freed) upvalue slots.
func (p *UpvaluePool) Len() int { return len(p.values) - len(p.free) }

// Trace calls fn with the value held by every live, closed handle in live;
// open upvalues contribute no extra roots since the operand stack they
// alias is traced separately.
func (p *UpvaluePool) Trace(live map[uint32]bool, fn func(value.Value)) {
	for h := range live {
		if int(h) < len(p.values) && !p.values[h].IsStackRef() {
			fn(p.values[h])
		}
	}
}

// Sweep rebuilds the free list from every handle not present in live. Open
// upvalues that died are also dropped from the slot heap and the bySlot
// index, so a later CloseAbove cannot write through a recycled handle.
func (p *UpvaluePool) Sweep(live map[uint32]bool) {
	p.free = p.free[:0]
	for h := 0; h < len(p.values); h++ {
		if !live[uint32(h)] {
			p.values[h] = value.Nil
			p.free = append(p.free, uint32(h))
		}
	}

	kept := p.heap[:0]
	for _, e := range p.heap {
		if live[e.handle] {
			kept = append(kept, e)
		} else {
			delete(p.bySlot, e.slot)
		}
	}
	p.heap = kept
	for i := len(p.heap)/2 - 1; i >= 0; i-- {
		p.siftDown(i)
	}
}

// --- binary max-heap on slot, standard array implementation ---

func (p *UpvaluePool) heapPush(e upHeapEntry) {
	p.heap = append(p.heap, e)
	i := len(p.heap) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if p.heap[parent].slot >= p.heap[i].slot {
			break
		}
		p.heap[parent], p.heap[i] = p.heap[i], p.heap[parent]
		i = parent
	}
}

func (p *UpvaluePool) heapPopMax() upHeapEntry {
	top := p.heap[0]
	last := len(p.heap) - 1
	p.heap[0] = p.heap[last]
	p.heap = p.heap[:last]
	p.siftDown(0)
	return top
}

func (p *UpvaluePool) siftDown(i int) {
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < len(p.heap) && p.heap[left].slot > p.heap[largest].slot {
			largest = left
		}
		if right < len(p.heap) && p.heap[right].slot > p.heap[largest].slot {
			largest = right
		}
		if largest == i {
			return
		}
		p.heap[i], p.heap[largest] = p.heap[largest], p.heap[i]
		i = largest
	}
}
