package heap

import "github.com/kristofer/loxvm/internal/value"

// ClosurePool, ClassPool, InstancePool and BoundMethodPool are the four
// handle-indexed object pools backing closures, classes, instances, and
// bound methods. Each is an append-only slice with a free list: allocating
// reuses a freed row's index before growing, so a handle into one of these
// pools is only ever invalidated by a sweep that frees it, never by
// another allocation.

// Closure is a compiled function bound to the upvalues it captured at the
// point its OP_CLOSURE instruction ran.
type Closure struct {
	FunctionIndex int
	Upvalues      []uint32 // UpvaluePool handles
}

type ClosurePool struct {
	rows []Closure
	free []uint32
}

func NewClosurePool() *ClosurePool { return &ClosurePool{} }

func (p *ClosurePool) Alloc(c Closure) uint32 {
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.rows[h] = c
		return h
	}
	p.rows = append(p.rows, c)
	return uint32(len(p.rows) - 1)
}

func (p *ClosurePool) Get(h uint32) *Closure { return &p.rows[h] }
func (p *ClosurePool) Len() int              { return len(p.rows) }

func (p *ClosurePool) Sweep(live map[uint32]bool) {
	p.free = p.free[:0]
	for h := 0; h < len(p.rows); h++ {
		if !live[uint32(h)] {
			p.rows[h] = Closure{}
			p.free = append(p.free, uint32(h))
		}
	}
}

// Class is a class's name and its method table (method name handle ->
// ClosurePool handle).
type Class struct {
	NameHandle uint32
	Methods    *Map[uint32]
}

type ClassPool struct {
	rows []Class
	free []uint32
}

func NewClassPool() *ClassPool { return &ClassPool{} }

func (p *ClassPool) Alloc(nameHandle uint32) uint32 {
	c := Class{NameHandle: nameHandle, Methods: NewMap[uint32]()}
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.rows[h] = c
		return h
	}
	p.rows = append(p.rows, c)
	return uint32(len(p.rows) - 1)
}

func (p *ClassPool) Get(h uint32) *Class { return &p.rows[h] }
func (p *ClassPool) Len() int            { return len(p.rows) }

// Inherit copies superclass's method table into subclass's, the way
// OP_INHERIT does: every method the subclass doesn't itself override after
// inheriting is the superclass's.
func (p *ClassPool) Inherit(subclass, superclass uint32) {
	p.rows[subclass].Methods = p.rows[superclass].Methods.Clone()
}

func (p *ClassPool) Sweep(live map[uint32]bool) {
	p.free = p.free[:0]
	for h := 0; h < len(p.rows); h++ {
		if !live[uint32(h)] {
			p.rows[h] = Class{}
			p.free = append(p.free, uint32(h))
		}
	}
}

// Instance is a class instance's backing class and its own field map.
type Instance struct {
	ClassHandle uint32
	Fields      *Map[value.Value]
}

type InstancePool struct {
	rows []Instance
	free []uint32
}

func NewInstancePool() *InstancePool { return &InstancePool{} }

func (p *InstancePool) Alloc(classHandle uint32) uint32 {
	inst := Instance{ClassHandle: classHandle, Fields: NewMap[value.Value]()}
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.rows[h] = inst
		return h
	}
	p.rows = append(p.rows, inst)
	return uint32(len(p.rows) - 1)
}

func (p *InstancePool) Get(h uint32) *Instance { return &p.rows[h] }
func (p *InstancePool) Len() int               { return len(p.rows) }

func (p *InstancePool) Sweep(live map[uint32]bool) {
	p.free = p.free[:0]
	for h := 0; h < len(p.rows); h++ {
		if !live[uint32(h)] {
			p.rows[h] = Instance{}
			p.free = append(p.free, uint32(h))
		}
	}
}

// BoundMethod pairs a receiver instance with one of its class's closures,
// the object OP_GET_PROPERTY produces when the property named is a method.
type BoundMethod struct {
	Receiver value.Value
	Method   uint32 // ClosurePool handle
}

type BoundMethodPool struct {
	rows []BoundMethod
	free []uint32
}

func NewBoundMethodPool() *BoundMethodPool { return &BoundMethodPool{} }

func (p *BoundMethodPool) Alloc(b BoundMethod) uint32 {
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.rows[h] = b
		return h
	}
	p.rows = append(p.rows, b)
	return uint32(len(p.rows) - 1)
}

func (p *BoundMethodPool) Get(h uint32) *BoundMethod { return &p.rows[h] }
func (p *BoundMethodPool) Len() int                  { return len(p.rows) }

func (p *BoundMethodPool) Sweep(live map[uint32]bool) {
	p.free = p.free[:0]
	for h := 0; h < len(p.rows); h++ {
		if !live[uint32(h)] {
			p.rows[h] = BoundMethod{}
			p.free = append(p.free, uint32(h))
		}
	}
}
