// Package vm implements the bytecode interpreter at the center of the
// runtime: a fixed-capacity operand stack, a fixed-capacity call-frame
// stack, and a dispatch loop over the opcode stream the compiler emitted.
//
// The Interpreter owns all mutable runtime state — the stacks, the globals
// table, the heap of object pools, and the garbage collector — and every
// allocation a running program performs flows through it, so the collector
// can run at a safe point after any instruction with the stacks and frames
// as its roots. Errors split three ways: caller-visible runtime errors
// (RuntimeError, carrying a decoded stack trace) unwind the current
// Interpret call; compile diagnostics never reach this package; internal
// invariant violations panic with a FatalError and abort the VM.
package vm

import (
	"fmt"
	"io"
	"time"

	"github.com/kristofer/loxvm/internal/bytecode"
	"github.com/kristofer/loxvm/internal/heap"
	"github.com/kristofer/loxvm/internal/value"
)

// StackMax and FramesMax are the fixed capacities of the operand stack and
// call-frame stack: the operand stack never reallocates, and overflowing
// either is an ordinary runtime error, never a panic.
const (
	StackMax  = 64 * 256
	FramesMax = 64
)

// NativeFn is a built-in function exposed to scripts through the globals
// table as a value.KindNative object, the way `clock` is.
type NativeFn func(args []value.Value) (value.Value, error)

// frame is one call frame: which closure is running, where its IP is in
// that closure's function's chunk, and where its locals begin on the
// operand stack.
type frame struct {
	ClosureHandle uint32
	IP            int
	Base          int
}

// Interpreter is the runtime core's dispatch loop: it owns the operand
// stack and call-frame stack, drives every allocation through Heap, and
// asks the GarbageCollector to run at safe points between opcodes.
type Interpreter struct {
	Heap      *heap.Heap
	GC        *heap.GarbageCollector
	Functions *bytecode.FunctionTable
	Natives   []NativeFn
	Globals   *heap.Map[value.Value]

	stack      [StackMax]value.Value
	stackTop   int
	frames     [FramesMax]frame
	frameCount int

	initHandle uint32
	out        io.Writer
}

// New creates an interpreter over functions, wiring up the globals table,
// the `clock` native, and the reserved "init" string handle the GC must
// always keep alive.
func New(functions *bytecode.FunctionTable, out io.Writer) *Interpreter {
	h := heap.New()
	i := &Interpreter{
		Heap:       h,
		GC:         heap.NewGarbageCollector(h),
		Functions:  functions,
		Globals:    heap.NewMap[value.Value](),
		initHandle: h.Strings.Intern([]byte("init")),
		out:        out,
	}
	i.Natives = append(i.Natives, nativeClock)
	i.Globals.Set(h.Strings.Intern([]byte("clock")), value.Object(value.KindNative, 0))
	return i
}

func nativeClock(args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil, fmt.Errorf("clock takes no arguments")
	}
	return value.Number(float64(time.Now().UnixMilli())), nil
}

// Interpret runs the function at rootIndex (ordinarily function 0, the
// script's entry point) to completion. Any state a previous Interpret call
// left on the stacks — a leftover script return value, or frames abandoned
// by a runtime error — is discarded first, after closing whatever open
// upvalues still alias those slots so closures held in globals keep their
// captured values.
func (i *Interpreter) Interpret(rootIndex int) error {
	i.Heap.Upvalues.CloseAbove(0, i.stack[:i.stackTop])
	i.stackTop = 0
	i.frameCount = 0

	closureHandle := i.Heap.Closures.Alloc(heap.Closure{FunctionIndex: rootIndex})
	if err := i.push(value.Object(value.KindClosure, closureHandle)); err != nil {
		return err
	}
	if err := i.callClosure(closureHandle, 0); err != nil {
		return err
	}
	return i.run()
}

// --- operand stack ---

func (i *Interpreter) push(v value.Value) error {
	if i.stackTop >= StackMax {
		return i.runtimeError("stack overflow")
	}
	i.stack[i.stackTop] = v
	i.stackTop++
	return nil
}

func (i *Interpreter) pop() value.Value {
	i.stackTop--
	return i.stack[i.stackTop]
}

func (i *Interpreter) peek(distance int) value.Value {
	return i.stack[i.stackTop-1-distance]
}

// --- errors ---

func (i *Interpreter) runtimeError(format string, args ...any) *RuntimeError {
	msg := fmt.Sprintf(format, args...)
	trace := make([]StackFrame, i.frameCount)
	for f := 0; f < i.frameCount; f++ {
		fr := i.frames[f]
		closure := i.Heap.Closures.Get(fr.ClosureHandle)
		fn := i.Functions.Functions[closure.FunctionIndex]
		line := fn.Chunk.LineAt(fr.IP - 1)
		name := fn.Name
		if name == "" || name == "<script>" {
			name = "script"
		}
		trace[f] = StackFrame{FunctionName: name, Line: line}
	}
	return newRuntimeError(msg, trace)
}

// --- calling convention ---

func (i *Interpreter) callValue(callee value.Value, argCount int) error {
	switch {
	case callee.IsObjectKind(value.KindClosure):
		return i.callClosure(callee.AsObjectIndex(), argCount)
	case callee.IsObjectKind(value.KindClass):
		return i.callClass(callee.AsObjectIndex(), argCount)
	case callee.IsObjectKind(value.KindBoundMethod):
		bm := i.Heap.BoundMethods.Get(callee.AsObjectIndex())
		i.stack[i.stackTop-argCount-1] = bm.Receiver
		return i.callClosure(bm.Method, argCount)
	case callee.IsObjectKind(value.KindNative):
		fn := i.Natives[callee.AsObjectIndex()]
		args := make([]value.Value, argCount)
		copy(args, i.stack[i.stackTop-argCount:i.stackTop])
		result, err := fn(args)
		if err != nil {
			return i.runtimeError("%s", err.Error())
		}
		i.stackTop -= argCount + 1
		return i.push(result)
	default:
		return i.runtimeError("can only call functions and classes")
	}
}

func (i *Interpreter) callClosure(closureHandle uint32, argCount int) error {
	closure := i.Heap.Closures.Get(closureHandle)
	fn := i.Functions.Functions[closure.FunctionIndex]
	if argCount != fn.Arity {
		return i.runtimeError("expected %d arguments but got %d", fn.Arity, argCount)
	}
	if i.frameCount >= FramesMax {
		return i.runtimeError("stack overflow")
	}
	i.frames[i.frameCount] = frame{
		ClosureHandle: closureHandle,
		IP:            0,
		Base:          i.stackTop - argCount - 1,
	}
	i.frameCount++
	return nil
}

func (i *Interpreter) callClass(classHandle uint32, argCount int) error {
	instHandle := i.Heap.Instances.Alloc(classHandle)
	i.stack[i.stackTop-argCount-1] = value.Object(value.KindInstance, instHandle)

	class := i.Heap.Classes.Get(classHandle)
	if initHandle, ok := class.Methods.Get(i.initHandle); ok {
		return i.callClosure(initHandle, argCount)
	}
	if argCount != 0 {
		return i.runtimeError("expected 0 arguments but got %d", argCount)
	}
	return nil
}

// --- main loop ---

func (i *Interpreter) currentFrame() *frame { return &i.frames[i.frameCount-1] }

func (i *Interpreter) currentChunk() *bytecode.Chunk {
	closure := i.Heap.Closures.Get(i.currentFrame().ClosureHandle)
	return &i.Functions.Functions[closure.FunctionIndex].Chunk
}

func (i *Interpreter) readByte() byte {
	f := i.currentFrame()
	b := i.currentChunk().Code[f.IP]
	f.IP++
	return b
}

func (i *Interpreter) readUint16() uint16 {
	hi := i.readByte()
	lo := i.readByte()
	return uint16(hi)<<8 | uint16(lo)
}

func (i *Interpreter) readConstant() bytecode.Value {
	return i.currentChunk().Constants[i.readByte()]
}

// constantValue materializes a compile-time constant into a runtime Value,
// interning strings on first read. Function constants are only legal as
// OP_CLOSURE operands; one reaching OP_CONSTANT means the compiler emitted
// a malformed chunk.
func (i *Interpreter) constantValue(c bytecode.Value) value.Value {
	switch c.Kind {
	case bytecode.ConstantNumber:
		return value.Number(c.Num)
	case bytecode.ConstantString:
		return value.String(i.Heap.Strings.Intern([]byte(c.Str)))
	default:
		panic(&FatalError{Message: fmt.Sprintf("constant of kind %d is not a value", c.Kind)})
	}
}

func (i *Interpreter) run() error {
	for i.frameCount > 0 {
		op := bytecode.OpCode(i.readByte())
		if err := i.dispatch(op); err != nil {
			return err
		}
		if i.GC.ShouldCollect() {
			i.GC.Collect(i.enumerateRoots)
		}
	}
	return nil
}

func (i *Interpreter) dispatch(op bytecode.OpCode) error {
	switch op {
	case bytecode.OpConstant:
		return i.push(i.constantValue(i.readConstant()))

	case bytecode.OpNil:
		return i.push(value.Nil)
	case bytecode.OpTrue:
		return i.push(value.True)
	case bytecode.OpFalse:
		return i.push(value.False)
	case bytecode.OpPop:
		i.pop()
		return nil

	case bytecode.OpGetLocal:
		slot := i.currentFrame().Base + int(i.readByte())
		return i.push(i.stack[slot])
	case bytecode.OpSetLocal:
		slot := i.currentFrame().Base + int(i.readByte())
		i.stack[slot] = i.peek(0)
		return nil

	case bytecode.OpGetGlobal:
		c := i.readConstant()
		v, ok := i.Globals.Get(i.stringHandle(c))
		if !ok {
			return i.runtimeError("undefined variable '%s'", c.Str)
		}
		return i.push(v)
	case bytecode.OpDefineGlobal:
		i.Globals.Set(i.stringHandle(i.readConstant()), i.pop())
		return nil
	case bytecode.OpSetGlobal:
		c := i.readConstant()
		handle := i.stringHandle(c)
		if !i.Globals.Has(handle) {
			return i.runtimeError("undefined variable '%s'", c.Str)
		}
		i.Globals.Set(handle, i.peek(0))
		return nil

	case bytecode.OpGetUpvalue:
		idx := i.readByte()
		handle := i.currentClosureUpvalues()[idx]
		if i.Heap.Upvalues.IsOpen(handle) {
			return i.push(i.stack[i.Heap.Upvalues.Slot(handle)])
		}
		return i.push(i.Heap.Upvalues.Get(handle))
	case bytecode.OpSetUpvalue:
		idx := i.readByte()
		handle := i.currentClosureUpvalues()[idx]
		if i.Heap.Upvalues.IsOpen(handle) {
			i.stack[i.Heap.Upvalues.Slot(handle)] = i.peek(0)
		} else {
			i.Heap.Upvalues.Set(handle, i.peek(0))
		}
		return nil

	case bytecode.OpGetProperty:
		return i.getProperty(i.stringHandle(i.readConstant()))
	case bytecode.OpSetProperty:
		return i.setProperty(i.stringHandle(i.readConstant()))
	case bytecode.OpGetSuper:
		return i.getSuper(i.stringHandle(i.readConstant()))

	case bytecode.OpEqual:
		b, a := i.pop(), i.pop()
		return i.push(value.Bool(a.Equal(b)))
	case bytecode.OpGreater:
		return i.numberCompare(func(a, b float64) bool { return a > b })
	case bytecode.OpLess:
		return i.numberCompare(func(a, b float64) bool { return a < b })
	case bytecode.OpAdd:
		return i.add()
	case bytecode.OpSubtract:
		return i.numberBinOp(func(a, b float64) float64 { return a - b })
	case bytecode.OpMultiply:
		return i.numberBinOp(func(a, b float64) float64 { return a * b })
	case bytecode.OpDivide:
		return i.numberBinOp(func(a, b float64) float64 { return a / b })
	case bytecode.OpNot:
		return i.push(value.Bool(i.pop().IsFalsey()))
	case bytecode.OpNegate:
		if !i.peek(0).IsNumber() {
			return i.runtimeError("operand must be a number")
		}
		return i.push(value.Number(-i.pop().AsNumber()))

	case bytecode.OpPrint:
		fmt.Fprintln(i.out, i.toDisplayString(i.pop()))
		return nil

	case bytecode.OpJump:
		offset := i.readUint16()
		i.currentFrame().IP += int(offset)
		return nil
	case bytecode.OpJumpIfFalse:
		offset := i.readUint16()
		if i.peek(0).IsFalsey() {
			i.currentFrame().IP += int(offset)
		}
		return nil
	case bytecode.OpLoop:
		offset := i.readUint16()
		i.currentFrame().IP -= int(offset)
		return nil

	case bytecode.OpCall:
		argCount := int(i.readByte())
		return i.callValue(i.peek(argCount), argCount)
	case bytecode.OpInvoke:
		name := i.stringHandle(i.readConstant())
		argCount := int(i.readByte())
		return i.invoke(name, argCount)
	case bytecode.OpSuperInvoke:
		name := i.stringHandle(i.readConstant())
		argCount := int(i.readByte())
		return i.superInvoke(name, argCount)

	case bytecode.OpClosure:
		return i.makeClosure()
	case bytecode.OpCloseUpvalue:
		i.Heap.Upvalues.CloseAbove(uint32(i.stackTop-1), i.stack[:i.stackTop])
		i.pop()
		return nil

	case bytecode.OpReturn:
		result := i.pop()
		fr := i.frames[i.frameCount-1]
		i.Heap.Upvalues.CloseAbove(uint32(fr.Base), i.stack[:i.stackTop])
		i.frameCount--
		i.stackTop = fr.Base
		return i.push(result)

	case bytecode.OpClass:
		handle := i.Heap.Classes.Alloc(i.stringHandle(i.readConstant()))
		return i.push(value.Object(value.KindClass, handle))
	case bytecode.OpInherit:
		// Stack: [..., superclass, subclass]. Only the subclass is popped:
		// the superclass stays put because the compiler has already
		// declared it as the "super" local that every method below closes
		// over as an upvalue.
		subVal := i.pop()
		superVal := i.peek(0)
		if !superVal.IsObjectKind(value.KindClass) {
			return i.runtimeError("superclass must be a class")
		}
		i.Heap.Classes.Inherit(subVal.AsObjectIndex(), superVal.AsObjectIndex())
		return nil
	case bytecode.OpMethod:
		name := i.stringHandle(i.readConstant())
		method := i.pop()
		class := i.Heap.Classes.Get(i.peek(0).AsObjectIndex())
		class.Methods.Set(name, method.AsObjectIndex())
		return nil

	default:
		panic(&FatalError{Message: fmt.Sprintf("unknown opcode %d", byte(op))})
	}
}

// stringHandle interns the string constant c names. Opcodes that name a
// global, property, super-method, method, or class carry such a
// ConstantString operand, so this is the only materialization those
// opcodes need.
func (i *Interpreter) stringHandle(c bytecode.Value) uint32 {
	return i.Heap.Strings.Intern([]byte(c.Str))
}

func (i *Interpreter) currentClosureUpvalues() []uint32 {
	closure := i.Heap.Closures.Get(i.currentFrame().ClosureHandle)
	return closure.Upvalues
}

func (i *Interpreter) numberBinOp(op func(a, b float64) float64) error {
	if !i.peek(0).IsNumber() || !i.peek(1).IsNumber() {
		return i.runtimeError("operands must be numbers")
	}
	b, a := i.pop().AsNumber(), i.pop().AsNumber()
	return i.push(value.Number(op(a, b)))
}

func (i *Interpreter) numberCompare(op func(a, b float64) bool) error {
	if !i.peek(0).IsNumber() || !i.peek(1).IsNumber() {
		return i.runtimeError("operands must be numbers")
	}
	b, a := i.pop().AsNumber(), i.pop().AsNumber()
	return i.push(value.Bool(op(a, b)))
}

func (i *Interpreter) add() error {
	bv, av := i.peek(0), i.peek(1)
	switch {
	case av.IsNumber() && bv.IsNumber():
		b, a := i.pop().AsNumber(), i.pop().AsNumber()
		return i.push(value.Number(a + b))
	case av.IsString() && bv.IsString():
		b, a := i.pop(), i.pop()
		h := i.Heap.Strings.Concat(a.AsStringHandle(), b.AsStringHandle())
		return i.push(value.String(h))
	default:
		return i.runtimeError("operands must be two numbers or two strings")
	}
}

func (i *Interpreter) getProperty(name uint32) error {
	recv := i.peek(0)
	if !recv.IsObjectKind(value.KindInstance) {
		return i.runtimeError("only instances have properties")
	}
	inst := i.Heap.Instances.Get(recv.AsObjectIndex())
	if v, ok := inst.Fields.Get(name); ok {
		i.pop()
		return i.push(v)
	}
	class := i.Heap.Classes.Get(inst.ClassHandle)
	if methodHandle, ok := class.Methods.Get(name); ok {
		i.pop()
		bound := i.Heap.BoundMethods.Alloc(heap.BoundMethod{Receiver: recv, Method: methodHandle})
		return i.push(value.Object(value.KindBoundMethod, bound))
	}
	return i.runtimeError("undefined property")
}

func (i *Interpreter) setProperty(name uint32) error {
	recv := i.peek(1)
	if !recv.IsObjectKind(value.KindInstance) {
		return i.runtimeError("only instances have fields")
	}
	v := i.pop()
	instVal := i.pop()
	inst := i.Heap.Instances.Get(instVal.AsObjectIndex())
	inst.Fields.Set(name, v)
	return i.push(v)
}

func (i *Interpreter) getSuper(name uint32) error {
	superVal := i.pop()
	recv := i.pop()
	class := i.Heap.Classes.Get(superVal.AsObjectIndex())
	methodHandle, ok := class.Methods.Get(name)
	if !ok {
		return i.runtimeError("undefined property")
	}
	bound := i.Heap.BoundMethods.Alloc(heap.BoundMethod{Receiver: recv, Method: methodHandle})
	return i.push(value.Object(value.KindBoundMethod, bound))
}

func (i *Interpreter) invoke(name uint32, argCount int) error {
	recv := i.peek(argCount)
	if !recv.IsObjectKind(value.KindInstance) {
		return i.runtimeError("only instances have methods")
	}
	inst := i.Heap.Instances.Get(recv.AsObjectIndex())
	if v, ok := inst.Fields.Get(name); ok {
		i.stack[i.stackTop-argCount-1] = v
		return i.callValue(v, argCount)
	}
	class := i.Heap.Classes.Get(inst.ClassHandle)
	methodHandle, ok := class.Methods.Get(name)
	if !ok {
		return i.runtimeError("undefined property")
	}
	return i.callClosure(methodHandle, argCount)
}

func (i *Interpreter) superInvoke(name uint32, argCount int) error {
	superVal := i.pop()
	class := i.Heap.Classes.Get(superVal.AsObjectIndex())
	methodHandle, ok := class.Methods.Get(name)
	if !ok {
		return i.runtimeError("undefined property")
	}
	return i.callClosure(methodHandle, argCount)
}

func (i *Interpreter) makeClosure() error {
	c := i.readConstant()
	if c.Kind != bytecode.ConstantFunction {
		panic(&FatalError{Message: "OP_CLOSURE constant is not a function"})
	}
	fn := i.Functions.Functions[c.FunctionIndex]
	upvalues := make([]uint32, fn.UpvalueCount)
	for idx := range upvalues {
		isLocal := i.readByte() != 0
		slotOrIndex := i.readByte()
		if isLocal {
			upvalues[idx] = i.Heap.Upvalues.Open(uint32(i.currentFrame().Base + int(slotOrIndex)))
		} else {
			upvalues[idx] = i.currentClosureUpvalues()[slotOrIndex]
		}
	}
	handle := i.Heap.Closures.Alloc(heap.Closure{FunctionIndex: c.FunctionIndex, Upvalues: upvalues})
	return i.push(value.Object(value.KindClosure, handle))
}

// toDisplayString renders v for OP_PRINT. It cannot fail for well-formed
// Values; a handle that no longer resolves is pool corruption and panics.
func (i *Interpreter) toDisplayString(v value.Value) string {
	switch {
	case v.IsNumber():
		return fmt.Sprintf("%g", v.AsNumber())
	case v.IsNil():
		return "nil"
	case v.IsBool():
		return fmt.Sprintf("%t", v.AsBool())
	case v.IsString():
		b, ok := i.Heap.Strings.Lookup(v.AsStringHandle())
		if !ok {
			panic(&FatalError{Message: fmt.Sprintf("string handle %#x does not resolve", v.AsStringHandle())})
		}
		return string(b)
	case v.IsObjectKind(value.KindClass):
		class := i.Heap.Classes.Get(v.AsObjectIndex())
		name, _ := i.Heap.Strings.Lookup(class.NameHandle)
		return string(name)
	case v.IsObjectKind(value.KindInstance):
		inst := i.Heap.Instances.Get(v.AsObjectIndex())
		class := i.Heap.Classes.Get(inst.ClassHandle)
		name, _ := i.Heap.Strings.Lookup(class.NameHandle)
		return string(name) + " instance"
	case v.IsObjectKind(value.KindClosure):
		closure := i.Heap.Closures.Get(v.AsObjectIndex())
		return "<fn " + i.Functions.Functions[closure.FunctionIndex].Name + ">"
	case v.IsObjectKind(value.KindBoundMethod):
		bm := i.Heap.BoundMethods.Get(v.AsObjectIndex())
		closure := i.Heap.Closures.Get(bm.Method)
		return "<fn " + i.Functions.Functions[closure.FunctionIndex].Name + ">"
	case v.IsObjectKind(value.KindNative):
		return "<native fn>"
	default:
		panic(&FatalError{Message: fmt.Sprintf("value %#x has no display form", uint64(v))})
	}
}

// enumerateRoots is handed to GarbageCollector.Collect: it marks the
// operand stack, every live frame's closure, the globals table, and the
// reserved "init" string.
func (i *Interpreter) enumerateRoots(mark func(value.Value)) {
	for s := 0; s < i.stackTop; s++ {
		mark(i.stack[s])
	}
	for f := 0; f < i.frameCount; f++ {
		mark(value.Object(value.KindClosure, i.frames[f].ClosureHandle))
	}
	i.Globals.Trace(func(key uint32, v value.Value) {
		mark(value.String(key))
		mark(v)
	})
	mark(value.String(i.initHandle))
}
