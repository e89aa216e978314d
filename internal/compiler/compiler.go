// Package compiler walks an *ast.Program and emits a bytecode.FunctionTable:
// one bytecode.Function per source-level function/method plus a synthetic
// entry-point function wrapping the top-level statements.
//
// A Compiler holds a stack of nested function-scope compilers, walks the
// AST, and writes straight into each scope's Chunk, accumulating
// diagnostics instead of panicking. Local/upvalue slot resolution,
// jump-patching for if/while/for/and/or, and class/method compilation
// (including `this`/`super` binding) all build on that same shape.
package compiler

import (
	"fmt"

	"github.com/kristofer/loxvm/internal/ast"
	"github.com/kristofer/loxvm/internal/bytecode"
)

type functionType int

const (
	typeScript functionType = iota
	typeFunction
	typeMethod
	typeInitializer
)

type local struct {
	name       string
	depth      int // -1 while being declared but not yet defined
	isCaptured bool
}

type upvalueRef struct {
	index   byte
	isLocal bool
}

// funcScope tracks compile-time state for one function body: its locals,
// its scope depth, and the upvalues it captures from enclosing scopes.
type funcScope struct {
	enclosing *funcScope
	fn        *bytecode.Function
	kind      functionType

	locals     []local
	scopeDepth int
	upvalues   []upvalueRef
}

func newFuncScope(enclosing *funcScope, name string, kind functionType) *funcScope {
	fs := &funcScope{enclosing: enclosing, kind: kind, fn: &bytecode.Function{Name: name}}
	// Slot 0 is reserved: for methods it holds the receiver (`this`); for
	// plain functions it is unnamed and unreachable from user code, which
	// keeps the slot-0 special case uniform across both kinds of scope.
	reserved := ""
	if kind == typeMethod || kind == typeInitializer {
		reserved = "this"
	}
	fs.locals = append(fs.locals, local{name: reserved, depth: 0})
	return fs
}

type classScope struct {
	enclosing     *classScope
	hasSuperclass bool
}

// Compiler compiles one source file's AST into a FunctionTable.
type Compiler struct {
	table     bytecode.FunctionTable
	current   *funcScope
	class     *classScope
	errors    []error
	scriptIdx int
}

// New creates a Compiler ready to compile a Program into a fresh
// FunctionTable, whose function 0 will be the script's entry point.
func New() *Compiler {
	return &Compiler{}
}

// NewAppending creates a Compiler that continues base's FunctionTable
// instead of starting empty: the compiled script lands after base's
// existing entries rather than at index 0. This is what the REPL (cmd/loxvm)
// uses to keep every earlier turn's function indices valid in the same
// running Interpreter — each turn's script is, from its own point of view,
// still "a file being compiled", just one that is handed a non-empty table
// to append to instead of an empty one.
func NewAppending(base *bytecode.FunctionTable) *Compiler {
	c := &Compiler{}
	if base != nil {
		c.table.Functions = append([]bytecode.Function(nil), base.Functions...)
	}
	return c
}

// Errors returns every compile-time error accumulated during Compile.
func (c *Compiler) Errors() []error { return c.errors }

// ScriptIndex returns the FunctionTable index of the script compiled by the
// most recent Compile call — the index Interpret should be called with.
func (c *Compiler) ScriptIndex() int { return c.scriptIdx }

func (c *Compiler) errorf(line int, format string, args ...any) {
	c.errors = append(c.errors, fmt.Errorf("[line %d] %s", line, fmt.Sprintf(format, args...)))
}

// Compile lowers program into a FunctionTable. The script itself occupies
// whatever index ScriptIndex reports (0 for a table started via New, since
// nested function/method declarations compiled while walking the script's
// statements are appended after a placeholder reserved for the script up
// front). The returned table is valid even if Errors() is non-empty, so
// callers can choose whether partial output is useful.
func (c *Compiler) Compile(program *ast.Program) *bytecode.FunctionTable {
	c.scriptIdx = c.table.Add(bytecode.Function{Name: "<script>"})
	c.current = newFuncScope(nil, "<script>", typeScript)
	for _, stmt := range program.Statements {
		c.statement(stmt)
	}
	c.finishScript()
	return &c.table
}

// finishScript closes out the script's implicit top-level function,
// overwriting the placeholder Compile reserved at scriptIdx rather than
// appending a new entry (nested functions/methods compiled along the way
// already appended themselves after that placeholder via endFunction).
func (c *Compiler) finishScript() {
	c.emitOp(bytecode.OpNil, 0)
	c.emitOp(bytecode.OpReturn, 0)

	fn := *c.current.fn
	fn.UpvalueCount = len(c.current.upvalues)
	fn.UpvalueInfo = make([]bytecode.UpvalueInfo, len(c.current.upvalues))
	for i, uv := range c.current.upvalues {
		fn.UpvalueInfo[i] = bytecode.UpvalueInfo{IsLocal: uv.isLocal, Index: uv.index}
	}
	c.table.Functions[c.scriptIdx] = fn
	c.current = nil
}

// --- chunk emission helpers ---

func (c *Compiler) chunk() *bytecode.Chunk { return &c.current.fn.Chunk }

func (c *Compiler) emit(b byte, line int) { c.chunk().Write(b, line) }

func (c *Compiler) emitOp(op bytecode.OpCode, line int) { c.chunk().WriteOp(op, line) }

func (c *Compiler) emitConstant(v bytecode.Value, line int) {
	idx, err := c.chunk().AddConstant(v)
	if err != nil {
		c.errorf(line, "%s", err)
		return
	}
	c.emitOp(bytecode.OpConstant, line)
	c.emit(byte(idx), line)
}

// identifierConstant interns name as a string constant and returns its
// index, for opcodes that name a global/property/method by constant.
func (c *Compiler) identifierConstant(name string, line int) byte {
	idx, err := c.chunk().AddConstant(bytecode.StringConstant(name))
	if err != nil {
		c.errorf(line, "%s", err)
		return 0
	}
	return byte(idx)
}

// emitJump writes a jump opcode with a placeholder 2-byte operand and
// returns the offset of that operand, to be patched once the jump target
// is known.
func (c *Compiler) emitJump(op bytecode.OpCode, line int) int {
	c.emitOp(op, line)
	c.emit(0xff, line)
	c.emit(0xff, line)
	return len(c.chunk().Code) - 2
}

func (c *Compiler) patchJump(offset int, line int) {
	jump := len(c.chunk().Code) - offset - 2
	if jump > 0xffff {
		c.errorf(line, "jump target too far away")
		return
	}
	c.chunk().Code[offset] = byte(jump >> 8)
	c.chunk().Code[offset+1] = byte(jump)
}

func (c *Compiler) emitLoop(loopStart int, line int) {
	c.emitOp(bytecode.OpLoop, line)
	offset := len(c.chunk().Code) - loopStart + 2
	if offset > 0xffff {
		c.errorf(line, "loop body too large")
		return
	}
	c.emit(byte(offset>>8), line)
	c.emit(byte(offset), line)
}

// --- scopes and locals ---

func (c *Compiler) beginScope() { c.current.scopeDepth++ }

func (c *Compiler) endScope(line int) {
	c.current.scopeDepth--
	locals := c.current.locals
	for len(locals) > 0 && locals[len(locals)-1].depth > c.current.scopeDepth {
		if locals[len(locals)-1].isCaptured {
			c.emitOp(bytecode.OpCloseUpvalue, line)
		} else {
			c.emitOp(bytecode.OpPop, line)
		}
		locals = locals[:len(locals)-1]
	}
	c.current.locals = locals
}

func (c *Compiler) declareLocal(name string, line int) {
	if c.current.scopeDepth == 0 {
		return
	}
	for i := len(c.current.locals) - 1; i >= 0; i-- {
		l := c.current.locals[i]
		if l.depth != -1 && l.depth < c.current.scopeDepth {
			break
		}
		if l.name == name {
			c.errorf(line, "variable %q already declared in this scope", name)
			return
		}
	}
	c.current.locals = append(c.current.locals, local{name: name, depth: -1})
}

func (c *Compiler) markInitialized() {
	if c.current.scopeDepth == 0 {
		return
	}
	c.current.locals[len(c.current.locals)-1].depth = c.current.scopeDepth
}

func resolveLocal(fs *funcScope, name string) int {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return i
		}
	}
	return -1
}

func addUpvalue(fs *funcScope, index byte, isLocal bool) int {
	for i, uv := range fs.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	fs.upvalues = append(fs.upvalues, upvalueRef{index: index, isLocal: isLocal})
	return len(fs.upvalues) - 1
}

func resolveUpvalue(fs *funcScope, name string) int {
	if fs.enclosing == nil {
		return -1
	}
	if slot := resolveLocal(fs.enclosing, name); slot != -1 {
		fs.enclosing.locals[slot].isCaptured = true
		return addUpvalue(fs, byte(slot), true)
	}
	if slot := resolveUpvalue(fs.enclosing, name); slot != -1 {
		return addUpvalue(fs, byte(slot), false)
	}
	return -1
}

// --- statements ---

func (c *Compiler) statement(s ast.Statement) {
	switch n := s.(type) {
	case *ast.ExpressionStatement:
		c.expression(n.Expression)
		c.emitOp(bytecode.OpPop, n.Line())
	case *ast.PrintStatement:
		c.expression(n.Expression)
		c.emitOp(bytecode.OpPrint, n.Line())
	case *ast.VarStatement:
		c.varStatement(n)
	case *ast.Block:
		c.beginScope()
		for _, stmt := range n.Statements {
			c.statement(stmt)
		}
		c.endScope(n.Line())
	case *ast.IfStatement:
		c.ifStatement(n)
	case *ast.WhileStatement:
		c.whileStatement(n)
	case *ast.FunctionStatement:
		c.functionStatement(n)
	case *ast.ReturnStatement:
		c.returnStatement(n)
	case *ast.ClassStatement:
		c.classStatement(n)
	default:
		c.errorf(s.Line(), "unsupported statement %T", s)
	}
}

func (c *Compiler) varStatement(n *ast.VarStatement) {
	if n.Initializer != nil {
		c.expression(n.Initializer)
	} else {
		c.emitOp(bytecode.OpNil, n.Line())
	}

	if c.current.scopeDepth > 0 {
		c.declareLocal(n.Name, n.Line())
		c.markInitialized()
		return
	}
	idx := c.identifierConstant(n.Name, n.Line())
	c.emitOp(bytecode.OpDefineGlobal, n.Line())
	c.emit(idx, n.Line())
}

func (c *Compiler) ifStatement(n *ast.IfStatement) {
	c.expression(n.Condition)
	thenJump := c.emitJump(bytecode.OpJumpIfFalse, n.Line())
	c.emitOp(bytecode.OpPop, n.Line())
	c.statement(n.Then)
	elseJump := c.emitJump(bytecode.OpJump, n.Line())
	c.patchJump(thenJump, n.Line())
	c.emitOp(bytecode.OpPop, n.Line())
	if n.Else != nil {
		c.statement(n.Else)
	}
	c.patchJump(elseJump, n.Line())
}

func (c *Compiler) whileStatement(n *ast.WhileStatement) {
	loopStart := len(c.chunk().Code)
	c.expression(n.Condition)
	exitJump := c.emitJump(bytecode.OpJumpIfFalse, n.Line())
	c.emitOp(bytecode.OpPop, n.Line())
	c.statement(n.Body)
	c.emitLoop(loopStart, n.Line())
	c.patchJump(exitJump, n.Line())
	c.emitOp(bytecode.OpPop, n.Line())
}

func (c *Compiler) functionStatement(n *ast.FunctionStatement) {
	if c.current.scopeDepth > 0 {
		c.declareLocal(n.Name, n.Line())
		c.markInitialized()
	}
	fnIndex := c.compileFunction(n, typeFunction)
	c.emitClosure(fnIndex, n.Line())

	if c.current.scopeDepth == 0 {
		idx := c.identifierConstant(n.Name, n.Line())
		c.emitOp(bytecode.OpDefineGlobal, n.Line())
		c.emit(idx, n.Line())
	}
}

// compileFunction compiles n's parameter list and body in a fresh function
// scope and returns its index in the table. It does not emit the
// OP_CLOSURE/upvalue-operand sequence; callers do that once the function's
// own upvalue list is known.
func (c *Compiler) compileFunction(n *ast.FunctionStatement, kind functionType) int {
	c.current = newFuncScope(c.current, n.Name, kind)
	c.current.fn.Arity = len(n.Params)
	c.beginScope()
	for _, p := range n.Params {
		c.declareLocal(p, n.Line())
		c.markInitialized()
	}
	for _, stmt := range n.Body {
		c.statement(stmt)
	}
	upvalues := c.current.upvalues
	fn := c.current.fn
	fn.UpvalueCount = len(upvalues)
	fn.UpvalueInfo = make([]bytecode.UpvalueInfo, len(upvalues))
	for i, uv := range upvalues {
		fn.UpvalueInfo[i] = bytecode.UpvalueInfo{IsLocal: uv.isLocal, Index: uv.index}
	}
	if kind == typeInitializer {
		// An initializer with no explicit `return;` still returns `this`
		// instead of the nil every other function's implicit tail returns.
		c.emitOp(bytecode.OpGetLocal, n.Line())
		c.emit(0, n.Line())
		c.emitOp(bytecode.OpReturn, n.Line())
	} else {
		c.emitOp(bytecode.OpNil, n.Line())
		c.emitOp(bytecode.OpReturn, n.Line())
	}
	idx := c.table.Add(*fn)
	c.current = c.current.enclosing
	return idx
}

// emitClosure writes OP_CLOSURE with the function's constant-pool index
// followed by one is_local/index operand pair per captured upvalue. The
// pairs are read back from Function.UpvalueInfo, which compileFunction
// filled in when the nested scope closed.
func (c *Compiler) emitClosure(fnIndex int, line int) {
	idx, err := c.chunk().AddConstant(bytecode.FunctionConstant(fnIndex))
	if err != nil {
		c.errorf(line, "%s", err)
		return
	}
	c.emitOp(bytecode.OpClosure, line)
	c.emit(byte(idx), line)

	fn := c.table.Functions[fnIndex]
	for _, uv := range fn.UpvalueInfo {
		if uv.IsLocal {
			c.emit(1, line)
		} else {
			c.emit(0, line)
		}
		c.emit(uv.Index, line)
	}
}

func (c *Compiler) returnStatement(n *ast.ReturnStatement) {
	if c.current.kind == typeScript {
		c.errorf(n.Line(), "cannot return from top-level code")
	}
	if n.Value == nil {
		if c.current.kind == typeInitializer {
			c.emitOp(bytecode.OpGetLocal, n.Line())
			c.emit(0, n.Line())
		} else {
			c.emitOp(bytecode.OpNil, n.Line())
		}
		c.emitOp(bytecode.OpReturn, n.Line())
		return
	}
	if c.current.kind == typeInitializer {
		c.errorf(n.Line(), "cannot return a value from an initializer")
	}
	c.expression(n.Value)
	c.emitOp(bytecode.OpReturn, n.Line())
}

func (c *Compiler) classStatement(n *ast.ClassStatement) {
	nameIdx := c.identifierConstant(n.Name, n.Line())
	if c.current.scopeDepth > 0 {
		c.declareLocal(n.Name, n.Line())
		c.markInitialized()
	}
	c.emitOp(bytecode.OpClass, n.Line())
	c.emit(nameIdx, n.Line())
	if c.current.scopeDepth == 0 {
		c.emitOp(bytecode.OpDefineGlobal, n.Line())
		c.emit(nameIdx, n.Line())
	}

	enclosingClass := c.class
	c.class = &classScope{enclosing: enclosingClass}

	if n.SuperClass != nil {
		if n.SuperClass.Name == n.Name {
			c.errorf(n.Line(), "a class cannot inherit from itself")
		}
		// Push the superclass value once and keep it on the stack as the
		// "super" local for every method body compiled below to close over
		// as an upvalue; OP_INHERIT only pops the subclass it's paired
		// with, leaving this slot in place.
		c.namedVariable(n.SuperClass.Name, n.SuperClass.Line(), false)
		c.beginScope()
		c.declareLocal("super", n.Line())
		c.markInitialized()

		c.namedVariable(n.Name, n.Line(), false)
		c.emitOp(bytecode.OpInherit, n.Line())
		c.class.hasSuperclass = true
	}

	c.namedVariable(n.Name, n.Line(), false)
	for _, method := range n.Methods {
		kind := typeMethod
		if method.Name == "init" {
			kind = typeInitializer
		}
		fnIndex := c.compileFunction(method, kind)
		c.emitClosure(fnIndex, method.Line())
		idx := c.identifierConstant(method.Name, method.Line())
		c.emitOp(bytecode.OpMethod, method.Line())
		c.emit(idx, method.Line())
	}
	c.emitOp(bytecode.OpPop, n.Line())

	if c.class.hasSuperclass {
		c.endScope(n.Line())
	}
	c.class = enclosingClass
}

// --- expressions ---

func (c *Compiler) expression(e ast.Expression) {
	switch n := e.(type) {
	case *ast.NumberLiteral:
		c.emitConstant(bytecode.NumberConstant(n.Value), n.Line())
	case *ast.StringLiteral:
		c.emitConstant(bytecode.StringConstant(n.Value), n.Line())
	case *ast.BoolLiteral:
		if n.Value {
			c.emitOp(bytecode.OpTrue, n.Line())
		} else {
			c.emitOp(bytecode.OpFalse, n.Line())
		}
	case *ast.NilLiteral:
		c.emitOp(bytecode.OpNil, n.Line())
	case *ast.Identifier:
		c.namedVariable(n.Name, n.Line(), false)
	case *ast.Assign:
		c.expression(n.Value)
		c.namedVariable(n.Name, n.Line(), true)
	case *ast.Unary:
		c.expression(n.Operand)
		switch n.Operator {
		case "-":
			c.emitOp(bytecode.OpNegate, n.Line())
		case "!":
			c.emitOp(bytecode.OpNot, n.Line())
		default:
			c.errorf(n.Line(), "unknown unary operator %q", n.Operator)
		}
	case *ast.Binary:
		c.binary(n)
	case *ast.Logical:
		c.logical(n)
	case *ast.Call:
		c.call(n)
	case *ast.GetProperty:
		c.expression(n.Object)
		idx := c.identifierConstant(n.Name, n.Line())
		c.emitOp(bytecode.OpGetProperty, n.Line())
		c.emit(idx, n.Line())
	case *ast.SetProperty:
		c.expression(n.Object)
		c.expression(n.Value)
		idx := c.identifierConstant(n.Name, n.Line())
		c.emitOp(bytecode.OpSetProperty, n.Line())
		c.emit(idx, n.Line())
	case *ast.This:
		if c.class == nil {
			c.errorf(n.Line(), "cannot use 'this' outside of a method")
		}
		c.namedVariable("this", n.Line(), false)
	case *ast.Super:
		c.super(n)
	default:
		c.errorf(e.Line(), "unsupported expression %T", e)
	}
}

func (c *Compiler) namedVariable(name string, line int, assign bool) {
	if slot := resolveLocal(c.current, name); slot != -1 {
		if assign {
			c.emitOp(bytecode.OpSetLocal, line)
		} else {
			c.emitOp(bytecode.OpGetLocal, line)
		}
		c.emit(byte(slot), line)
		return
	}
	if slot := resolveUpvalue(c.current, name); slot != -1 {
		if assign {
			c.emitOp(bytecode.OpSetUpvalue, line)
		} else {
			c.emitOp(bytecode.OpGetUpvalue, line)
		}
		c.emit(byte(slot), line)
		return
	}
	idx := c.identifierConstant(name, line)
	if assign {
		c.emitOp(bytecode.OpSetGlobal, line)
	} else {
		c.emitOp(bytecode.OpGetGlobal, line)
	}
	c.emit(idx, line)
}

func (c *Compiler) binary(n *ast.Binary) {
	c.expression(n.Left)
	c.expression(n.Right)
	line := n.Line()
	switch n.Operator {
	case "+":
		c.emitOp(bytecode.OpAdd, line)
	case "-":
		c.emitOp(bytecode.OpSubtract, line)
	case "*":
		c.emitOp(bytecode.OpMultiply, line)
	case "/":
		c.emitOp(bytecode.OpDivide, line)
	case "==":
		c.emitOp(bytecode.OpEqual, line)
	case "!=":
		c.emitOp(bytecode.OpEqual, line)
		c.emitOp(bytecode.OpNot, line)
	case ">":
		c.emitOp(bytecode.OpGreater, line)
	case ">=":
		c.emitOp(bytecode.OpLess, line)
		c.emitOp(bytecode.OpNot, line)
	case "<":
		c.emitOp(bytecode.OpLess, line)
	case "<=":
		c.emitOp(bytecode.OpGreater, line)
		c.emitOp(bytecode.OpNot, line)
	default:
		c.errorf(line, "unknown binary operator %q", n.Operator)
	}
}

func (c *Compiler) logical(n *ast.Logical) {
	line := n.Line()
	c.expression(n.Left)
	if n.Operator == "and" {
		endJump := c.emitJump(bytecode.OpJumpIfFalse, line)
		c.emitOp(bytecode.OpPop, line)
		c.expression(n.Right)
		c.patchJump(endJump, line)
		return
	}
	// or: if the left side is truthy, short-circuit past the right side.
	elseJump := c.emitJump(bytecode.OpJumpIfFalse, line)
	endJump := c.emitJump(bytecode.OpJump, line)
	c.patchJump(elseJump, line)
	c.emitOp(bytecode.OpPop, line)
	c.expression(n.Right)
	c.patchJump(endJump, line)
}

func (c *Compiler) call(n *ast.Call) {
	line := n.Line()
	if get, ok := n.Callee.(*ast.GetProperty); ok {
		c.expression(get.Object)
		for _, arg := range n.Args {
			c.expression(arg)
		}
		idx := c.identifierConstant(get.Name, line)
		c.emitOp(bytecode.OpInvoke, line)
		c.emit(idx, line)
		c.emit(byte(len(n.Args)), line)
		return
	}
	if sup, ok := n.Callee.(*ast.Super); ok {
		if c.class == nil || !c.class.hasSuperclass {
			c.errorf(line, "cannot use 'super' outside of a subclass method")
		}
		c.namedVariable("this", line, false)
		for _, arg := range n.Args {
			c.expression(arg)
		}
		c.namedVariable("super", line, false)
		idx := c.identifierConstant(sup.Method, line)
		c.emitOp(bytecode.OpSuperInvoke, line)
		c.emit(idx, line)
		c.emit(byte(len(n.Args)), line)
		return
	}
	c.expression(n.Callee)
	for _, arg := range n.Args {
		c.expression(arg)
	}
	if len(n.Args) > 255 {
		c.errorf(line, "cannot pass more than 255 arguments")
	}
	c.emitOp(bytecode.OpCall, line)
	c.emit(byte(len(n.Args)), line)
}

func (c *Compiler) super(n *ast.Super) {
	if c.class == nil {
		c.errorf(n.Line(), "cannot use 'super' outside of a class")
	} else if !c.class.hasSuperclass {
		c.errorf(n.Line(), "cannot use 'super' in a class with no superclass")
	}
	c.namedVariable("this", n.Line(), false)
	c.namedVariable("super", n.Line(), false)
	idx := c.identifierConstant(n.Method, n.Line())
	c.emitOp(bytecode.OpGetSuper, n.Line())
	c.emit(idx, n.Line())
}
