package vm

import (
	"fmt"
	"strings"

	"github.com/kristofer/loxvm/internal/heap"
)

// StackFrame captures one call frame's position at the moment an error
// unwound past it, innermost first when reported.
type StackFrame struct {
	FunctionName string
	Line         int
}

// RuntimeError is a caller-visible runtime error: a type mismatch,
// undefined global, wrong arity, stack overflow, bad property access, or
// similar. It carries the full call stack at the point of failure so the
// CLI can print `at <function> line <n>` per frame.
type RuntimeError struct {
	Message    string
	StackTrace []StackFrame
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for i := len(e.StackTrace) - 1; i >= 0; i-- {
		frame := e.StackTrace[i]
		name := frame.FunctionName
		if name == "" {
			name = "script"
		}
		fmt.Fprintf(&b, "\n  at %s, line %d", name, frame.Line)
	}
	return b.String()
}

func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{Message: message, StackTrace: stack}
}

// CompileError reports a single syntax, scope, or arity-at-definition
// problem found by the compiler; errors are accumulated rather than
// aborting on the first one.
type CompileError struct {
	Line    int
	Column  int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("[line %d:%d] %s", e.Line, e.Column, e.Message)
}

// FatalError is heap.FatalError, re-exported so callers can name the whole
// error taxonomy through this package. Fatal internal errors (pool
// corruption, a string-pool generation overflow, an unrecognized opcode)
// are never returned: the code that detects one panics with a *FatalError,
// aborting the VM instead of unwinding like a RuntimeError.
type FatalError = heap.FatalError
