// Package disasm renders a compiled bytecode.FunctionTable as human-readable
// text: one section per function, each instruction with its decoded operand
// and the constant or jump target it refers to where that's useful context.
package disasm

import (
	"fmt"
	"strings"

	"github.com/kristofer/loxvm/internal/bytecode"
)

// Table renders every function in t, in table order.
func Table(t *bytecode.FunctionTable) string {
	var b strings.Builder
	for idx, fn := range t.Functions {
		if idx > 0 {
			b.WriteString("\n")
		}
		Function(&b, t, idx, &fn)
	}
	return b.String()
}

// Function renders one function's constant pool and instruction stream.
func Function(b *strings.Builder, t *bytecode.FunctionTable, index int, fn *bytecode.Function) {
	name := fn.Name
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(b, "== [%d] %s (arity %d, %d upvalues) ==\n", index, name, fn.Arity, fn.UpvalueCount)

	if len(fn.Chunk.Constants) == 0 {
		b.WriteString("constants: (none)\n")
	} else {
		b.WriteString("constants:\n")
		for i, c := range fn.Chunk.Constants {
			fmt.Fprintf(b, "  [%d] %s\n", i, formatConstant(c))
		}
	}

	b.WriteString("code:\n")
	code := fn.Chunk.Code
	for offset := 0; offset < len(code); {
		offset = instruction(b, t, fn, code, offset)
	}
}

func formatConstant(c bytecode.Value) string {
	switch c.Kind {
	case bytecode.ConstantNumber:
		return fmt.Sprintf("number %g", c.Num)
	case bytecode.ConstantString:
		return fmt.Sprintf("string %q", c.Str)
	case bytecode.ConstantFunction:
		return fmt.Sprintf("function #%d", c.FunctionIndex)
	default:
		return "?"
	}
}

// instruction decodes the instruction at code[offset] and appends its
// disassembly to b, returning the offset of the next instruction.
func instruction(b *strings.Builder, t *bytecode.FunctionTable, fn *bytecode.Function, code []byte, offset int) int {
	op := bytecode.OpCode(code[offset])
	line := fn.Chunk.LineAt(offset)
	fmt.Fprintf(b, "  %04d line %-4d %s", offset, line, op)

	switch op {
	case bytecode.OpConstant, bytecode.OpGetGlobal, bytecode.OpDefineGlobal, bytecode.OpSetGlobal,
		bytecode.OpGetProperty, bytecode.OpSetProperty, bytecode.OpGetSuper, bytecode.OpClass, bytecode.OpMethod:
		idx := code[offset+1]
		fmt.Fprintf(b, " %d", idx)
		if int(idx) < len(fn.Chunk.Constants) {
			fmt.Fprintf(b, " (%s)", formatConstant(fn.Chunk.Constants[idx]))
		}
		b.WriteString("\n")
		return offset + 2

	case bytecode.OpGetLocal, bytecode.OpSetLocal, bytecode.OpGetUpvalue, bytecode.OpSetUpvalue, bytecode.OpCall:
		fmt.Fprintf(b, " %d\n", code[offset+1])
		return offset + 2

	case bytecode.OpInvoke, bytecode.OpSuperInvoke:
		idx := code[offset+1]
		argCount := code[offset+2]
		fmt.Fprintf(b, " %d argc=%d", idx, argCount)
		if int(idx) < len(fn.Chunk.Constants) {
			fmt.Fprintf(b, " (%s)", formatConstant(fn.Chunk.Constants[idx]))
		}
		b.WriteString("\n")
		return offset + 3

	case bytecode.OpJump, bytecode.OpJumpIfFalse:
		jump := uint16(code[offset+1])<<8 | uint16(code[offset+2])
		fmt.Fprintf(b, " -> %04d\n", offset+3+int(jump))
		return offset + 3

	case bytecode.OpLoop:
		jump := uint16(code[offset+1])<<8 | uint16(code[offset+2])
		fmt.Fprintf(b, " -> %04d\n", offset+3-int(jump))
		return offset + 3

	case bytecode.OpClosure:
		idx := code[offset+1]
		b.WriteString("\n")
		next := offset + 2
		if int(idx) < len(fn.Chunk.Constants) {
			c := fn.Chunk.Constants[idx]
			fmt.Fprintf(b, "       %04d      | constant %d (%s)\n", offset, idx, formatConstant(c))
			if c.Kind == bytecode.ConstantFunction && c.FunctionIndex < len(t.Functions) {
				captured := t.Functions[c.FunctionIndex]
				for k := 0; k < captured.UpvalueCount; k++ {
					isLocal := code[next] != 0
					slot := code[next+1]
					kind := "upvalue"
					if isLocal {
						kind = "local"
					}
					fmt.Fprintf(b, "       %04d      | %s %d\n", next, kind, slot)
					next += 2
				}
			}
		}
		return next

	default:
		b.WriteString("\n")
		return offset + 1
	}
}
