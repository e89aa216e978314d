package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/urfave/cli/v2"

	"github.com/kristofer/loxvm/internal/bytecode"
	"github.com/kristofer/loxvm/internal/compiler"
	"github.com/kristofer/loxvm/internal/disasm"
	"github.com/kristofer/loxvm/internal/parser"
	"github.com/kristofer/loxvm/internal/vm"
)

const version = "0.1.0"

// Exit codes follow the BSD sysexits convention the runtime's contract
// names: 64 for a usage mistake, 70 for a compile or runtime failure.
const (
	exitUsage    = 64
	exitSoftware = 70
)

var (
	errColor    = color.New(color.FgRed)
	promptColor = color.New(color.FgGreen)
)

func main() {
	app := &cli.App{
		Name:    "loxvm",
		Usage:   "a bytecode VM for a small class-based scripting language",
		Version: version,
		// Bare `loxvm` starts the REPL; `loxvm script.lox` runs the file.
		Action: func(ctx *cli.Context) error {
			switch ctx.NArg() {
			case 0:
				return runREPL()
			case 1:
				return runFile(ctx.Args().First())
			default:
				return cli.Exit("usage: loxvm [file]", exitUsage)
			}
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "compile and run a source file",
				ArgsUsage: "<file>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return cli.Exit("usage: loxvm run <file>", exitUsage)
					}
					return runFile(ctx.Args().First())
				},
			},
			{
				Name:  "repl",
				Usage: "start an interactive session",
				Action: func(ctx *cli.Context) error {
					return runREPL()
				},
			},
			{
				Name:      "disasm",
				Usage:     "compile a source file and print its bytecode",
				ArgsUsage: "<file>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return cli.Exit("usage: loxvm disasm <file>", exitUsage)
					}
					return disasmFile(ctx.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			errColor.Fprintln(os.Stderr, err)
			os.Exit(exitSoftware)
		}
		os.Exit(exitErr.ExitCode())
	}
}

func runFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loxvm: %v", err), exitUsage)
	}

	comp := compiler.New()
	table, compileErrs := compileSource(comp, string(data))
	if len(compileErrs) > 0 {
		for _, e := range compileErrs {
			errColor.Fprintln(os.Stderr, e)
		}
		return cli.Exit("", exitSoftware)
	}

	interp := vm.New(table, os.Stdout)
	if err := interp.Interpret(comp.ScriptIndex()); err != nil {
		errColor.Fprintln(os.Stderr, err)
		return cli.Exit("", exitSoftware)
	}
	return nil
}

func disasmFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loxvm: %v", err), exitUsage)
	}
	comp := compiler.New()
	table, compileErrs := compileSource(comp, string(data))
	if len(compileErrs) > 0 {
		for _, e := range compileErrs {
			errColor.Fprintln(os.Stderr, e)
		}
		return cli.Exit("", exitSoftware)
	}
	fmt.Print(disasm.Table(table))
	return nil
}

// compileSource parses and compiles one source string through comp,
// returning the function table plus every parse/compile diagnostic.
func compileSource(comp *compiler.Compiler, source string) (*bytecode.FunctionTable, []error) {
	p := parser.New(source)
	program := p.Parse()
	errs := append([]error(nil), p.Errors()...)

	table := comp.Compile(program)
	errs = append(errs, comp.Errors()...)
	return table, errs
}

func runREPL() error {
	fmt.Printf("loxvm %s (:quit to exit)\n", version)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".loxvm_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	// One interpreter for the whole session: globals, interned strings and
	// compiled functions persist across inputs. Each input is compiled by a
	// fresh Compiler appending to the session's function table, so earlier
	// turns' function indices stay valid.
	interp := vm.New(&bytecode.FunctionTable{}, os.Stdout)

	var buffer strings.Builder
	for {
		prompt := promptColor.Sprint("lox> ")
		if buffer.Len() > 0 {
			prompt = promptColor.Sprint("...> ")
		}

		input, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			buffer.Reset()
			continue
		}
		if err != nil {
			fmt.Println()
			return nil
		}

		if buffer.Len() == 0 {
			switch strings.TrimSpace(input) {
			case ":quit", ":exit":
				return nil
			case "":
				continue
			}
		}

		buffer.WriteString(input)
		buffer.WriteString("\n")

		// Keep reading while braces are unbalanced, so multi-line function
		// and class bodies can be typed naturally.
		src := buffer.String()
		if braceDepth(src) > 0 {
			continue
		}
		buffer.Reset()
		line.AppendHistory(strings.TrimSpace(src))

		evalLine(interp, src)
	}
}

// evalLine compiles and runs one REPL input against the persistent
// interpreter. Compile and runtime errors are printed and the session
// continues; fatal internal errors are raised as *vm.FatalError panics
// inside the runtime, so they unwind straight through this loop and abort
// the process (liner's deferred Close still restores the terminal).
func evalLine(interp *vm.Interpreter, source string) {
	comp := compiler.NewAppending(interp.Functions)
	table, errs := compileSource(comp, source)
	if len(errs) > 0 {
		for _, e := range errs {
			errColor.Fprintln(os.Stderr, e)
		}
		return
	}

	interp.Functions = table
	if err := interp.Interpret(comp.ScriptIndex()); err != nil {
		errColor.Fprintln(os.Stderr, err)
	}
}

// braceDepth counts unclosed '{' outside string literals; the REPL uses it
// to decide whether an input is complete.
func braceDepth(src string) int {
	depth := 0
	inString := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case inString:
			if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		}
	}
	return depth
}
