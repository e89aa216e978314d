package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/loxvm/internal/compiler"
	"github.com/kristofer/loxvm/internal/parser"
)

// interpret compiles and runs source on a fresh interpreter, returning
// whatever it printed and the interpreter's error, if any. Parse and
// compile diagnostics fail the test: every source string here is expected
// to be well-formed.
func interpret(t *testing.T, source string) (string, error) {
	t.Helper()
	p := parser.New(source)
	program := p.Parse()
	require.Empty(t, p.Errors(), "parse errors in test source")

	c := compiler.New()
	table := c.Compile(program)
	require.Empty(t, c.Errors(), "compile errors in test source")

	var out bytes.Buffer
	interp := New(table, &out)
	err := interp.Interpret(c.ScriptIndex())
	return out.String(), err
}

func TestArithmetic(t *testing.T) {
	out, err := interpret(t, `print 1 + 2;`)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestStringConcatenation(t *testing.T) {
	out, err := interpret(t, `
		var a = "Hello, ";
		var b = "world";
		print a + b;
	`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world\n", out)
}

func TestClosuresCaptureAndRetainState(t *testing.T) {
	out, err := interpret(t, `
		fun makeCounter() {
			var i = 0;
			fun count() {
				i = i + 1;
				print i;
			}
			return count;
		}
		var c = makeCounter();
		c();
		c();
		c();
	`)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", out)
}

func TestTwoClosuresShareOneUpvalue(t *testing.T) {
	out, err := interpret(t, `
		fun makePair() {
			var shared = 0;
			fun inc() { shared = shared + 1; }
			fun get() { print shared; }
			inc();
			inc();
			get();
		}
		makePair();
	`)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestInheritanceAndSuperDispatch(t *testing.T) {
	out, err := interpret(t, `
		class A {
			f(x) { print x; }
		}
		class B < A {
			f(x) {
				super.f(x);
				print x + 1;
			}
		}
		var b = B();
		b.f(10);
	`)
	require.NoError(t, err)
	assert.Equal(t, "10\n11\n", out)
}

func TestInheritSnapshotsMethodTable(t *testing.T) {
	// Methods live on a per-class table cloned at inheritance, so an
	// un-overridden method is found directly on the subclass.
	out, err := interpret(t, `
		class Base {
			greet() { print "hi"; }
		}
		class Derived < Base {}
		Derived().greet();
	`)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
}

func TestInitializerRunsOnConstruction(t *testing.T) {
	out, err := interpret(t, `
		class Point {
			init(x, y) {
				this.x = x;
				this.y = y;
			}
			sum() { print this.x + this.y; }
		}
		Point(3, 4).sum();
	`)
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestConstructionWithoutInitRejectsArguments(t *testing.T) {
	_, err := interpret(t, `
		class Empty {}
		Empty(1);
	`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "expected 0 arguments but got 1")
}

func TestGarbageCollectionPreservesRetainedObjects(t *testing.T) {
	// Enough temporary instances to cross the initial collection threshold
	// several times over; the retained object must come through unchanged.
	out, err := interpret(t, `
		class Box {
			init(v) { this.v = v; }
		}
		var keep = Box("kept");
		var i = 0;
		while (i < 40000) {
			var tmp = Box("temporary");
			i = i + 1;
		}
		print keep.v;
	`)
	require.NoError(t, err)
	assert.Equal(t, "kept\n", out)
}

func TestGarbageCollectionPreservesClosedUpvalues(t *testing.T) {
	out, err := interpret(t, `
		fun capture(v) {
			fun get() { print v; }
			return get;
		}
		var g = capture("still here");
		class Box { init(v) { this.v = v; } }
		var i = 0;
		while (i < 40000) {
			var tmp = Box(i);
			i = i + 1;
		}
		g();
	`)
	require.NoError(t, err)
	assert.Equal(t, "still here\n", out)
}

func TestAddTypeMismatch(t *testing.T) {
	_, err := interpret(t, `print 1 + "x";`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "operands must be two numbers or two strings")
}

func TestArithmeticRequiresNumbers(t *testing.T) {
	for _, src := range []string{
		`print nil - 1;`,
		`print "a" * 2;`,
		`print true / false;`,
		`print -"negate me";`,
		`print 1 < "two";`,
	} {
		_, err := interpret(t, src)
		var rte *RuntimeError
		require.ErrorAs(t, err, &rte, "source: %s", src)
	}
}

func TestUndefinedGlobal(t *testing.T) {
	_, err := interpret(t, `print missing;`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "undefined variable 'missing'")
}

func TestAssignToUndefinedGlobalFails(t *testing.T) {
	_, err := interpret(t, `missing = 1;`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "undefined variable 'missing'")
}

func TestWrongArity(t *testing.T) {
	_, err := interpret(t, `
		fun two(a, b) { return a; }
		two(1);
	`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "expected 2 arguments but got 1")
}

func TestCallingANonCallable(t *testing.T) {
	_, err := interpret(t, `var x = 3; x();`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "can only call functions and classes")
}

func TestPropertyAccessOnNonInstance(t *testing.T) {
	_, err := interpret(t, `var x = 3; print x.field;`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "only instances have properties")
}

func TestCallStackOverflow(t *testing.T) {
	_, err := interpret(t, `
		fun f() { f(); }
		f();
	`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "stack overflow")
	assert.Len(t, rte.StackTrace, FramesMax, "trace covers every live frame")
}

func TestRuntimeErrorCarriesLineNumbers(t *testing.T) {
	_, err := interpret(t, `fun boom() {
	return 1 + nil;
}
boom();`)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	rendered := rte.Error()
	assert.Contains(t, rendered, "at boom, line 2")
	assert.Contains(t, rendered, "at script, line 4")
}

func TestControlFlow(t *testing.T) {
	out, err := interpret(t, `
		var i = 0;
		var total = 0;
		for (var j = 0; j < 5; j = j + 1) {
			total = total + j;
		}
		print total;
		if (total > 5) { print "big"; } else { print "small"; }
		while (i < 2) { i = i + 1; }
		print i;
	`)
	require.NoError(t, err)
	assert.Equal(t, "10\nbig\n2\n", out)
}

func TestLogicalOperatorsShortCircuit(t *testing.T) {
	out, err := interpret(t, `
		print true and "yes";
		print false and "never";
		print nil or "fallback";
		print "first" or "second";
	`)
	require.NoError(t, err)
	assert.Equal(t, "yes\nfalse\nfallback\nfirst\n", out)
}

func TestEqualitySemantics(t *testing.T) {
	out, err := interpret(t, `
		print 1 == 1;
		print "a" == "a";
		print "a" == "b";
		print nil == nil;
		print 1 == "1";
		print 1 != 2;
	`)
	require.NoError(t, err)
	assert.Equal(t, "true\ntrue\nfalse\ntrue\nfalse\ntrue\n", out)
}

func TestClockNativeIsCallable(t *testing.T) {
	out, err := interpret(t, `
		var before = clock();
		print before >= 0;
	`)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
}

func TestBoundMethodRemembersReceiver(t *testing.T) {
	out, err := interpret(t, `
		class Greeter {
			init(name) { this.name = name; }
			greet() { print "hello " + this.name; }
		}
		var m = Greeter("ada").greet;
		m();
	`)
	require.NoError(t, err)
	assert.Equal(t, "hello ada\n", out)
}

func TestFieldsShadowMethods(t *testing.T) {
	out, err := interpret(t, `
		class Thing {
			describe() { print "method"; }
		}
		var t = Thing();
		fun replacement() { print "field"; }
		t.describe = replacement;
		t.describe();
	`)
	require.NoError(t, err)
	assert.Equal(t, "field\n", out)
}

func TestInterpretTwiceOnOneInterpreter(t *testing.T) {
	// The REPL path: a second script compiled into the same table runs on
	// the same interpreter with globals intact.
	c := compiler.New()
	p := parser.New(`var greeting = "hello";`)
	table := c.Compile(p.Parse())
	require.Empty(t, c.Errors())

	var out bytes.Buffer
	interp := New(table, &out)
	require.NoError(t, interp.Interpret(c.ScriptIndex()))

	c2 := compiler.NewAppending(interp.Functions)
	p2 := parser.New(`print greeting + ", again";`)
	interp.Functions = c2.Compile(p2.Parse())
	require.Empty(t, c2.Errors())
	require.NoError(t, interp.Interpret(c2.ScriptIndex()))

	assert.Equal(t, "hello, again\n", out.String())
}

func TestRuntimeErrorDoesNotPoisonNextRun(t *testing.T) {
	c := compiler.New()
	p := parser.New(`var ok = "fine"; print 1 + nil;`)
	table := c.Compile(p.Parse())
	require.Empty(t, c.Errors())

	var out bytes.Buffer
	interp := New(table, &out)
	require.Error(t, interp.Interpret(c.ScriptIndex()))

	c2 := compiler.NewAppending(interp.Functions)
	p2 := parser.New(`print ok;`)
	interp.Functions = c2.Compile(p2.Parse())
	require.Empty(t, c2.Errors())
	require.NoError(t, interp.Interpret(c2.ScriptIndex()))
	assert.True(t, strings.HasSuffix(out.String(), "fine\n"))
}

func TestNumberPrinting(t *testing.T) {
	out, err := interpret(t, `
		print 3;
		print 3.5;
		print 0 - 2.5;
		print 100000000;
	`)
	require.NoError(t, err)
	assert.Equal(t, "3\n3.5\n-2.5\n1e+08\n", out)
}
