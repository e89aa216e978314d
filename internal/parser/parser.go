// Package parser turns a token stream into an *ast.Program.
//
// A Parser struct holds the token stream and a current/previous pair,
// does recursive-descent statement parsing, and accumulates (rather than
// aborting on the first) diagnostics. Expression parsing uses a small
// Pratt table to handle operator precedence and associativity.
package parser

import (
	"fmt"
	"strconv"

	"github.com/kristofer/loxvm/internal/ast"
	"github.com/kristofer/loxvm/internal/lexer"
)

// Parser consumes tokens from a Scanner and builds an AST, accumulating
// every syntax error it finds rather than stopping at the first one.
type Parser struct {
	scanner *lexer.Scanner
	current lexer.Token
	prev    lexer.Token
	errors  []error
}

// New creates a Parser over the tokens source produces.
func New(source string) *Parser {
	p := &Parser{scanner: lexer.New(source)}
	p.advance()
	return p
}

// Errors returns every syntax error accumulated during Parse.
func (p *Parser) Errors() []error { return p.errors }

func (p *Parser) advance() {
	p.prev = p.current
	for {
		p.current = p.scanner.Next()
		if p.current.Type != lexer.TokenIllegal {
			break
		}
		p.errorAt(p.current, p.current.Literal)
	}
}

func (p *Parser) check(t lexer.TokenType) bool { return p.current.Type == t }

func (p *Parser) match(t lexer.TokenType) bool {
	if !p.check(t) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(t lexer.TokenType, message string) lexer.Token {
	if p.check(t) {
		tok := p.current
		p.advance()
		return tok
	}
	p.errorAt(p.current, message)
	return p.current
}

func (p *Parser) errorAt(tok lexer.Token, message string) {
	p.errors = append(p.errors, fmt.Errorf("[line %d:%d] %s", tok.Line, tok.Column, message))
}

// Parse consumes the entire token stream and returns the resulting AST.
// Errors() reports every problem found; Parse still returns a best-effort
// tree so that, e.g., a REPL can show diagnostics without losing context.
func (p *Parser) Parse() *ast.Program {
	program := &ast.Program{}
	for !p.check(lexer.TokenEOF) {
		program.Statements = append(program.Statements, p.declaration())
	}
	return program
}

// --- statements ---

func (p *Parser) declaration() ast.Statement {
	switch {
	case p.match(lexer.TokenClass):
		return p.classDeclaration()
	case p.match(lexer.TokenFun):
		return p.function("function")
	case p.match(lexer.TokenVar):
		return p.varDeclaration()
	default:
		return p.statement()
	}
}

func (p *Parser) classDeclaration() ast.Statement {
	line := p.prev.Line
	name := p.consume(lexer.TokenIdentifier, "expected class name").Literal

	var super *ast.Identifier
	if p.match(lexer.TokenLess) {
		superName := p.consume(lexer.TokenIdentifier, "expected superclass name")
		super = &ast.Identifier{Base: ast.NewBase(superName.Line), Name: superName.Literal}
	}

	p.consume(lexer.TokenLeftBrace, "expected '{' before class body")
	var methods []*ast.FunctionStatement
	for !p.check(lexer.TokenRightBrace) && !p.check(lexer.TokenEOF) {
		methods = append(methods, p.function("method"))
	}
	p.consume(lexer.TokenRightBrace, "expected '}' after class body")

	return &ast.ClassStatement{Base: ast.NewBase(line), Name: name, SuperClass: super, Methods: methods}
}

func (p *Parser) function(kind string) *ast.FunctionStatement {
	line := p.current.Line
	name := p.consume(lexer.TokenIdentifier, "expected "+kind+" name").Literal
	p.consume(lexer.TokenLeftParen, "expected '(' after "+kind+" name")
	var params []string
	if !p.check(lexer.TokenRightParen) {
		for {
			params = append(params, p.consume(lexer.TokenIdentifier, "expected parameter name").Literal)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRightParen, "expected ')' after parameters")
	p.consume(lexer.TokenLeftBrace, "expected '{' before "+kind+" body")
	body := p.block()
	return &ast.FunctionStatement{Base: ast.NewBase(line), Name: name, Params: params, Body: body}
}

func (p *Parser) varDeclaration() ast.Statement {
	line := p.prev.Line
	name := p.consume(lexer.TokenIdentifier, "expected variable name").Literal
	var init ast.Expression
	if p.match(lexer.TokenEqual) {
		init = p.expression()
	}
	p.consume(lexer.TokenSemicolon, "expected ';' after variable declaration")
	return &ast.VarStatement{Base: ast.NewBase(line), Name: name, Initializer: init}
}

func (p *Parser) statement() ast.Statement {
	switch {
	case p.match(lexer.TokenPrint):
		return p.printStatement()
	case p.match(lexer.TokenIf):
		return p.ifStatement()
	case p.match(lexer.TokenWhile):
		return p.whileStatement()
	case p.match(lexer.TokenFor):
		return p.forStatement()
	case p.match(lexer.TokenReturn):
		return p.returnStatement()
	case p.match(lexer.TokenLeftBrace):
		line := p.prev.Line
		return &ast.Block{Base: ast.NewBase(line), Statements: p.block()}
	default:
		return p.expressionStatement()
	}
}

func (p *Parser) block() []ast.Statement {
	var statements []ast.Statement
	for !p.check(lexer.TokenRightBrace) && !p.check(lexer.TokenEOF) {
		statements = append(statements, p.declaration())
	}
	p.consume(lexer.TokenRightBrace, "expected '}' after block")
	return statements
}

func (p *Parser) printStatement() ast.Statement {
	line := p.prev.Line
	value := p.expression()
	p.consume(lexer.TokenSemicolon, "expected ';' after value")
	return &ast.PrintStatement{Base: ast.NewBase(line), Expression: value}
}

func (p *Parser) ifStatement() ast.Statement {
	line := p.prev.Line
	p.consume(lexer.TokenLeftParen, "expected '(' after 'if'")
	cond := p.expression()
	p.consume(lexer.TokenRightParen, "expected ')' after condition")
	thenBranch := p.statement()
	var elseBranch ast.Statement
	if p.match(lexer.TokenElse) {
		elseBranch = p.statement()
	}
	return &ast.IfStatement{Base: ast.NewBase(line), Condition: cond, Then: thenBranch, Else: elseBranch}
}

func (p *Parser) whileStatement() ast.Statement {
	line := p.prev.Line
	p.consume(lexer.TokenLeftParen, "expected '(' after 'while'")
	cond := p.expression()
	p.consume(lexer.TokenRightParen, "expected ')' after condition")
	body := p.statement()
	return &ast.WhileStatement{Base: ast.NewBase(line), Condition: cond, Body: body}
}

// forStatement desugars directly into ast.WhileStatement/ast.Block at parse
// time rather than carrying a dedicated opcode for `for` loops.
func (p *Parser) forStatement() ast.Statement {
	line := p.prev.Line
	p.consume(lexer.TokenLeftParen, "expected '(' after 'for'")

	var initializer ast.Statement
	switch {
	case p.match(lexer.TokenSemicolon):
		initializer = nil
	case p.match(lexer.TokenVar):
		initializer = p.varDeclaration()
	default:
		initializer = p.expressionStatement()
	}

	var condition ast.Expression
	if !p.check(lexer.TokenSemicolon) {
		condition = p.expression()
	}
	p.consume(lexer.TokenSemicolon, "expected ';' after loop condition")

	var increment ast.Expression
	if !p.check(lexer.TokenRightParen) {
		increment = p.expression()
	}
	p.consume(lexer.TokenRightParen, "expected ')' after for clauses")

	body := p.statement()

	if increment != nil {
		body = &ast.Block{Base: ast.NewBase(line), Statements: []ast.Statement{
			body,
			&ast.ExpressionStatement{Base: ast.NewBase(line), Expression: increment},
		}}
	}
	if condition == nil {
		condition = &ast.BoolLiteral{Base: ast.NewBase(line), Value: true}
	}
	body = &ast.WhileStatement{Base: ast.NewBase(line), Condition: condition, Body: body}
	if initializer != nil {
		body = &ast.Block{Base: ast.NewBase(line), Statements: []ast.Statement{initializer, body}}
	}
	return body
}

func (p *Parser) returnStatement() ast.Statement {
	line := p.prev.Line
	var value ast.Expression
	if !p.check(lexer.TokenSemicolon) {
		value = p.expression()
	}
	p.consume(lexer.TokenSemicolon, "expected ';' after return value")
	return &ast.ReturnStatement{Base: ast.NewBase(line), Value: value}
}

func (p *Parser) expressionStatement() ast.Statement {
	line := p.current.Line
	expr := p.expression()
	p.consume(lexer.TokenSemicolon, "expected ';' after expression")
	return &ast.ExpressionStatement{Base: ast.NewBase(line), Expression: expr}
}

// --- expressions: precedence-climbing Pratt parser ---

type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // . ()
)

func (p *Parser) expression() ast.Expression {
	return p.parsePrecedence(precAssignment)
}

func binaryPrecedence(t lexer.TokenType) precedence {
	switch t {
	case lexer.TokenOr:
		return precOr
	case lexer.TokenAnd:
		return precAnd
	case lexer.TokenEqualEqual, lexer.TokenBangEqual:
		return precEquality
	case lexer.TokenLess, lexer.TokenLessEqual, lexer.TokenGreater, lexer.TokenGreaterEqual:
		return precComparison
	case lexer.TokenPlus, lexer.TokenMinus:
		return precTerm
	case lexer.TokenStar, lexer.TokenSlash:
		return precFactor
	case lexer.TokenLeftParen, lexer.TokenDot:
		return precCall
	default:
		return precNone
	}
}

func (p *Parser) parsePrecedence(min precedence) ast.Expression {
	left := p.unaryOrPrimary()

	for {
		prec := binaryPrecedence(p.current.Type)
		if prec < min || prec == precNone {
			break
		}
		op := p.current
		p.advance()

		switch op.Type {
		case lexer.TokenLeftParen:
			left = p.finishCall(left, op.Line)
		case lexer.TokenDot:
			name := p.consume(lexer.TokenIdentifier, "expected property name after '.'")
			if p.match(lexer.TokenEqual) {
				value := p.parsePrecedence(precAssignment)
				left = &ast.SetProperty{Base: ast.NewBase(op.Line), Object: left, Name: name.Literal, Value: value}
			} else {
				left = &ast.GetProperty{Base: ast.NewBase(op.Line), Object: left, Name: name.Literal}
			}
		case lexer.TokenAnd:
			right := p.parsePrecedence(prec + 1)
			left = &ast.Logical{Base: ast.NewBase(op.Line), Left: left, Operator: "and", Right: right}
		case lexer.TokenOr:
			right := p.parsePrecedence(prec + 1)
			left = &ast.Logical{Base: ast.NewBase(op.Line), Left: left, Operator: "or", Right: right}
		default:
			right := p.parsePrecedence(prec + 1)
			left = &ast.Binary{Base: ast.NewBase(op.Line), Left: left, Operator: op.Literal, Right: right}
		}
	}

	if min <= precAssignment && p.check(lexer.TokenEqual) {
		if id, ok := left.(*ast.Identifier); ok {
			p.advance()
			value := p.parsePrecedence(precAssignment)
			return &ast.Assign{Base: ast.NewBase(id.Line()), Name: id.Name, Value: value}
		}
	}

	return left
}

func (p *Parser) finishCall(callee ast.Expression, line int) ast.Expression {
	var args []ast.Expression
	if !p.check(lexer.TokenRightParen) {
		for {
			args = append(args, p.parsePrecedence(precAssignment))
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRightParen, "expected ')' after arguments")
	return &ast.Call{Base: ast.NewBase(line), Callee: callee, Args: args}
}

func (p *Parser) unaryOrPrimary() ast.Expression {
	switch {
	case p.match(lexer.TokenBang), p.match(lexer.TokenMinus):
		op := p.prev
		operand := p.parsePrecedence(precUnary)
		return &ast.Unary{Base: ast.NewBase(op.Line), Operator: op.Literal, Operand: operand}
	default:
		return p.primary()
	}
}

func (p *Parser) primary() ast.Expression {
	tok := p.current
	switch {
	case p.match(lexer.TokenFalse):
		return &ast.BoolLiteral{Base: ast.NewBase(tok.Line), Value: false}
	case p.match(lexer.TokenTrue):
		return &ast.BoolLiteral{Base: ast.NewBase(tok.Line), Value: true}
	case p.match(lexer.TokenNil):
		return &ast.NilLiteral{Base: ast.NewBase(tok.Line)}
	case p.match(lexer.TokenNumber):
		n, _ := strconv.ParseFloat(tok.Literal, 64)
		return &ast.NumberLiteral{Base: ast.NewBase(tok.Line), Value: n}
	case p.match(lexer.TokenString):
		return &ast.StringLiteral{Base: ast.NewBase(tok.Line), Value: tok.Literal}
	case p.match(lexer.TokenThis):
		return &ast.This{Base: ast.NewBase(tok.Line)}
	case p.match(lexer.TokenSuper):
		p.consume(lexer.TokenDot, "expected '.' after 'super'")
		method := p.consume(lexer.TokenIdentifier, "expected superclass method name")
		return &ast.Super{Base: ast.NewBase(tok.Line), Method: method.Literal}
	case p.match(lexer.TokenIdentifier):
		return &ast.Identifier{Base: ast.NewBase(tok.Line), Name: tok.Literal}
	case p.match(lexer.TokenLeftParen):
		expr := p.expression()
		p.consume(lexer.TokenRightParen, "expected ')' after expression")
		return expr
	default:
		p.errorAt(tok, fmt.Sprintf("unexpected token %s", tok.Type))
		p.advance()
		return &ast.NilLiteral{Base: ast.NewBase(tok.Line)}
	}
}
