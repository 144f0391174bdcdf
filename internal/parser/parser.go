// Package parser implements a recursive-descent parser that turns a
// pseudocode token stream into a syntax tree. Diagnostics are
// accumulated rather than raised at the first error.
package parser

import (
	"fmt"
	"strconv"

	"pseudovm/internal/ast"
	"pseudovm/internal/token"
)

// builtinIndex is the fixed CALL_BUILTIN table spec.md §4.6 mandates.
var builtinIndex = map[string]int{
	"SUBSTRING":     0,
	"LENGTH":        1,
	"LCASE":         2,
	"UCASE":         3,
	"RANDOMBETWEEN": 4,
	"RND":           5,
	"INT":           6,
	"EOF":           7,
	"CHARAT":        8,
}

type Parser struct {
	file    string
	tokens  []token.Token
	current int
	errs    []error
}

func New(file string, tokens []token.Token) *Parser {
	return &Parser{file: file, tokens: tokens}
}

func (p *Parser) Errors() []error {
	return p.errs
}

// Parse parses a whole program: a sequence of top-level statements.
func (p *Parser) Parse() *ast.Block {
	block := &ast.Block{}
	for !p.check(token.EOF) {
		if stmt := p.declaration(); stmt != nil {
			block.Stmts = append(block.Stmts, stmt)
		} else {
			p.synchronize()
		}
	}
	return block
}

func (p *Parser) pos() ast.Pos {
	t := p.peek()
	return ast.Pos{Line: t.Line, Column: t.Column}
}

func (p *Parser) declaration() ast.Node {
	switch {
	case p.match(token.Declare):
		return p.declareStmt()
	case p.match(token.Constant):
		return p.constantStmt()
	case p.match(token.Procedure):
		return p.subroutineStmt(false)
	case p.match(token.Function):
		return p.subroutineStmt(true)
	default:
		return p.statement()
	}
}

func (p *Parser) declareStmt() ast.Node {
	pos := p.pos()
	name := p.expect(token.Ident, "expected identifier after DECLARE")
	p.expect(token.Colon, "expected ':' in declaration")
	if p.match(token.Array) {
		return p.arrayDeclareRest(pos, name.Lexeme)
	}
	typ := p.typeName()
	return &ast.Declare{Base: ast.Base{Pos: pos}, Name: name.Lexeme, Type: typ}
}

func (p *Parser) arrayDeclareRest(pos ast.Pos, name string) ast.Node {
	p.expect(token.LBracket, "expected '[' after ARRAY")
	base0 := p.intLiteralValue()
	p.expect(token.Colon, "expected ':' in array bounds")
	top0 := p.intLiteralValue()
	twoD := false
	base1, top1 := 0, 0
	if p.match(token.Comma) {
		twoD = true
		base1 = p.intLiteralValue()
		p.expect(token.Colon, "expected ':' in array bounds")
		top1 = p.intLiteralValue()
	}
	p.expect(token.RBracket, "expected ']' after array bounds")
	p.expect(token.Of, "expected OF in array declaration")
	elem := p.typeName()
	return &ast.ArrayDeclare{
		Base: ast.Base{Pos: pos}, Name: name, ElemType: elem,
		Base0: base0, Top0: top0, Base1: base1, Top1: top1, TwoD: twoD,
	}
}

func (p *Parser) intLiteralValue() int {
	neg := 1
	if p.match(token.Minus) {
		neg = -1
	}
	t := p.expect(token.IntLit, "expected integer literal")
	n, _ := strconv.Atoi(t.Lexeme)
	return neg * n
}

func (p *Parser) constantStmt() ast.Node {
	pos := p.pos()
	name := p.expect(token.Ident, "expected identifier after CONSTANT")
	p.expect(token.Assign, "expected '<-' in CONSTANT declaration")
	val := p.expression()
	return &ast.Constant{Base: ast.Base{Pos: pos}, Name: name.Lexeme, Type: ast.TypeUnknown, Value: val}
}

func (p *Parser) typeName() ast.Type {
	t := p.advance()
	switch t.Type {
	case token.TInteger:
		return ast.TypeInt
	case token.TReal:
		return ast.TypeReal
	case token.TChar:
		return ast.TypeChar
	case token.TBoolean:
		return ast.TypeBool
	case token.TString:
		return ast.TypeString
	default:
		p.errorAt(t, "expected a type name")
		return ast.TypeUnknown
	}
}

func (p *Parser) subroutineStmt(isFunction bool) ast.Node {
	pos := p.pos()
	name := p.expect(token.Ident, "expected subroutine name")
	var params []ast.Param
	if p.match(token.LParen) {
		if !p.check(token.RParen) {
			for {
				byref := false
				if p.match(token.Byref) {
					byref = true
				} else {
					p.match(token.Byval)
				}
				pname := p.expect(token.Ident, "expected parameter name")
				p.expect(token.Colon, "expected ':' after parameter name")
				isArray := false
				var ptype ast.Type
				if p.match(token.Array) {
					isArray = true
					p.match(token.Of)
					ptype = p.typeName()
				} else {
					ptype = p.typeName()
				}
				params = append(params, ast.Param{Name: pname.Lexeme, Type: ptype, Byref: byref, IsArray: isArray})
				if !p.match(token.Comma) {
					break
				}
			}
		}
		p.expect(token.RParen, "expected ')' after parameters")
	}
	ret := ast.TypeVoid
	if isFunction {
		p.expect(token.Returns, "expected RETURNS in FUNCTION declaration")
		ret = p.typeName()
	}
	body := &ast.Block{}
	endTok := token.EndProcedure
	if isFunction {
		endTok = token.EndFunction
	}
	for !p.check(endTok) && !p.check(token.EOF) {
		if stmt := p.declaration(); stmt != nil {
			body.Stmts = append(body.Stmts, stmt)
		} else {
			p.synchronize()
		}
	}
	p.expect(endTok, "expected block terminator for subroutine")
	return &ast.Subroutine{
		Base: ast.Base{Pos: pos}, Name: name.Lexeme, Params: params,
		ReturnType: ret, IsFunction: isFunction, Body: body, EntryPC: 0,
	}
}

func (p *Parser) statement() ast.Node {
	switch {
	case p.match(token.If):
		return p.ifStmt()
	case p.match(token.While):
		return p.whileStmt()
	case p.match(token.Repeat):
		return p.repeatStmt()
	case p.match(token.For):
		return p.forStmt()
	case p.match(token.CaseOf):
		return p.caseStmt()
	case p.match(token.Return):
		return p.returnStmt()
	case p.match(token.Input):
		return p.inputStmt()
	case p.match(token.Output):
		return p.outputStmt()
	case p.match(token.Call):
		return p.callStmt()
	case p.match(token.OpenFile):
		return p.openFileStmt()
	case p.match(token.CloseFile):
		return p.closeFileStmt()
	case p.match(token.ReadFile):
		return p.readFileStmt()
	case p.match(token.WriteFile):
		return p.writeFileStmt()
	default:
		return p.assignOrExprStmt()
	}
}

func (p *Parser) block(until ...token.Type) *ast.Block {
	b := &ast.Block{}
	for !p.atAny(until...) && !p.check(token.EOF) {
		if stmt := p.declaration(); stmt != nil {
			b.Stmts = append(b.Stmts, stmt)
		} else {
			p.synchronize()
		}
	}
	return b
}

func (p *Parser) atAny(types ...token.Type) bool {
	for _, t := range types {
		if p.check(t) {
			return true
		}
	}
	return false
}

func (p *Parser) ifStmt() ast.Node {
	pos := p.pos()
	cond := p.expression()
	p.expect(token.Then, "expected THEN")
	then := p.block(token.Else, token.EndIf)
	var els *ast.Block
	if p.match(token.Else) {
		els = p.block(token.EndIf)
	}
	p.expect(token.EndIf, "expected ENDIF")
	return &ast.If{Base: ast.Base{Pos: pos}, Cond: cond, Then: then, Else: els}
}

func (p *Parser) whileStmt() ast.Node {
	pos := p.pos()
	cond := p.expression()
	p.match(token.Do)
	body := p.block(token.EndWhile)
	p.expect(token.EndWhile, "expected ENDWHILE")
	return &ast.While{Base: ast.Base{Pos: pos}, Cond: cond, Body: body}
}

func (p *Parser) repeatStmt() ast.Node {
	pos := p.pos()
	body := p.block(token.Until)
	p.expect(token.Until, "expected UNTIL")
	cond := p.expression()
	return &ast.Repeat{Base: ast.Base{Pos: pos}, Body: body, Cond: cond}
}

func (p *Parser) forStmt() ast.Node {
	pos := p.pos()
	name := p.expect(token.Ident, "expected loop counter name")
	p.expect(token.Assign, "expected '<-' in FOR")
	init := p.expression()
	p.expect(token.To, "expected TO in FOR")
	end := p.expression()
	step := int32(1)
	if p.match(token.Step) {
		step = int32(p.intLiteralValue())
	}
	body := p.block(token.Next)
	p.expect(token.Next, "expected NEXT")
	p.match(token.Ident) // optional repeated counter name
	return &ast.For{Base: ast.Base{Pos: pos}, Counter: name.Lexeme, Init: init, End: end, Step: step, Body: body}
}

func (p *Parser) caseStmt() ast.Node {
	pos := p.pos()
	p.expect(token.Of, "expected OF after CASE")
	scrutinee := p.expression()
	c := &ast.Case{Base: ast.Base{Pos: pos}, Scrutinee: scrutinee}
	for !p.check(token.EndCase) && !p.check(token.EOF) {
		if p.match(token.Otherwise) {
			p.expect(token.Colon, "expected ':' after OTHERWISE")
			c.Otherwise = p.block(token.EndCase)
			break
		}
		val := p.expression()
		p.expect(token.Colon, "expected ':' after CASE alternative")
		body := &ast.Block{}
		// an alternative's body ends where the next "<value> :" label begins
		for !p.atAny(token.EndCase, token.Otherwise, token.EOF) && p.tokens[p.current+1].Type != token.Colon {
			if stmt := p.declaration(); stmt != nil {
				body.Stmts = append(body.Stmts, stmt)
			} else {
				p.synchronize()
			}
		}
		c.Alts = append(c.Alts, ast.CaseAlt{Value: val, Body: body})
	}
	p.expect(token.EndCase, "expected ENDCASE")
	return c
}

func (p *Parser) returnStmt() ast.Node {
	pos := p.pos()
	var val ast.Expr
	if !p.atStmtEnd() {
		val = p.expression()
	}
	return &ast.Return{Base: ast.Base{Pos: pos}, Value: val}
}

func (p *Parser) atStmtEnd() bool {
	return p.atAny(token.EndFunction, token.EndProcedure, token.EndIf, token.Else,
		token.EndWhile, token.EndCase, token.Otherwise, token.Next, token.Until, token.EOF)
}

func (p *Parser) inputStmt() ast.Node {
	pos := p.pos()
	target := p.primary()
	return &ast.Input{Base: ast.Base{Pos: pos}, Target: target}
}

func (p *Parser) outputStmt() ast.Node {
	pos := p.pos()
	out := &ast.Output{Base: ast.Base{Pos: pos}}
	out.Values = append(out.Values, p.expression())
	for p.match(token.Comma) {
		out.Values = append(out.Values, p.expression())
	}
	return out
}

func (p *Parser) callStmt() ast.Node {
	pos := p.pos()
	name := p.expect(token.Ident, "expected procedure name after CALL")
	var args []ast.Expr
	if p.match(token.LParen) {
		if !p.check(token.RParen) {
			args = append(args, p.expression())
			for p.match(token.Comma) {
				args = append(args, p.expression())
			}
		}
		p.expect(token.RParen, "expected ')' after call arguments")
	}
	idx, isBuiltin := builtinIndex[name.Lexeme]
	return &ast.Call{Base: ast.Base{Pos: pos}, Name: name.Lexeme, Args: args, Builtin: isBuiltin, BuiltinIdx: idx}
}

func (p *Parser) openFileStmt() ast.Node {
	pos := p.pos()
	path := p.expression()
	p.expect(token.For, "expected FOR in OPENFILE")
	var mode ast.FileMode
	switch {
	case p.match(token.ReadMode):
		mode = ast.FileRead
	case p.match(token.Write):
		mode = ast.FileWrite
	case p.match(token.Append):
		mode = ast.FileAppend
	default:
		p.errorAt(p.peek(), "expected READ, WRITE or APPEND")
	}
	p.expect(token.Comma, "expected ',' before file handle")
	handle := p.primary()
	return &ast.OpenFile{Base: ast.Base{Pos: pos}, Handle: handle, Path: path, Mode: mode}
}

func (p *Parser) closeFileStmt() ast.Node {
	pos := p.pos()
	handle := p.primary()
	return &ast.CloseFile{Base: ast.Base{Pos: pos}, Handle: handle}
}

func (p *Parser) readFileStmt() ast.Node {
	pos := p.pos()
	handle := p.primary()
	p.expect(token.Comma, "expected ',' between file handle and target")
	target := p.primary()
	return &ast.ReadFile{Base: ast.Base{Pos: pos}, Handle: handle, Target: target}
}

func (p *Parser) writeFileStmt() ast.Node {
	pos := p.pos()
	handle := p.primary()
	p.expect(token.Comma, "expected ',' between file handle and value")
	val := p.expression()
	return &ast.WriteFile{Base: ast.Base{Pos: pos}, Handle: handle, Value: val}
}

func (p *Parser) assignOrExprStmt() ast.Node {
	pos := p.pos()
	target := p.primary()
	if p.match(token.Assign) {
		val := p.expression()
		return &ast.Assign{Base: ast.Base{Pos: pos}, Target: target, Value: val}
	}
	return target
}

// --- expressions, lowest to highest precedence ---

func (p *Parser) expression() ast.Expr {
	return p.or()
}

func (p *Parser) or() ast.Expr {
	left := p.and()
	for p.match(token.OrKw) {
		pos := p.pos()
		right := p.and()
		left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinOr, Left: left, Right: right}
	}
	return left
}

func (p *Parser) and() ast.Expr {
	left := p.not()
	for p.match(token.AndKw) {
		pos := p.pos()
		right := p.not()
		left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinAnd, Left: left, Right: right}
	}
	return left
}

func (p *Parser) not() ast.Expr {
	if p.match(token.NotKw) {
		pos := p.pos()
		operand := p.not()
		return &ast.Unary{Base: ast.Base{Pos: pos}, Op: ast.UnaryNot, Operand: operand}
	}
	return p.comparison()
}

func (p *Parser) comparison() ast.Expr {
	left := p.additive()
	for p.atAny(token.Eq, token.Neq, token.Lt, token.Gt, token.Le, token.Ge) {
		op := p.advance()
		pos := ast.Pos{Line: op.Line, Column: op.Column}
		right := p.additive()
		left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: compareOp(op.Type), Left: left, Right: right}
	}
	return left
}

func compareOp(t token.Type) ast.BinaryOp {
	switch t {
	case token.Eq:
		return ast.BinEq
	case token.Neq:
		return ast.BinNeq
	case token.Lt:
		return ast.BinLess
	case token.Le:
		return ast.BinLessEq
	case token.Gt:
		return ast.BinGreater
	default:
		return ast.BinGreaterEq
	}
}

func (p *Parser) additive() ast.Expr {
	left := p.multiplicative()
	for p.atAny(token.Plus, token.Minus) {
		op := p.advance()
		pos := ast.Pos{Line: op.Line, Column: op.Column}
		right := p.multiplicative()
		if op.Type == token.Plus {
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinAdd, Left: left, Right: right}
		} else {
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinSub, Left: left, Right: right}
		}
	}
	return left
}

func (p *Parser) multiplicative() ast.Expr {
	left := p.power()
	for p.atAny(token.Star, token.Slash, token.ModKw, token.DivKw) {
		op := p.advance()
		pos := ast.Pos{Line: op.Line, Column: op.Column}
		right := p.power()
		switch op.Type {
		case token.Star:
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinMul, Left: left, Right: right}
		case token.Slash:
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinDiv, Left: left, Right: right}
		case token.ModKw:
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinMod, Left: left, Right: right}
		case token.DivKw:
			left = &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinFDiv, Left: left, Right: right}
		}
	}
	return left
}

func (p *Parser) power() ast.Expr {
	left := p.unary()
	if p.match(token.Caret) {
		pos := p.pos()
		right := p.power() // right-associative
		return &ast.Binary{Base: ast.Base{Pos: pos}, Op: ast.BinPow, Left: left, Right: right}
	}
	return left
}

func (p *Parser) unary() ast.Expr {
	if p.match(token.Minus) {
		pos := p.pos()
		operand := p.unary()
		return &ast.Unary{Base: ast.Base{Pos: pos}, Op: ast.UnaryNeg, Operand: operand}
	}
	return p.primary()
}

func (p *Parser) primary() ast.Expr {
	pos := p.pos()
	switch {
	case p.match(token.IntLit):
		t := p.previous()
		n, _ := strconv.ParseInt(t.Lexeme, 10, 32)
		return &ast.IntLiteral{Base: ast.Base{Pos: pos}, Value: int32(n)}
	case p.match(token.RealLit):
		t := p.previous()
		f, _ := strconv.ParseFloat(t.Lexeme, 64)
		return &ast.RealLiteral{Base: ast.Base{Pos: pos}, Value: f}
	case p.match(token.CharLit):
		t := p.previous()
		var c byte
		if len(t.Lexeme) > 0 {
			c = t.Lexeme[0]
		}
		return &ast.CharLiteral{Base: ast.Base{Pos: pos}, Value: c}
	case p.match(token.StrLit):
		t := p.previous()
		return &ast.StringLiteral{Base: ast.Base{Pos: pos}, Value: t.Lexeme}
	case p.match(token.True):
		return &ast.BoolLiteral{Base: ast.Base{Pos: pos}, Value: true}
	case p.match(token.False):
		return &ast.BoolLiteral{Base: ast.Base{Pos: pos}, Value: false}
	case p.match(token.LParen):
		e := p.expression()
		p.expect(token.RParen, "expected ')'")
		return e
	case p.check(token.Ident):
		return p.identifierExpr()
	default:
		p.errorAt(p.peek(), "expected an expression")
		p.advance()
		return &ast.IntLiteral{Base: ast.Base{Pos: pos}, Value: 0}
	}
}

func (p *Parser) identifierExpr() ast.Expr {
	pos := p.pos()
	name := p.advance()
	if p.match(token.LParen) {
		var args []ast.Expr
		if !p.check(token.RParen) {
			args = append(args, p.expression())
			for p.match(token.Comma) {
				args = append(args, p.expression())
			}
		}
		p.expect(token.RParen, "expected ')' after call arguments")
		idx, isBuiltin := builtinIndex[name.Lexeme]
		return &ast.Call{Base: ast.Base{Pos: pos}, Name: name.Lexeme, Args: args, Builtin: isBuiltin, BuiltinIdx: idx}
	}
	var expr ast.Expr = &ast.Variable{Base: ast.Base{Pos: pos}, Name: name.Lexeme}
	if p.match(token.LBracket) {
		idx0 := p.expression()
		var idx1 ast.Expr
		if p.match(token.Comma) {
			idx1 = p.expression()
		}
		p.expect(token.RBracket, "expected ']' after array index")
		expr = &ast.ArrayAccess{Base: ast.Base{Pos: pos}, Array: expr, Index0: idx0, Index1: idx1}
	}
	return expr
}

// --- token stream helpers ---

func (p *Parser) peek() token.Token {
	return p.tokens[p.current]
}

func (p *Parser) previous() token.Token {
	return p.tokens[p.current-1]
}

func (p *Parser) check(t token.Type) bool {
	return p.peek().Type == t
}

func (p *Parser) match(t token.Type) bool {
	if p.check(t) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) advance() token.Token {
	t := p.tokens[p.current]
	if t.Type != token.EOF {
		p.current++
	}
	return t
}

func (p *Parser) expect(t token.Type, msg string) token.Token {
	if p.check(t) {
		return p.advance()
	}
	p.errorAt(p.peek(), msg)
	return p.peek()
}

func (p *Parser) errorAt(t token.Token, msg string) {
	p.errs = append(p.errs, fmt.Errorf("%s:%d:%d: %s (got %s)", p.file, t.Line, t.Column, msg, t.Type))
}

// synchronize discards tokens until a likely statement boundary, so one
// parse error does not cascade into dozens more.
func (p *Parser) synchronize() {
	p.advance()
	for !p.check(token.EOF) {
		switch p.peek().Type {
		case token.Declare, token.Constant, token.If, token.While, token.Repeat,
			token.For, token.CaseOf, token.Procedure, token.Function, token.Return,
			token.Input, token.Output, token.Call:
			return
		}
		p.advance()
	}
}
