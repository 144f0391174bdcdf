package parser

import (
	"testing"

	"pseudovm/internal/ast"
	"pseudovm/internal/lexer"
)

func parseSource(t *testing.T, source string) *ast.Block {
	t.Helper()
	l := lexer.New("test.pc", source)
	tokens := l.ScanTokens()
	if errs := l.Errors(); len(errs) > 0 {
		t.Fatalf("lexer errors: %v", errs)
	}
	p := New("test.pc", tokens)
	block := p.Parse()
	if errs := p.Errors(); len(errs) > 0 {
		t.Fatalf("parser errors: %v", errs)
	}
	return block
}

func TestParsesDeclareStatement(t *testing.T) {
	block := parseSource(t, "DECLARE x : INTEGER")
	if len(block.Stmts) != 1 {
		t.Fatalf("got %d statements, want 1", len(block.Stmts))
	}
	decl, ok := block.Stmts[0].(*ast.Declare)
	if !ok {
		t.Fatalf("statement is %T, want *ast.Declare", block.Stmts[0])
	}
	if decl.Name != "x" || decl.Type != ast.TypeInt {
		t.Fatalf("decl = %+v, want Name=x Type=INTEGER", decl)
	}
}

func TestParsesArrayDeclare2D(t *testing.T) {
	block := parseSource(t, "DECLARE a : ARRAY[1:3, 1:2] OF INTEGER")
	decl, ok := block.Stmts[0].(*ast.ArrayDeclare)
	if !ok {
		t.Fatalf("statement is %T, want *ast.ArrayDeclare", block.Stmts[0])
	}
	if !decl.TwoD || decl.Base0 != 1 || decl.Top0 != 3 || decl.Base1 != 1 || decl.Top1 != 2 {
		t.Fatalf("decl = %+v, want 2D [1:3,1:2]", decl)
	}
}

func TestParsesAssignment(t *testing.T) {
	block := parseSource(t, "x <- 5")
	assign, ok := block.Stmts[0].(*ast.Assign)
	if !ok {
		t.Fatalf("statement is %T, want *ast.Assign", block.Stmts[0])
	}
	v, ok := assign.Target.(*ast.Variable)
	if !ok || v.Name != "x" {
		t.Fatalf("assign.Target = %+v, want Variable x", assign.Target)
	}
	lit, ok := assign.Value.(*ast.IntLiteral)
	if !ok || lit.Value != 5 {
		t.Fatalf("assign.Value = %+v, want IntLiteral 5", assign.Value)
	}
}

func TestParsesIfElse(t *testing.T) {
	block := parseSource(t, `
IF x < 3 THEN
	OUTPUT 1
ELSE
	OUTPUT 2
ENDIF`)
	ifStmt, ok := block.Stmts[0].(*ast.If)
	if !ok {
		t.Fatalf("statement is %T, want *ast.If", block.Stmts[0])
	}
	if len(ifStmt.Then.Stmts) != 1 || len(ifStmt.Else.Stmts) != 1 {
		t.Fatalf("ifStmt = %+v, want one statement per branch", ifStmt)
	}
}

func TestParsesForWithNegativeStep(t *testing.T) {
	block := parseSource(t, `
FOR i <- 5 TO 1 STEP -1
	OUTPUT i
NEXT i`)
	forStmt, ok := block.Stmts[0].(*ast.For)
	if !ok {
		t.Fatalf("statement is %T, want *ast.For", block.Stmts[0])
	}
	if forStmt.Step != -1 {
		t.Fatalf("forStmt.Step = %d, want -1", forStmt.Step)
	}
}

func TestOperatorPrecedenceMultiplyBeforeAdd(t *testing.T) {
	block := parseSource(t, "OUTPUT 3 + 4 * 2")
	out, ok := block.Stmts[0].(*ast.Output)
	if !ok {
		t.Fatalf("statement is %T, want *ast.Output", block.Stmts[0])
	}
	if len(out.Values) != 1 {
		t.Fatalf("got %d OUTPUT values, want 1", len(out.Values))
	}
	bin, ok := out.Values[0].(*ast.Binary)
	if !ok {
		t.Fatalf("out.Values[0] = %T, want *ast.Binary (the outer +)", out.Values[0])
	}
	if _, ok := bin.Right.(*ast.Binary); !ok {
		t.Fatalf("bin.Right = %T, want *ast.Binary (4 * 2 binds tighter than +)", bin.Right)
	}
}

func TestParsesProcedureWithByrefParam(t *testing.T) {
	block := parseSource(t, `
PROCEDURE inc(BYREF x : INTEGER)
	x <- x + 1
ENDPROCEDURE`)
	sub, ok := block.Stmts[0].(*ast.Subroutine)
	if !ok {
		t.Fatalf("statement is %T, want *ast.Subroutine", block.Stmts[0])
	}
	if len(sub.Params) != 1 || !sub.Params[0].Byref {
		t.Fatalf("sub.Params = %+v, want one byref param", sub.Params)
	}
}
