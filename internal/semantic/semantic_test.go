package semantic

import (
	"testing"

	"pseudovm/internal/ast"
	"pseudovm/internal/lexer"
	"pseudovm/internal/parser"
)

func analyse(t *testing.T, source string) (*ast.Block, []string) {
	t.Helper()
	l := lexer.New("test.pc", source)
	tokens := l.ScanTokens()
	if errs := l.Errors(); len(errs) > 0 {
		t.Fatalf("lexer errors: %v", errs)
	}
	p := parser.New("test.pc", tokens)
	block := p.Parse()
	if errs := p.Errors(); len(errs) > 0 {
		t.Fatalf("parser errors: %v", errs)
	}
	a := New("test.pc")
	if _, err := a.Analyse(block); err == nil {
		return block, nil
	}
	var msgs []string
	for _, e := range a.Errors() {
		msgs = append(msgs, e.Error())
	}
	return block, msgs
}

func TestInfersIntPlusIntResultType(t *testing.T) {
	block, errs := analyse(t, "OUTPUT 3 + 4")
	if len(errs) > 0 {
		t.Fatalf("unexpected semantic errors: %v", errs)
	}
	out := block.Stmts[0].(*ast.Output)
	bin := out.Values[0].(*ast.Binary)
	if bin.GetResultType() != ast.TypeInt {
		t.Fatalf("ResultType = %v, want INTEGER", bin.GetResultType())
	}
}

func TestIntPlusRealWidensToReal(t *testing.T) {
	block, errs := analyse(t, "OUTPUT 3 + 4.5")
	if len(errs) > 0 {
		t.Fatalf("unexpected semantic errors: %v", errs)
	}
	out := block.Stmts[0].(*ast.Output)
	bin := out.Values[0].(*ast.Binary)
	if bin.GetResultType() != ast.TypeReal {
		t.Fatalf("ResultType = %v, want REAL", bin.GetResultType())
	}
}

func TestUseBeforeDeclareIsError(t *testing.T) {
	_, errs := analyse(t, "OUTPUT x")
	if len(errs) == 0 {
		t.Fatalf("expected a semantic error for an undeclared identifier")
	}
}

func TestRedeclarationIsError(t *testing.T) {
	_, errs := analyse(t, "DECLARE x : INTEGER\nDECLARE x : REAL")
	if len(errs) == 0 {
		t.Fatalf("expected a semantic error for redeclaring x in the same scope")
	}
}

func TestAssigningWrongTypeIsError(t *testing.T) {
	_, errs := analyse(t, "DECLARE x : INTEGER\nx <- \"hello\"")
	if len(errs) == 0 {
		t.Fatalf("expected a semantic error assigning a STRING to an INTEGER")
	}
}

func TestByrefParameterIsAnnotated(t *testing.T) {
	block, errs := analyse(t, `
PROCEDURE inc(BYREF x : INTEGER)
	x <- x + 1
ENDPROCEDURE`)
	if len(errs) > 0 {
		t.Fatalf("unexpected semantic errors: %v", errs)
	}
	sub := block.Stmts[0].(*ast.Subroutine)
	assign := sub.Body.Stmts[0].(*ast.Assign)
	v := assign.Target.(*ast.Variable)
	if !v.Byref {
		t.Fatalf("parameter assignment target Byref = false, want true")
	}
}
