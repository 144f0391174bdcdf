package lexer

import (
	"testing"

	"pseudovm/internal/token"
)

func scanTypes(t *testing.T, source string) []token.Type {
	t.Helper()
	l := New("test.pc", source)
	toks := l.ScanTokens()
	if errs := l.Errors(); len(errs) > 0 {
		t.Fatalf("unexpected lexer errors: %v", errs)
	}
	types := make([]token.Type, len(toks))
	for i, tok := range toks {
		types[i] = tok.Type
	}
	return types
}

func TestScansKeywordsAndAssignArrow(t *testing.T) {
	types := scanTypes(t, "DECLARE x : INTEGER\nx <- 5")
	want := []token.Type{token.Declare, token.Ident, token.Colon, token.TInteger, token.Ident, token.Assign, token.IntLit, token.EOF}
	if len(types) != len(want) {
		t.Fatalf("got %d tokens %v, want %d %v", len(types), types, len(want), want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("token %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestScansStringAndCharLiterals(t *testing.T) {
	types := scanTypes(t, `"hello" 'a'`)
	want := []token.Type{token.StrLit, token.CharLit, token.EOF}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("token %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestScansRealVsIntLiteral(t *testing.T) {
	l := New("test.pc", "3 3.14")
	toks := l.ScanTokens()
	if toks[0].Type != token.IntLit {
		t.Fatalf("first literal type = %s, want INT_LIT", toks[0].Type)
	}
	if toks[1].Type != token.RealLit {
		t.Fatalf("second literal type = %s, want REAL_LIT", toks[1].Type)
	}
}

func TestScansComparisonOperators(t *testing.T) {
	types := scanTypes(t, "<= >= <> < > =")
	want := []token.Type{token.Le, token.Ge, token.Neq, token.Lt, token.Gt, token.Eq, token.EOF}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("token %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestSkipsCommentsAndWhitespace(t *testing.T) {
	types := scanTypes(t, "// a comment\n   x")
	if len(types) != 2 || types[0] != token.Ident || types[1] != token.EOF {
		t.Fatalf("got %v, want [IDENT EOF]", types)
	}
}
