package symboltable

import (
	"testing"

	"pseudovm/internal/ast"
)

func TestAddAssignsIncreasingOffsets(t *testing.T) {
	tbl := New()
	a := tbl.Add("a", KindVariable, ast.TypeInt, false, false)
	b := tbl.Add("b", KindVariable, ast.TypeReal, false, false)

	if a.Offset != 0 {
		t.Fatalf("a.Offset = %d, want 0", a.Offset)
	}
	if b.Offset != 4 {
		t.Fatalf("b.Offset = %d, want 4 (after a 4-byte INT)", b.Offset)
	}
}

func TestByrefParameterAlwaysEightBytes(t *testing.T) {
	tbl := New()
	tbl.Add("c", KindParameter, ast.TypeChar, true, false) // byref char still 8 bytes
	next := tbl.Add("d", KindParameter, ast.TypeInt, false, false)
	if next.Offset != 8 {
		t.Fatalf("second param offset = %d, want 8 (byref char reserves 8 bytes)", next.Offset)
	}
}

func TestNestedScopeShadowsOuter(t *testing.T) {
	tbl := New()
	tbl.Add("x", KindVariable, ast.TypeInt, false, false)

	tbl.CreateScope(true)
	tbl.Add("x", KindVariable, ast.TypeReal, false, false)
	inner, ok := tbl.Find("x")
	if !ok || inner.Type != ast.TypeReal {
		t.Fatalf("inner lookup of x = %+v, ok=%v, want REAL", inner, ok)
	}
	tbl.EndScope()

	outer, ok := tbl.Find("x")
	if !ok || outer.Type != ast.TypeInt {
		t.Fatalf("outer lookup of x = %+v, ok=%v, want INT", outer, ok)
	}
}

func TestInCurrentScopeDetectsRedeclaration(t *testing.T) {
	tbl := New()
	tbl.Add("x", KindVariable, ast.TypeInt, false, false)
	if !tbl.InCurrentScope("x") {
		t.Fatalf("InCurrentScope(x) = false, want true right after Add")
	}
	if tbl.InCurrentScope("y") {
		t.Fatalf("InCurrentScope(y) = true, want false for an unbound name")
	}
}

func TestFindMissingNameReturnsFalse(t *testing.T) {
	tbl := New()
	if _, ok := tbl.Find("nope"); ok {
		t.Fatalf("Find(nope) ok = true, want false")
	}
}
