package vm_test

import (
	"bytes"
	"strings"
	"testing"

	"pseudovm/internal/lexer"
	"pseudovm/internal/lowering"
	"pseudovm/internal/parser"
	"pseudovm/internal/semantic"
	"pseudovm/internal/vm"
)

// compileAndRun lexes, parses, analyses and lowers source, then runs
// it on a fresh VM with the given heap capacity (0 for the default),
// returning everything written to stdout.
func compileAndRun(t *testing.T, source string, heapCells int) string {
	t.Helper()

	l := lexer.New("test.pc", source)
	tokens := l.ScanTokens()
	if errs := l.Errors(); len(errs) > 0 {
		t.Fatalf("lexer errors: %v", errs)
	}

	p := parser.New("test.pc", tokens)
	prog := p.Parse()
	if errs := p.Errors(); len(errs) > 0 {
		t.Fatalf("parser errors: %v", errs)
	}

	sem := semantic.New("test.pc")
	table, err := sem.Analyse(prog)
	if err != nil {
		t.Fatalf("semantic errors: %v", sem.Errors())
	}

	code, err := lowering.Lower("test.pc", prog, table)
	if err != nil {
		t.Fatalf("lowering error: %v", err)
	}

	machine := vm.New(code, heapCells)
	var out bytes.Buffer
	machine.Out = &out
	if rerr := machine.Run(); rerr != nil {
		t.Fatalf("runtime error: %v", rerr)
	}
	return out.String()
}

func TestIntegerArithmetic(t *testing.T) {
	got := compileAndRun(t, "OUTPUT 3 + 4 * 2", 0)
	if got != "11\n" {
		t.Fatalf("stdout = %q, want %q", got, "11\n")
	}
}

func TestByrefParameterIncrement(t *testing.T) {
	got := compileAndRun(t, `
DECLARE x : INTEGER
x <- 5
PROCEDURE inc(BYREF y : INTEGER)
	y <- y + 1
ENDPROCEDURE
CALL inc(x)
OUTPUT x`, 0)
	if got != "6\n" {
		t.Fatalf("stdout = %q, want %q", got, "6\n")
	}
}

func TestArrayRoundTrip2D(t *testing.T) {
	got := compileAndRun(t, `
DECLARE a : ARRAY[1:3, 1:2] OF INTEGER
a[2,1] <- 42
OUTPUT a[2,1]`, 0)
	if got != "42\n" {
		t.Fatalf("stdout = %q, want %q", got, "42\n")
	}
}

func TestStringComparisonLexicographic(t *testing.T) {
	got := compileAndRun(t, `
IF "abc" < "abd" THEN
	OUTPUT TRUE
ELSE
	OUTPUT FALSE
ENDIF`, 0)
	if got != "TRUE\n" {
		t.Fatalf("stdout = %q, want %q", got, "TRUE\n")
	}
}

func TestForWithNegativeStep(t *testing.T) {
	got := compileAndRun(t, `
FOR i <- 5 TO 1 STEP -1
	OUTPUT i
NEXT i`, 0)
	want := "5\n4\n3\n2\n1\n"
	if got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestGCReclaimsUnreferencedStrings(t *testing.T) {
	// 100 string allocations, none kept reachable; only 32 heap cells.
	// A correct mark-sweep collector must reclaim strings between
	// iterations for this to complete at all.
	got := compileAndRun(t, `
DECLARE i : INTEGER
DECLARE s : STRING
FOR i <- 1 TO 100
	s <- "garbage string number"
NEXT i
OUTPUT i`, 32)
	if strings.TrimSpace(got) != "101" {
		t.Fatalf("stdout = %q, want loop counter to reach 101 after the FOR", got)
	}
}

func TestByrefParameterAliveAcrossGC(t *testing.T) {
	// A BYREF parameter's stack offset and a live heap cell index can
	// be numerically equal. If GET_REF's tagged Ref were mistaken for
	// a heap ref during mark, it would spuriously pin whatever
	// unrelated cell shares that number, but never reclaim anything
	// it shouldn't. Forcing heavy allocation inside the callee, with
	// a heap barely large enough for the still-reachable strings,
	// only completes if the real GC discrimination holds.
	got := compileAndRun(t, `
DECLARE kept : STRING
DECLARE x : INTEGER
kept <- "must survive"
x <- 1
PROCEDURE bump(BYREF y : INTEGER)
	DECLARE i : INTEGER
	DECLARE junk : STRING
	FOR i <- 1 TO 40
		junk <- "scratch"
	NEXT i
	y <- y + 1
ENDPROCEDURE
CALL bump(x)
OUTPUT x
OUTPUT kept`, 8)
	want := "2\nmust survive\n"
	if got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestFunctionReturnValue(t *testing.T) {
	got := compileAndRun(t, `
FUNCTION square(n : INTEGER) RETURNS INTEGER
	RETURN n * n
ENDFUNCTION
OUTPUT square(6)`, 0)
	if got != "36\n" {
		t.Fatalf("stdout = %q, want %q", got, "36\n")
	}
}

func TestCaseOfSelectsMatchingBranch(t *testing.T) {
	got := compileAndRun(t, `
DECLARE x : INTEGER
x <- 2
CASE OF x
	1 : OUTPUT "one"
	2 : OUTPUT "two"
	OTHERWISE : OUTPUT "other"
ENDCASE`, 0)
	if got != "two\n" {
		t.Fatalf("stdout = %q, want %q", got, "two\n")
	}
}

func TestWhileLoopAccumulates(t *testing.T) {
	got := compileAndRun(t, `
DECLARE total : INTEGER
DECLARE i : INTEGER
total <- 0
i <- 1
WHILE i <= 5 DO
	total <- total + i
	i <- i + 1
ENDWHILE
OUTPUT total`, 0)
	if got != "15\n" {
		t.Fatalf("stdout = %q, want %q", got, "15\n")
	}
}
