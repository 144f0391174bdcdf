// Package semantic walks the parsed syntax tree once, resolving every
// name against a scope chain, inferring each expression's ResultType,
// and annotating Variable nodes with the Byref/IsArray/Assigned facts
// the lowering pass needs. It never touches bytecode.
package semantic

import (
	"fmt"

	"pseudovm/internal/ast"
	"pseudovm/internal/diagnostics"
	"pseudovm/internal/symboltable"
)

// Analyser performs a single pass over a parsed program.
type Analyser struct {
	file  string
	table *symboltable.Table
	errs  diagnostics.List

	inSub      bool
	subReturns ast.Type
	fileModes  map[string]ast.FileMode // handle name -> open mode, for wrong-mode I/O checks
}

func New(file string) *Analyser {
	return &Analyser{
		file:      file,
		table:     symboltable.New(),
		fileModes: make(map[string]ast.FileMode),
	}
}

func (a *Analyser) Errors() []*diagnostics.Error { return a.errs.Errors() }

func (a *Analyser) errorAt(pos ast.Pos, format string, args ...interface{}) {
	a.errs.Add(diagnostics.NewSemanticError(fmt.Sprintf(format, args...), a.file, pos.Line, pos.Column))
}

// Analyse annotates the tree in place and returns the populated symbol
// table for the lowering pass to reuse (so offsets agree exactly).
func (a *Analyser) Analyse(prog *ast.Block) (*symboltable.Table, error) {
	// First pass: register all top-level subroutine signatures, so
	// forward calls (a procedure calling one declared later) resolve.
	for _, stmt := range prog.Stmts {
		if sub, ok := stmt.(*ast.Subroutine); ok {
			a.registerSubroutineSignature(sub)
		}
	}
	for _, stmt := range prog.Stmts {
		a.visitStmt(stmt)
	}
	if a.errs.HasErrors() {
		return a.table, &a.errs
	}
	return a.table, nil
}

func (a *Analyser) registerSubroutineSignature(sub *ast.Subroutine) {
	if a.table.InCurrentScope(sub.Name) {
		a.errorAt(sub.Pos, "%s is already declared", sub.Name)
		return
	}
	kind := symboltable.KindProcedure
	if sub.IsFunction {
		kind = symboltable.KindFunction
	}
	paramTypes := make([]ast.Type, len(sub.Params))
	paramByref := make([]bool, len(sub.Params))
	for i, p := range sub.Params {
		paramTypes[i] = p.Type
		paramByref[i] = p.Byref
	}
	a.table.AddSubroutine(sub.Name, kind, 0, paramTypes, paramByref, sub.ReturnType)
}

func (a *Analyser) visitStmt(n ast.Node) {
	switch s := n.(type) {
	case *ast.Declare:
		a.visitDeclare(s)
	case *ast.Constant:
		a.visitConstant(s)
	case *ast.ArrayDeclare:
		a.visitArrayDeclare(s)
	case *ast.Assign:
		a.visitAssign(s)
	case *ast.Block:
		for _, st := range s.Stmts {
			a.visitStmt(st)
		}
	case *ast.If:
		a.visitExpr(s.Cond)
		a.expectBool(s.Cond)
		a.visitStmt(s.Then)
		if s.Else != nil {
			a.visitStmt(s.Else)
		}
	case *ast.While:
		a.visitExpr(s.Cond)
		a.expectBool(s.Cond)
		a.visitStmt(s.Body)
	case *ast.Repeat:
		a.visitStmt(s.Body)
		a.visitExpr(s.Cond)
		a.expectBool(s.Cond)
	case *ast.For:
		a.visitFor(s)
	case *ast.Case:
		a.visitCase(s)
	case *ast.Subroutine:
		a.visitSubroutine(s)
	case *ast.Return:
		a.visitReturn(s)
	case *ast.Call:
		a.visitExpr(s)
	case *ast.Input:
		a.visitInput(s)
	case *ast.Output:
		for _, v := range s.Values {
			a.visitExpr(v)
		}
	case *ast.OpenFile:
		a.visitOpenFile(s)
	case *ast.CloseFile:
		a.visitCloseFile(s)
	case *ast.ReadFile:
		a.visitReadFile(s)
	case *ast.WriteFile:
		a.visitWriteFile(s)
	default:
		a.errorAt(ast.Pos{}, "internal error: unhandled statement %T", n)
	}
}

func (a *Analyser) visitDeclare(s *ast.Declare) {
	if a.table.InCurrentScope(s.Name) {
		a.errorAt(s.Pos, "%s is already declared in this scope", s.Name)
		return
	}
	a.table.Add(s.Name, symboltable.KindVariable, s.Type, false, false)
}

func (a *Analyser) visitConstant(s *ast.Constant) {
	if a.table.InCurrentScope(s.Name) {
		a.errorAt(s.Pos, "%s is already declared in this scope", s.Name)
		return
	}
	a.visitExpr(s.Value)
	s.Type = s.Value.GetResultType()
	a.table.Add(s.Name, symboltable.KindConstant, s.Type, false, false)
}

func (a *Analyser) visitArrayDeclare(s *ast.ArrayDeclare) {
	if a.table.InCurrentScope(s.Name) {
		a.errorAt(s.Pos, "%s is already declared in this scope", s.Name)
		return
	}
	if s.Top0 < s.Base0 || (s.TwoD && s.Top1 < s.Base1) {
		a.errorAt(s.Pos, "array %s has an empty or inverted bound", s.Name)
	}
	a.table.AddArray(s.Name, s.ElemType)
}

func (a *Analyser) visitAssign(s *ast.Assign) {
	a.visitExpr(s.Value)
	switch t := s.Target.(type) {
	case *ast.Variable:
		sym, ok := a.table.Find(t.Name)
		if !ok {
			a.errorAt(s.Pos, "%s is not declared", t.Name)
			return
		}
		if sym.Kind == symboltable.KindConstant {
			a.errorAt(s.Pos, "cannot assign to constant %s", t.Name)
		}
		t.Byref = sym.Byref
		t.IsArray = sym.IsArray
		t.Assigned = true
		t.SetResultType(sym.Type)
		if sym.Type != ast.TypeUnknown && s.Value.GetResultType() != ast.TypeUnknown && !assignable(sym.Type, s.Value.GetResultType()) {
			a.errorAt(s.Pos, "cannot assign %s to %s variable %s", s.Value.GetResultType(), sym.Type, t.Name)
		}
	case *ast.ArrayAccess:
		a.visitExpr(t)
	default:
		a.errorAt(s.Pos, "invalid assignment target")
	}
}

// assignable allows the one implicit widening the language grants:
// an INTEGER value assigned to a REAL variable.
func assignable(target, value ast.Type) bool {
	if target == value {
		return true
	}
	return target == ast.TypeReal && value == ast.TypeInt
}

func (a *Analyser) expectBool(e ast.Expr) {
	if e.GetResultType() != ast.TypeUnknown && e.GetResultType() != ast.TypeBool {
		a.errorAt(e.Position(), "condition must be BOOLEAN, got %s", e.GetResultType())
	}
}

func (a *Analyser) visitFor(s *ast.For) {
	sym, ok := a.table.Find(s.Counter)
	if !ok {
		a.errorAt(s.Pos, "%s is not declared", s.Counter)
	} else if sym.Type != ast.TypeInt {
		a.errorAt(s.Pos, "FOR counter %s must be INTEGER", s.Counter)
	}
	a.visitExpr(s.Init)
	a.visitExpr(s.End)
	a.visitStmt(s.Body)
}

func (a *Analyser) visitCase(s *ast.Case) {
	a.visitExpr(s.Scrutinee)
	for _, alt := range s.Alts {
		if alt.Value != nil {
			a.visitExpr(alt.Value)
		}
		a.visitStmt(alt.Body)
	}
	if s.Otherwise != nil {
		a.visitStmt(s.Otherwise)
	}
}

func (a *Analyser) visitSubroutine(s *ast.Subroutine) {
	if _, ok := a.table.Find(s.Name); !ok {
		a.registerSubroutineSignature(s)
	}

	wasInSub, wasReturns := a.inSub, a.subReturns
	a.inSub, a.subReturns = true, s.ReturnType

	a.table.CreateScope(true)
	for _, p := range s.Params {
		a.table.Add(p.Name, symboltable.KindParameter, p.Type, p.Byref, p.IsArray)
	}
	for _, st := range s.Body.Stmts {
		a.visitStmt(st)
	}
	a.table.EndScope()

	a.inSub, a.subReturns = wasInSub, wasReturns
}

func (a *Analyser) visitReturn(s *ast.Return) {
	if !a.inSub {
		a.errorAt(s.Pos, "RETURN used outside a subroutine")
		return
	}
	if s.Value == nil {
		if a.subReturns != ast.TypeVoid {
			a.errorAt(s.Pos, "function must RETURN a value")
		}
		return
	}
	a.visitExpr(s.Value)
	if a.subReturns == ast.TypeVoid {
		a.errorAt(s.Pos, "procedure cannot RETURN a value")
	} else if s.Value.GetResultType() != ast.TypeUnknown && !assignable(a.subReturns, s.Value.GetResultType()) {
		a.errorAt(s.Pos, "RETURN type %s does not match function return type %s", s.Value.GetResultType(), a.subReturns)
	}
}

func (a *Analyser) visitInput(s *ast.Input) {
	a.visitExpr(s.Target)
	if v, ok := s.Target.(*ast.Variable); ok {
		sym, ok := a.table.Find(v.Name)
		if !ok {
			a.errorAt(s.Pos, "%s is not declared", v.Name)
			return
		}
		v.Assigned = true
		v.Byref = sym.Byref
		v.SetResultType(sym.Type)
	}
}

func (a *Analyser) visitOpenFile(s *ast.OpenFile) {
	a.visitExpr(s.Path)
	if h, ok := s.Handle.(*ast.Variable); ok {
		a.fileModes[h.Name] = s.Mode
	}
	a.visitExpr(s.Handle)
}

func (a *Analyser) visitCloseFile(s *ast.CloseFile) {
	a.visitExpr(s.Handle)
}

func (a *Analyser) visitReadFile(s *ast.ReadFile) {
	a.checkFileMode(s.Handle, ast.FileRead, "READFILE")
	a.visitExpr(s.Target)
	if v, ok := s.Target.(*ast.Variable); ok {
		v.Assigned = true
	}
}

func (a *Analyser) visitWriteFile(s *ast.WriteFile) {
	a.checkFileMode(s.Handle, ast.FileWrite, "WRITEFILE")
	a.visitExpr(s.Value)
}

func (a *Analyser) checkFileMode(handle ast.Expr, want ast.FileMode, op string) {
	v, ok := handle.(*ast.Variable)
	if !ok {
		return
	}
	mode, seen := a.fileModes[v.Name]
	if !seen {
		return
	}
	if want == ast.FileRead && mode != ast.FileRead {
		a.errorAt(handle.Position(), "%s on %s, which was not opened FOR READ", op, v.Name)
	}
	if want == ast.FileWrite && mode == ast.FileRead {
		a.errorAt(handle.Position(), "%s on %s, which was opened FOR READ", op, v.Name)
	}
}

func (a *Analyser) visitExpr(n ast.Expr) {
	switch e := n.(type) {
	case *ast.IntLiteral:
		e.SetResultType(ast.TypeInt)
	case *ast.RealLiteral:
		e.SetResultType(ast.TypeReal)
	case *ast.CharLiteral:
		e.SetResultType(ast.TypeChar)
	case *ast.BoolLiteral:
		e.SetResultType(ast.TypeBool)
	case *ast.StringLiteral:
		e.SetResultType(ast.TypeString)
	case *ast.Variable:
		a.visitVariable(e)
	case *ast.ArrayAccess:
		a.visitArrayAccess(e)
	case *ast.Unary:
		a.visitUnary(e)
	case *ast.Binary:
		a.visitBinary(e)
	case *ast.Call:
		a.visitCall(e)
	default:
		a.errorAt(ast.Pos{}, "internal error: unhandled expression %T", n)
	}
}

func (a *Analyser) visitVariable(e *ast.Variable) {
	sym, ok := a.table.Find(e.Name)
	if !ok {
		a.errorAt(e.Pos, "%s is not declared", e.Name)
		e.SetResultType(ast.TypeUnknown)
		return
	}
	e.Byref = sym.Byref
	e.IsArray = sym.IsArray
	e.SetResultType(sym.Type)
}

func (a *Analyser) visitArrayAccess(e *ast.ArrayAccess) {
	a.visitExpr(e.Array)
	a.visitExpr(e.Index0)
	if e.Index1 != nil {
		a.visitExpr(e.Index1)
	}
	v, ok := e.Array.(*ast.Variable)
	if !ok {
		e.SetResultType(ast.TypeUnknown)
		return
	}
	sym, ok := a.table.Find(v.Name)
	if !ok {
		a.errorAt(e.Pos, "%s is not declared", v.Name)
		return
	}
	if !sym.IsArray {
		a.errorAt(e.Pos, "%s is not an array", v.Name)
		return
	}
	e.SetResultType(sym.ElemType)
}

func (a *Analyser) visitUnary(e *ast.Unary) {
	a.visitExpr(e.Operand)
	switch e.Op {
	case ast.UnaryNeg:
		e.SetResultType(e.Operand.GetResultType())
	case ast.UnaryNot:
		if e.Operand.GetResultType() != ast.TypeUnknown && e.Operand.GetResultType() != ast.TypeBool {
			a.errorAt(e.Pos, "NOT requires a BOOLEAN operand")
		}
		e.SetResultType(ast.TypeBool)
	}
}

func (a *Analyser) visitBinary(e *ast.Binary) {
	a.visitExpr(e.Left)
	a.visitExpr(e.Right)
	lt, rt := e.Left.GetResultType(), e.Right.GetResultType()

	switch e.Op {
	case ast.BinConcat:
		e.SetResultType(ast.TypeString)
	case ast.BinEq, ast.BinNeq, ast.BinLess, ast.BinLessEq, ast.BinGreater, ast.BinGreaterEq:
		if lt != ast.TypeUnknown && rt != ast.TypeUnknown && !comparable(lt, rt) {
			a.errorAt(e.Pos, "cannot compare %s with %s", lt, rt)
		}
		e.SetResultType(ast.TypeBool)
	case ast.BinAnd, ast.BinOr:
		if lt != ast.TypeUnknown && lt != ast.TypeBool || rt != ast.TypeUnknown && rt != ast.TypeBool {
			a.errorAt(e.Pos, "AND/OR require BOOLEAN operands")
		}
		e.SetResultType(ast.TypeBool)
	case ast.BinDiv:
		e.SetResultType(ast.TypeReal)
	default: // arithmetic
		if lt == ast.TypeReal || rt == ast.TypeReal {
			e.SetResultType(ast.TypeReal)
		} else {
			e.SetResultType(ast.TypeInt)
		}
	}
}

func comparable(a, b ast.Type) bool {
	if a == b {
		return true
	}
	numeric := func(t ast.Type) bool { return t == ast.TypeInt || t == ast.TypeReal }
	return numeric(a) && numeric(b)
}

func (a *Analyser) visitCall(e *ast.Call) {
	for _, arg := range e.Args {
		a.visitExpr(arg)
	}
	if builtinIdx, ok := builtinReturnTypes[e.Name]; ok {
		e.Builtin = true
		e.BuiltinIdx = builtinIndexOf(e.Name)
		e.SetResultType(builtinIdx)
		return
	}
	sym, ok := a.table.Find(e.Name)
	if !ok {
		a.errorAt(e.Pos, "%s is not declared", e.Name)
		e.SetResultType(ast.TypeUnknown)
		return
	}
	if sym.Kind != symboltable.KindFunction && sym.Kind != symboltable.KindProcedure {
		a.errorAt(e.Pos, "%s is not a procedure or function", e.Name)
		return
	}
	if len(e.Args) != len(sym.ParamTypes) {
		a.errorAt(e.Pos, "%s expects %d argument(s), got %d", e.Name, len(sym.ParamTypes), len(e.Args))
	}
	e.SetResultType(sym.ReturnType)
}

// builtinReturnTypes lists the 9 intrinsic functions by result type;
// builtinIndices below maps these same names to their fixed
// CALL_BUILTIN index, which visitCall stores in Call.BuiltinIdx.
var builtinReturnTypes = map[string]ast.Type{
	"SUBSTRING":      ast.TypeString,
	"LENGTH":         ast.TypeInt,
	"LCASE":          ast.TypeString,
	"UCASE":          ast.TypeString,
	"RANDOMBETWEEN":  ast.TypeInt,
	"RND":            ast.TypeReal,
	"INT":            ast.TypeInt,
	"EOF":            ast.TypeBool,
	"CHARAT":         ast.TypeChar,
}

var builtinIndices = map[string]int{
	"SUBSTRING": 0, "LENGTH": 1, "LCASE": 2, "UCASE": 3,
	"RANDOMBETWEEN": 4, "RND": 5, "INT": 6, "EOF": 7, "CHARAT": 8,
}

func builtinIndexOf(name string) int { return builtinIndices[name] }
