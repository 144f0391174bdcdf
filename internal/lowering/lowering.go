// Package lowering walks the annotated syntax tree the semantic
// analyser hands back and emits the corresponding bytecode.Stream. It
// is the only implementation of ast.Visitor (the analyser walks the
// tree with type switches instead), and the only package that knows how a pseudocode construct maps onto the
// stack machine's instruction set.
package lowering

import (
	"fmt"

	"pseudovm/internal/ast"
	"pseudovm/internal/bytecode"
	"pseudovm/internal/symboltable"
)

// pendingCall records a DO_CALL operand that could not be resolved at
// emission time because its target subroutine had not been lowered
// yet. sym is the same *Symbol the table hands back for every later
// Find, so patching reads whatever EntryPC lowering eventually settles
// on regardless of emission order.
type pendingCall struct {
	sym      *symboltable.Symbol
	patchPos int
}

// Lowerer turns one analysed program into a bytecode.Stream. It
// reuses the symbol table the semantic analyser populated: global
// offsets already agree with no further work, and subroutine-local
// scopes are re-opened and re-filled in the same order the analyser
// used, which reproduces identical offsets deterministically.
type Lowerer struct {
	file    string
	table   *symboltable.Table
	stream  *bytecode.Stream
	pending []pendingCall

	// curReturnType is the ReturnType of whichever Subroutine body is
	// currently being lowered, consulted by VisitReturn to pick
	// RETURN's operand width. Meaningless outside a subroutine body.
	curReturnType ast.Type
}

// New creates a Lowerer over table, the symbol table returned by
// semantic.Analyse for the same program.
func New(file string, table *symboltable.Table) *Lowerer {
	return &Lowerer{file: file, table: table, stream: bytecode.NewStream()}
}

// Lower emits prog's bytecode and returns the finished stream.
func Lower(file string, prog *ast.Block, table *symboltable.Table) (*bytecode.Stream, error) {
	l := New(file, table)
	for _, stmt := range prog.Stmts {
		if err := stmt.Accept(l); err != nil {
			return nil, err
		}
	}
	l.stream.WriteOp(bytecode.OpExit)
	for _, pc := range l.pending {
		l.stream.PatchU32(pc.patchPos, uint32(pc.sym.EntryPC))
	}
	return l.stream, nil
}

func (l *Lowerer) errorf(pos ast.Pos, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d:%d: %s", l.file, pos.Line, pos.Column, fmt.Sprintf(format, args...))
}

func (l *Lowerer) emitOp(op bytecode.OpCode) int {
	return l.stream.WriteOp(op)
}

func (l *Lowerer) emitLoadInt(v int32) {
	l.emitOp(bytecode.OpLoadInt)
	l.stream.WriteI32(v)
}

// declareVar binds name in the current scope unless it is already
// there. At global scope the semantic pass already added every
// top-level symbol, so this is a no-op there and only actually
// allocates inside a subroutine scope the lowerer has just reopened.
func (l *Lowerer) declareVar(name string, kind symboltable.Kind, typ ast.Type, byref, isArray bool) *symboltable.Symbol {
	if !l.table.InCurrentScope(name) {
		l.table.Add(name, kind, typ, byref, isArray)
	}
	sym, _ := l.table.Find(name)
	return sym
}

func (l *Lowerer) declareArray(name string, elemType ast.Type) *symboltable.Symbol {
	if !l.table.InCurrentScope(name) {
		l.table.AddArray(name, elemType)
	}
	sym, _ := l.table.Find(name)
	return sym
}

// widthOf mirrors symboltable's non-byref stack width per type.
func widthOf(t ast.Type) int {
	switch t {
	case ast.TypeChar, ast.TypeBool:
		return 1
	case ast.TypeReal, ast.TypeString, ast.TypeArray:
		return 8
	default:
		return 4
	}
}

func residuePop(t ast.Type) bytecode.OpCode {
	switch widthOf(t) {
	case 1:
		return bytecode.OpPop1B
	case 8:
		return bytecode.OpPop8B
	default:
		return bytecode.OpPop4B
	}
}

// opForType picks one of the five per-kind opcode variants, defaulting
// STRING/ARRAY/UNKNOWN to the ref form.
func opForType(t ast.Type, i, r, c, b, ref bytecode.OpCode) bytecode.OpCode {
	switch t {
	case ast.TypeInt:
		return i
	case ast.TypeReal:
		return r
	case ast.TypeChar:
		return c
	case ast.TypeBool:
		return b
	default:
		return ref
	}
}

func storeOp(t ast.Type, relative bool) bytecode.OpCode {
	if relative {
		return opForType(t, bytecode.OpRStoreInt, bytecode.OpRStoreReal, bytecode.OpRStoreChar, bytecode.OpRStoreBool, bytecode.OpRStoreRef)
	}
	return opForType(t, bytecode.OpStoreInt, bytecode.OpStoreReal, bytecode.OpStoreChar, bytecode.OpStoreBool, bytecode.OpStoreRef)
}

func fetchOp(t ast.Type, relative bool) bytecode.OpCode {
	if relative {
		return opForType(t, bytecode.OpRFetchInt, bytecode.OpRFetchReal, bytecode.OpRFetchChar, bytecode.OpRFetchBool, bytecode.OpRFetchRef)
	}
	return opForType(t, bytecode.OpFetchInt, bytecode.OpFetchReal, bytecode.OpFetchChar, bytecode.OpFetchBool, bytecode.OpFetchRef)
}

func storeRefOp(t ast.Type) bytecode.OpCode {
	return opForType(t, bytecode.OpStoreRefInt, bytecode.OpStoreRefReal, bytecode.OpStoreRefChar, bytecode.OpStoreRefBool, bytecode.OpStoreRefRef)
}

func fetchRefOp(t ast.Type) bytecode.OpCode {
	return opForType(t, bytecode.OpFetchRefInt, bytecode.OpFetchRefReal, bytecode.OpFetchRefChar, bytecode.OpFetchRefBool, bytecode.OpFetchRefRef)
}

func compareOp(op ast.BinaryOp, t ast.Type) bytecode.OpCode {
	switch t {
	case ast.TypeReal:
		return compareOpFamily(op, bytecode.OpEqReal, bytecode.OpNeqReal, bytecode.OpLessReal, bytecode.OpLessEqReal, bytecode.OpGreaterReal, bytecode.OpGreaterEqReal)
	case ast.TypeBool:
		return compareOpFamily(op, bytecode.OpEqBool, bytecode.OpNeqBool, bytecode.OpLessBool, bytecode.OpLessEqBool, bytecode.OpGreaterBool, bytecode.OpGreaterEqBool)
	case ast.TypeString:
		return compareOpFamily(op, bytecode.OpEqString, bytecode.OpNeqString, bytecode.OpLessString, bytecode.OpLessEqString, bytecode.OpGreaterString, bytecode.OpGreaterEqString)
	case ast.TypeArray:
		return compareOpFamily(op, bytecode.OpEqRef, bytecode.OpNeqRef, bytecode.OpLessRef, bytecode.OpLessEqRef, bytecode.OpGreaterRef, bytecode.OpGreaterEqRef)
	default: // Int, and Char already promoted to Int
		return compareOpFamily(op, bytecode.OpEqInt, bytecode.OpNeqInt, bytecode.OpLessInt, bytecode.OpLessEqInt, bytecode.OpGreaterInt, bytecode.OpGreaterEqInt)
	}
}

func compareOpFamily(op ast.BinaryOp, eq, neq, lt, lte, gt, gte bytecode.OpCode) bytecode.OpCode {
	switch op {
	case ast.BinEq:
		return eq
	case ast.BinNeq:
		return neq
	case ast.BinLess:
		return lt
	case ast.BinLessEq:
		return lte
	case ast.BinGreater:
		return gt
	default:
		return gte
	}
}

func arithOp(op ast.BinaryOp, t ast.Type) bytecode.OpCode {
	real := t == ast.TypeReal
	switch op {
	case ast.BinAdd:
		if real {
			return bytecode.OpAddReal
		}
		return bytecode.OpAddInt
	case ast.BinSub:
		if real {
			return bytecode.OpMinusReal
		}
		return bytecode.OpMinusInt
	case ast.BinMul:
		if real {
			return bytecode.OpMultReal
		}
		return bytecode.OpMultInt
	case ast.BinMod:
		if real {
			return bytecode.OpModReal
		}
		return bytecode.OpModInt
	case ast.BinFDiv:
		if real {
			return bytecode.OpFDivReal
		}
		return bytecode.OpFDivInt
	case ast.BinPow:
		if real {
			return bytecode.OpPowReal
		}
		return bytecode.OpPowInt
	default: // BinDiv: true division, width picked by pre-cast operand type
		if real {
			return bytecode.OpDivReal
		}
		return bytecode.OpDivInt
	}
}

// --- expression visitors ---

func (l *Lowerer) VisitIntLiteral(n *ast.IntLiteral) error {
	l.emitLoadInt(n.Value)
	return nil
}

func (l *Lowerer) VisitRealLiteral(n *ast.RealLiteral) error {
	l.emitOp(bytecode.OpLoadReal)
	l.stream.WriteF64(n.Value)
	return nil
}

func (l *Lowerer) VisitCharLiteral(n *ast.CharLiteral) error {
	l.emitOp(bytecode.OpLoadChar)
	l.stream.WriteByte(n.Value)
	return nil
}

func (l *Lowerer) VisitBoolLiteral(n *ast.BoolLiteral) error {
	l.emitOp(bytecode.OpLoadBool)
	if n.Value {
		l.stream.WriteByte(1)
	} else {
		l.stream.WriteByte(0)
	}
	return nil
}

func (l *Lowerer) VisitStringLiteral(n *ast.StringLiteral) error {
	l.emitOp(bytecode.OpLoadString)
	data := []byte(n.Value)
	l.stream.WriteU32(uint32(len(data)))
	l.stream.WriteBytes(data)
	return nil
}

func (l *Lowerer) VisitVariable(n *ast.Variable) error {
	sym, ok := l.table.Find(n.Name)
	if !ok {
		return l.errorf(n.Pos, "%s is not declared", n.Name)
	}
	l.emitLoadInt(int32(sym.Offset))
	if sym.Byref {
		if sym.Relative {
			l.emitOp(bytecode.OpRFetchRef)
		} else {
			l.emitOp(bytecode.OpFetchRef)
		}
		if n.Assigned {
			l.emitOp(storeRefOp(sym.Type))
		} else {
			l.emitOp(fetchRefOp(sym.Type))
		}
		return nil
	}
	if n.Assigned {
		l.emitOp(storeOp(sym.Type, sym.Relative))
	} else {
		l.emitOp(fetchOp(sym.Type, sym.Relative))
	}
	return nil
}

func (l *Lowerer) VisitArrayAccess(n *ast.ArrayAccess) error {
	if err := n.Array.Accept(l); err != nil {
		return err
	}
	if err := n.Index0.Accept(l); err != nil {
		return err
	}
	if n.Index1 != nil {
		if err := n.Index1.Accept(l); err != nil {
			return err
		}
	} else {
		l.emitLoadInt(0)
	}
	l.emitOp(bytecode.OpFetchArrayElem)
	return nil
}

// lowerArrayStore is the write-side counterpart to VisitArrayAccess,
// used by VisitAssign once the value to store is already pushed.
func (l *Lowerer) lowerArrayStore(n *ast.ArrayAccess) error {
	if err := n.Array.Accept(l); err != nil {
		return err
	}
	if err := n.Index0.Accept(l); err != nil {
		return err
	}
	if n.Index1 != nil {
		if err := n.Index1.Accept(l); err != nil {
			return err
		}
	} else {
		l.emitLoadInt(0)
	}
	l.emitOp(bytecode.OpStoreArrayElem)
	return nil
}

func (l *Lowerer) VisitUnary(n *ast.Unary) error {
	if err := n.Operand.Accept(l); err != nil {
		return err
	}
	switch n.Op {
	case ast.UnaryNeg:
		if n.GetResultType() == ast.TypeReal {
			l.emitOp(bytecode.OpNegReal)
		} else {
			l.emitOp(bytecode.OpNegInt)
		}
	case ast.UnaryNot:
		l.emitOp(bytecode.OpNot)
	}
	return nil
}

// VisitBinary inserts the same CHAR->INT and INT->REAL widening casts
// the rest of the pipeline assumes implicitly: the left operand is
// cast right after it is pushed, the right operand right after it is
// pushed, and the opcode family is picked from the type both sides
// have been promoted to.
func (l *Lowerer) VisitBinary(n *ast.Binary) error {
	if err := n.Left.Accept(l); err != nil {
		return err
	}
	lt, rt := n.Left.GetResultType(), n.Right.GetResultType()
	if lt == ast.TypeInt && rt == ast.TypeReal {
		l.emitOp(bytecode.OpCastIntReal)
	} else if lt == ast.TypeChar {
		l.emitOp(bytecode.OpCastCharInt)
	}
	if err := n.Right.Accept(l); err != nil {
		return err
	}
	if rt == ast.TypeInt && lt == ast.TypeReal {
		l.emitOp(bytecode.OpCastIntReal)
	} else if rt == ast.TypeChar {
		l.emitOp(bytecode.OpCastCharInt)
	}

	typ := lt
	if typ == ast.TypeInt && rt == ast.TypeReal {
		typ = ast.TypeReal
	} else if typ == ast.TypeChar {
		typ = ast.TypeInt
	}

	switch n.Op {
	case ast.BinConcat:
		l.emitOp(bytecode.OpConcat)
	case ast.BinEq, ast.BinNeq, ast.BinLess, ast.BinLessEq, ast.BinGreater, ast.BinGreaterEq:
		l.emitOp(compareOp(n.Op, typ))
	case ast.BinAnd:
		l.emitOp(bytecode.OpAnd)
	case ast.BinOr:
		l.emitOp(bytecode.OpOr)
	default:
		l.emitOp(arithOp(n.Op, typ))
	}
	return nil
}

func (l *Lowerer) VisitCall(n *ast.Call) error {
	if n.Builtin {
		for _, arg := range n.Args {
			if err := arg.Accept(l); err != nil {
				return err
			}
		}
		l.emitOp(bytecode.OpCallBuiltin)
		l.stream.WriteU32(uint32(n.BuiltinIdx))
		return nil
	}
	sym, ok := l.table.Find(n.Name)
	if !ok {
		return l.errorf(n.Pos, "%s is not declared", n.Name)
	}
	l.emitOp(bytecode.OpCallSub)
	for i, arg := range n.Args {
		byref := i < len(sym.ParamByref) && sym.ParamByref[i]
		if !byref {
			if err := arg.Accept(l); err != nil {
				return err
			}
			continue
		}
		v, ok := arg.(*ast.Variable)
		if !ok {
			return l.errorf(arg.Position(), "BYREF argument must be a variable")
		}
		asym, ok := l.table.Find(v.Name)
		if !ok {
			return l.errorf(v.Position(), "%s is not declared", v.Name)
		}
		l.emitLoadInt(int32(asym.Offset))
		if asym.Relative {
			l.emitOp(bytecode.OpRGetRef)
		} else {
			l.emitOp(bytecode.OpGetRef)
		}
	}
	l.emitOp(bytecode.OpDoCall)
	pos := l.stream.WriteU32(uint32(sym.EntryPC))
	l.pending = append(l.pending, pendingCall{sym: sym, patchPos: pos})
	return nil
}

// --- statement visitors ---

// maybeWiden inserts the one implicit conversion the language allows:
// an INTEGER value flowing into a REAL slot.
func (l *Lowerer) maybeWiden(target, value ast.Type) {
	if target == ast.TypeReal && value == ast.TypeInt {
		l.emitOp(bytecode.OpCastIntReal)
	}
}

// lowerStoreTarget stores whatever value is already on top of the
// stack into target, then discards the store opcode's residual copy.
// Shared by Assign, Input and READFILE, whose targets are always a
// plain variable or an array element.
func (l *Lowerer) lowerStoreTarget(target ast.Expr) error {
	switch t := target.(type) {
	case *ast.Variable:
		t.Assigned = true
		if err := t.Accept(l); err != nil {
			return err
		}
		l.emitOp(residuePop(t.GetResultType()))
	case *ast.ArrayAccess:
		if err := l.lowerArrayStore(t); err != nil {
			return err
		}
		l.emitOp(residuePop(t.GetResultType()))
	default:
		return l.errorf(target.Position(), "invalid assignment target")
	}
	return nil
}

func (l *Lowerer) VisitBlock(n *ast.Block) error {
	for _, stmt := range n.Stmts {
		if err := stmt.Accept(l); err != nil {
			return err
		}
	}
	return nil
}

// VisitDeclare reserves the variable's stack slot by pushing a zeroed
// value of its type, at the exact point the symbol table already
// expects it (the semantic pass bound the offset in the same textual
// order this push happens at runtime).
func (l *Lowerer) VisitDeclare(n *ast.Declare) error {
	l.declareVar(n.Name, symboltable.KindVariable, n.Type, false, false)
	switch n.Type {
	case ast.TypeReal:
		l.emitOp(bytecode.OpLoadReal)
		l.stream.WriteF64(0)
	case ast.TypeChar:
		l.emitOp(bytecode.OpLoadChar)
		l.stream.WriteByte(0)
	case ast.TypeBool:
		l.emitOp(bytecode.OpLoadBool)
		l.stream.WriteByte(0)
	case ast.TypeString:
		l.emitOp(bytecode.OpLoadString)
		l.stream.WriteU32(0)
	default: // INTEGER
		l.emitLoadInt(0)
	}
	return nil
}

// VisitConstant binds the name (already reserved by the semantic pass)
// and pushes its value in place of a zero, since a constant is never
// reassigned.
func (l *Lowerer) VisitConstant(n *ast.Constant) error {
	l.declareVar(n.Name, symboltable.KindConstant, n.Type, false, false)
	return n.Value.Accept(l)
}

// VisitArrayDeclare allocates the backing heap array and leaves its
// reference in the variable's reserved 8-byte slot.
func (l *Lowerer) VisitArrayDeclare(n *ast.ArrayDeclare) error {
	l.declareArray(n.Name, n.ElemType)
	l.emitLoadInt(int32(n.Base0))
	l.emitLoadInt(int32(n.Top0))
	if n.TwoD {
		l.emitLoadInt(int32(n.Base1))
		l.emitLoadInt(int32(n.Top1))
	} else {
		l.emitLoadInt(0)
		l.emitLoadInt(0)
	}
	l.emitLoadInt(int32(widthOf(n.ElemType)))
	l.emitOp(bytecode.OpCreateArray)
	return nil
}

func (l *Lowerer) VisitAssign(n *ast.Assign) error {
	if err := n.Value.Accept(l); err != nil {
		return err
	}
	l.maybeWiden(n.Target.GetResultType(), n.Value.GetResultType())
	return l.lowerStoreTarget(n.Target)
}

func (l *Lowerer) VisitIf(n *ast.If) error {
	if err := n.Cond.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpBFalse)
	elsePatch := l.stream.WriteU32(0)
	if err := n.Then.Accept(l); err != nil {
		return err
	}
	if n.Else != nil {
		l.emitOp(bytecode.OpBranch)
		endPatch := l.stream.WriteU32(0)
		l.stream.PatchU32(elsePatch, uint32(l.stream.Len()))
		if err := n.Else.Accept(l); err != nil {
			return err
		}
		l.stream.PatchU32(endPatch, uint32(l.stream.Len()))
	} else {
		l.stream.PatchU32(elsePatch, uint32(l.stream.Len()))
	}
	return nil
}

func (l *Lowerer) VisitWhile(n *ast.While) error {
	condPC := l.stream.Len()
	if err := n.Cond.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpBFalse)
	exitPatch := l.stream.WriteU32(0)
	if err := n.Body.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpBranch)
	l.stream.WriteU32(uint32(condPC))
	l.stream.PatchU32(exitPatch, uint32(l.stream.Len()))
	return nil
}

// VisitRepeat lowers REPEAT/UNTIL: the body always runs once, and the
// loop continues for as long as the condition reads false.
func (l *Lowerer) VisitRepeat(n *ast.Repeat) error {
	startPC := l.stream.Len()
	if err := n.Body.Accept(l); err != nil {
		return err
	}
	if err := n.Cond.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpBFalse)
	l.stream.WriteU32(uint32(startPC))
	return nil
}

// VisitFor lowers FOR/TO/STEP/NEXT. The counter is always a
// pre-declared INTEGER (the semantic pass rejects anything else), so
// this only ever emits the INT family of store/fetch opcodes.
func (l *Lowerer) VisitFor(n *ast.For) error {
	sym, ok := l.table.Find(n.Counter)
	if !ok {
		return l.errorf(n.Pos, "%s is not declared", n.Counter)
	}
	if err := n.Init.Accept(l); err != nil {
		return err
	}
	l.emitLoadInt(int32(sym.Offset))
	l.emitOp(storeOp(ast.TypeInt, sym.Relative))
	l.emitOp(residuePop(ast.TypeInt))

	condPC := l.stream.Len()
	l.emitLoadInt(int32(sym.Offset))
	l.emitOp(fetchOp(ast.TypeInt, sym.Relative))
	if err := n.End.Accept(l); err != nil {
		return err
	}
	cmp := bytecode.OpLessEqInt
	if n.Step < 0 {
		cmp = bytecode.OpGreaterEqInt
	}
	l.emitOp(cmp)
	l.emitOp(bytecode.OpBFalse)
	exitPatch := l.stream.WriteU32(0)

	if err := n.Body.Accept(l); err != nil {
		return err
	}

	l.emitLoadInt(int32(sym.Offset))
	l.emitOp(fetchOp(ast.TypeInt, sym.Relative))
	l.emitLoadInt(n.Step)
	l.emitOp(bytecode.OpAddInt)
	l.emitLoadInt(int32(sym.Offset))
	l.emitOp(storeOp(ast.TypeInt, sym.Relative))
	l.emitOp(residuePop(ast.TypeInt))
	l.emitOp(bytecode.OpBranch)
	l.stream.WriteU32(uint32(condPC))
	l.stream.PatchU32(exitPatch, uint32(l.stream.Len()))
	return nil
}

// VisitCase lowers CASE OF. The scrutinee is pushed once and COPY_INT
// duplicates it ahead of each comparison, so CHAR scrutinees are cast
// to INT up front to make that duplication well-defined.
func (l *Lowerer) VisitCase(n *ast.Case) error {
	if err := n.Scrutinee.Accept(l); err != nil {
		return err
	}
	if n.Scrutinee.GetResultType() == ast.TypeChar {
		l.emitOp(bytecode.OpCastCharInt)
	}

	var endPatches []int
	nextPatch := -1
	for _, alt := range n.Alts {
		if nextPatch >= 0 {
			l.stream.PatchU32(nextPatch, uint32(l.stream.Len()))
		}
		l.emitOp(bytecode.OpCopyInt)
		if err := alt.Value.Accept(l); err != nil {
			return err
		}
		if alt.Value.GetResultType() == ast.TypeChar {
			l.emitOp(bytecode.OpCastCharInt)
		}
		l.emitOp(bytecode.OpEqInt)
		l.emitOp(bytecode.OpBFalse)
		nextPatch = l.stream.WriteU32(0)

		l.emitOp(bytecode.OpPop4B)
		if err := alt.Body.Accept(l); err != nil {
			return err
		}
		l.emitOp(bytecode.OpBranch)
		endPatches = append(endPatches, l.stream.WriteU32(0))
	}
	if nextPatch >= 0 {
		l.stream.PatchU32(nextPatch, uint32(l.stream.Len()))
	}
	l.emitOp(bytecode.OpPop4B)
	if n.Otherwise != nil {
		if err := n.Otherwise.Accept(l); err != nil {
			return err
		}
	}
	end := l.stream.Len()
	for _, p := range endPatches {
		l.stream.PatchU32(p, uint32(end))
	}
	return nil
}

// VisitSubroutine lowers a PROCEDURE/FUNCTION declaration inline in
// the instruction stream, jumping over the body so normal top-level
// flow never falls into it. Params get the same offsets the semantic
// pass gave them: that pass's subroutine scope is discarded, so they
// are Added afresh here, in the same order, into a new relative scope.
func (l *Lowerer) VisitSubroutine(n *ast.Subroutine) error {
	l.emitOp(bytecode.OpBranch)
	skipPatch := l.stream.WriteU32(0)

	sym, ok := l.table.Find(n.Name)
	if !ok {
		return l.errorf(n.Pos, "%s is not declared", n.Name)
	}
	sym.EntryPC = l.stream.Len()
	n.EntryPC = sym.EntryPC

	l.table.CreateScope(true)
	for _, p := range n.Params {
		l.declareVar(p.Name, symboltable.KindParameter, p.Type, p.Byref, p.IsArray)
	}

	prevReturn := l.curReturnType
	l.curReturnType = n.ReturnType
	for _, stmt := range n.Body.Stmts {
		if err := stmt.Accept(l); err != nil {
			return err
		}
	}
	l.curReturnType = prevReturn

	// Safety net: a function whose source falls off the end without
	// an explicit RETURN still needs to pop its frame rather than run
	// into whatever lowers next.
	l.emitOp(bytecode.OpReturnNil)

	l.table.EndScope()
	l.stream.PatchU32(skipPatch, uint32(l.stream.Len()))
	return nil
}

func (l *Lowerer) VisitReturn(n *ast.Return) error {
	if n.Value == nil {
		l.emitOp(bytecode.OpReturnNil)
		return nil
	}
	if err := n.Value.Accept(l); err != nil {
		return err
	}
	retType := l.curReturnType
	l.maybeWiden(retType, n.Value.GetResultType())
	l.emitOp(bytecode.OpReturn)
	l.stream.WriteByte(byte(widthOf(retType)))
	return nil
}

func (l *Lowerer) VisitInput(n *ast.Input) error {
	targetType := n.Target.GetResultType()
	l.emitOp(opForType(targetType, bytecode.OpInputInt, bytecode.OpInputReal, bytecode.OpInputChar, bytecode.OpInputBool, bytecode.OpInputString))
	return l.lowerStoreTarget(n.Target)
}

// VisitOutput lowers every comma-separated value back to back, then a
// single trailing newline for the whole statement.
func (l *Lowerer) VisitOutput(n *ast.Output) error {
	for _, val := range n.Values {
		if err := val.Accept(l); err != nil {
			return err
		}
		l.emitOp(opForType(val.GetResultType(), bytecode.OpOutputInt, bytecode.OpOutputReal, bytecode.OpOutputChar, bytecode.OpOutputBool, bytecode.OpOutputString))
	}
	l.emitOp(bytecode.OpOutputNL)
	return nil
}

func (l *Lowerer) VisitOpenFile(n *ast.OpenFile) error {
	if err := n.Path.Accept(l); err != nil {
		return err
	}
	var mode bytecode.FileMode
	switch n.Mode {
	case ast.FileWrite:
		mode = bytecode.FileWrite
	case ast.FileAppend:
		mode = bytecode.FileAppend
	default:
		mode = bytecode.FileRead
	}
	l.emitOp(bytecode.OpOpenFile)
	l.stream.WriteByte(byte(mode))
	return l.lowerStoreTarget(n.Handle)
}

func (l *Lowerer) VisitCloseFile(n *ast.CloseFile) error {
	if err := n.Handle.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpCloseFile)
	return nil
}

func (l *Lowerer) VisitReadFile(n *ast.ReadFile) error {
	if err := n.Handle.Accept(l); err != nil {
		return err
	}
	l.emitOp(bytecode.OpReadLine)
	return l.lowerStoreTarget(n.Target)
}

// VisitWriteFile pushes the value before the handle: WRITEFILE's
// opcodes pop the handle first to resolve the destination, then pop
// the value to serialise.
func (l *Lowerer) VisitWriteFile(n *ast.WriteFile) error {
	valType := n.Value.GetResultType()
	if err := n.Value.Accept(l); err != nil {
		return err
	}
	if err := n.Handle.Accept(l); err != nil {
		return err
	}
	l.emitOp(opForType(valType, bytecode.OpWriteInt, bytecode.OpWriteReal, bytecode.OpWriteChar, bytecode.OpWriteBool, bytecode.OpWriteString))
	return nil
}
