// Package vm implements the fetch-execute stack machine: it dispatches
// every opcode, owns the program counter, the operand and call stacks,
// and the heap, and triggers garbage collection between instructions.
package vm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"pseudovm/internal/bytecode"
	"pseudovm/internal/diagnostics"
	"pseudovm/internal/heap"
	"pseudovm/internal/stack"
)

const (
	defaultOperandCapacity = 65536
	defaultHeapCells       = 4096
)

// DebugHook lets a caller observe VM execution without the VM itself
// depending on any particular trace sink. VerboseHook (the CLI's
// verbose-trace printer) and BroadcastHook (which forwards frames to a
// FrameSink such as internal/trace's websocket server) implement it.
type DebugHook interface {
	// OnInstruction is called before each VM instruction executes.
	OnInstruction(v *VM, pc int, op bytecode.OpCode)
	OnCall(v *VM, entryPC int)
	OnReturn(v *VM)
	OnError(v *VM, err *diagnostics.Error)
}

// VM executes one compiled program to completion or until a runtime
// error latches.
type VM struct {
	Code  *bytecode.Stream
	Stack *stack.Operand
	Calls *stack.Call
	Heap  *heap.Heap

	PC           int
	nextCallBase int
	halted       bool
	Err          *diagnostics.Error

	Out io.Writer
	In  *bufio.Reader

	Hook        DebugHook
	Instrs      int64
	CellsFreed  int64
}

// New creates a VM ready to execute code, with a fresh operand stack
// and heap of the given cell capacity (0 means the default).
func New(code *bytecode.Stream, heapCells int) *VM {
	if heapCells <= 0 {
		heapCells = defaultHeapCells
	}
	return &VM{
		Code:  code,
		Stack: stack.NewOperand(defaultOperandCapacity),
		Calls: stack.NewCall(),
		Heap:  heap.New(heapCells),
		Out:   os.Stdout,
		In:    bufio.NewReader(os.Stdin),
	}
}

func (v *VM) fail(msg string) {
	if v.Err != nil {
		return
	}
	v.Err = diagnostics.NewRuntimeError(msg, v.PC)
	v.halted = true
	if v.Hook != nil {
		v.Hook.OnError(v, v.Err)
	}
}

func (v *VM) failf(format string, args ...interface{}) {
	v.fail(fmt.Sprintf(format, args...))
}

// Run executes instructions until EXIT, a runtime error, or the end of
// the stream. It returns the latched error, if any.
func (v *VM) Run() *diagnostics.Error {
	for !v.halted && v.PC < len(v.Code.Code) {
		op := v.Code.OpAt(v.PC)
		if v.Hook != nil {
			v.Hook.OnInstruction(v, v.PC, op)
		}
		v.step(op)
		v.Instrs++
		if v.halted {
			break
		}
		if v.Heap.ShouldCollect() {
			v.collectGarbage()
		}
	}
	return v.Err
}

func (v *VM) readU32(at int) uint32 { return v.Code.ReadU32(at) }
func (v *VM) readF64(at int) float64 { return v.Code.ReadF64(at) }

// step executes exactly one instruction and advances the PC past both
// the opcode byte and any immediate operand.
func (v *VM) step(op bytecode.OpCode) {
	pc := v.PC
	switch op {
	case bytecode.OpLoadInt:
		v.Stack.PushInt(int32(v.readU32(pc + 1)))
		v.PC = pc + 5
	case bytecode.OpLoadReal:
		v.Stack.PushReal(v.readF64(pc + 1))
		v.PC = pc + 9
	case bytecode.OpLoadChar:
		v.Stack.PushChar(v.Code.Code[pc+1])
		v.PC = pc + 2
	case bytecode.OpLoadBool:
		v.Stack.PushBool(v.Code.Code[pc+1] != 0)
		v.PC = pc + 2
	case bytecode.OpLoadString:
		n := int(v.readU32(pc + 1))
		data := v.Code.Code[pc+5 : pc+5+n]
		ref, err := v.Heap.AllocString(data)
		if err != nil {
			v.fail(err.Error())
			return
		}
		v.Stack.PushRef(int64(ref))
		v.PC = pc + 5 + n

	case bytecode.OpStoreInt:
		off := int(v.Stack.PopInt())
		val := v.Stack.PopInt()
		v.Stack.SetIntAt(off, val)
		v.Stack.PushInt(val)
		v.PC = pc + 1
	case bytecode.OpStoreReal:
		off := int(v.Stack.PopInt())
		val := v.Stack.PopReal()
		v.Stack.SetRealAt(off, val)
		v.Stack.PushReal(val)
		v.PC = pc + 1
	case bytecode.OpStoreChar:
		off := int(v.Stack.PopInt())
		val := v.Stack.PopChar()
		v.Stack.SetByteAt(off, val)
		v.Stack.PushChar(val)
		v.PC = pc + 1
	case bytecode.OpStoreBool:
		off := int(v.Stack.PopInt())
		val := v.Stack.PopBool()
		v.Stack.SetBoolAt(off, val)
		v.Stack.PushBool(val)
		v.PC = pc + 1
	case bytecode.OpStoreRef:
		off := int(v.Stack.PopInt())
		val := v.Stack.PopRef()
		v.Stack.SetRefAt(off, val)
		v.Stack.PushRef(val)
		v.PC = pc + 1

	case bytecode.OpFetchInt:
		off := int(v.Stack.PopInt())
		v.Stack.PushInt(v.Stack.IntAt(off))
		v.PC = pc + 1
	case bytecode.OpFetchReal:
		off := int(v.Stack.PopInt())
		v.Stack.PushReal(v.Stack.RealAt(off))
		v.PC = pc + 1
	case bytecode.OpFetchChar:
		off := int(v.Stack.PopInt())
		v.Stack.PushChar(v.Stack.ByteAt(off))
		v.PC = pc + 1
	case bytecode.OpFetchBool:
		off := int(v.Stack.PopInt())
		v.Stack.PushBool(v.Stack.BoolAt(off))
		v.PC = pc + 1
	case bytecode.OpFetchRef:
		off := int(v.Stack.PopInt())
		v.Stack.PushRef(v.Stack.PeekRefAt(off))
		v.PC = pc + 1

	case bytecode.OpRStoreInt:
		off := v.frameBase() + int(v.Stack.PopInt())
		val := v.Stack.PopInt()
		v.Stack.SetIntAt(off, val)
		v.Stack.PushInt(val)
		v.PC = pc + 1
	case bytecode.OpRStoreReal:
		off := v.frameBase() + int(v.Stack.PopInt())
		val := v.Stack.PopReal()
		v.Stack.SetRealAt(off, val)
		v.Stack.PushReal(val)
		v.PC = pc + 1
	case bytecode.OpRStoreChar:
		off := v.frameBase() + int(v.Stack.PopInt())
		val := v.Stack.PopChar()
		v.Stack.SetByteAt(off, val)
		v.Stack.PushChar(val)
		v.PC = pc + 1
	case bytecode.OpRStoreBool:
		off := v.frameBase() + int(v.Stack.PopInt())
		val := v.Stack.PopBool()
		v.Stack.SetBoolAt(off, val)
		v.Stack.PushBool(val)
		v.PC = pc + 1
	case bytecode.OpRStoreRef:
		off := v.frameBase() + int(v.Stack.PopInt())
		val := v.Stack.PopRef()
		v.Stack.SetRefAt(off, val)
		v.Stack.PushRef(val)
		v.PC = pc + 1

	case bytecode.OpRFetchInt:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushInt(v.Stack.IntAt(off))
		v.PC = pc + 1
	case bytecode.OpRFetchReal:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushReal(v.Stack.RealAt(off))
		v.PC = pc + 1
	case bytecode.OpRFetchChar:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushChar(v.Stack.ByteAt(off))
		v.PC = pc + 1
	case bytecode.OpRFetchBool:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushBool(v.Stack.BoolAt(off))
		v.PC = pc + 1
	case bytecode.OpRFetchRef:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushRef(v.Stack.PeekRefAt(off))
		v.PC = pc + 1

	case bytecode.OpStoreRefInt:
		ref, ok := v.popStackRef()
		val := v.Stack.PopInt()
		if !ok {
			return
		}
		v.Stack.SetIntAt(ref, val)
		v.Stack.PushInt(val)
		v.PC = pc + 1
	case bytecode.OpStoreRefReal:
		ref, ok := v.popStackRef()
		val := v.Stack.PopReal()
		if !ok {
			return
		}
		v.Stack.SetRealAt(ref, val)
		v.Stack.PushReal(val)
		v.PC = pc + 1
	case bytecode.OpStoreRefChar:
		ref, ok := v.popStackRef()
		val := v.Stack.PopChar()
		if !ok {
			return
		}
		v.Stack.SetByteAt(ref, val)
		v.Stack.PushChar(val)
		v.PC = pc + 1
	case bytecode.OpStoreRefBool:
		ref, ok := v.popStackRef()
		val := v.Stack.PopBool()
		if !ok {
			return
		}
		v.Stack.SetBoolAt(ref, val)
		v.Stack.PushBool(val)
		v.PC = pc + 1
	case bytecode.OpStoreRefRef:
		ref, ok := v.popStackRef()
		val := v.Stack.PopRef()
		if !ok {
			return
		}
		v.Stack.SetRefAt(ref, val)
		v.Stack.PushRef(val)
		v.PC = pc + 1

	case bytecode.OpFetchRefInt:
		ref, ok := v.popStackRef()
		if !ok {
			return
		}
		v.Stack.PushInt(v.Stack.IntAt(ref))
		v.PC = pc + 1
	case bytecode.OpFetchRefReal:
		ref, ok := v.popStackRef()
		if !ok {
			return
		}
		v.Stack.PushReal(v.Stack.RealAt(ref))
		v.PC = pc + 1
	case bytecode.OpFetchRefChar:
		ref, ok := v.popStackRef()
		if !ok {
			return
		}
		v.Stack.PushChar(v.Stack.ByteAt(ref))
		v.PC = pc + 1
	case bytecode.OpFetchRefBool:
		ref, ok := v.popStackRef()
		if !ok {
			return
		}
		v.Stack.PushBool(v.Stack.BoolAt(ref))
		v.PC = pc + 1
	case bytecode.OpFetchRefRef:
		ref, ok := v.popStackRef()
		if !ok {
			return
		}
		v.Stack.PushRef(v.Stack.PeekRefAt(ref))
		v.PC = pc + 1

	case bytecode.OpCreateArray:
		v.execCreateArray()
		v.PC = pc + 1
	case bytecode.OpFetchArrayElem:
		v.execFetchArrayElem()
		v.PC = pc + 1
	case bytecode.OpStoreArrayElem:
		v.execStoreArrayElem()
		v.PC = pc + 1

	case bytecode.OpAddInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushInt(b + a)
		v.PC = pc + 1
	case bytecode.OpAddReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushReal(b + a)
		v.PC = pc + 1
	case bytecode.OpMinusInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushInt(b - a)
		v.PC = pc + 1
	case bytecode.OpMinusReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushReal(b - a)
		v.PC = pc + 1
	case bytecode.OpMultInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushInt(b * a)
		v.PC = pc + 1
	case bytecode.OpMultReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushReal(b * a)
		v.PC = pc + 1
	case bytecode.OpDivInt:
		// True division: two INT operands, a REAL result.
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushReal(float64(b) / float64(a))
		v.PC = pc + 1
	case bytecode.OpDivReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushReal(b / a)
		v.PC = pc + 1
	case bytecode.OpModInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushInt(b % a)
		v.PC = pc + 1
	case bytecode.OpModReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushReal(math.Mod(b, a))
		v.PC = pc + 1
	case bytecode.OpFDivInt:
		// Integer division: two INT operands, an INT result.
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushInt(b / a)
		v.PC = pc + 1
	case bytecode.OpFDivReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		if a == 0 {
			v.fail("division by zero")
			return
		}
		v.Stack.PushReal(math.Trunc(b / a))
		v.PC = pc + 1
	case bytecode.OpPowInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushInt(int32(math.Pow(float64(b), float64(a))))
		v.PC = pc + 1
	case bytecode.OpPowReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushReal(math.Pow(b, a))
		v.PC = pc + 1
	case bytecode.OpNegInt:
		a := v.Stack.PopInt()
		v.Stack.PushInt(-a)
		v.PC = pc + 1
	case bytecode.OpNegReal:
		a := v.Stack.PopReal()
		v.Stack.PushReal(-a)
		v.PC = pc + 1

	case bytecode.OpEqInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b == a)
		v.PC = pc + 1
	case bytecode.OpEqReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b == a)
		v.PC = pc + 1
	case bytecode.OpEqBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(b == a)
		v.PC = pc + 1
	case bytecode.OpEqRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b == a)
		v.PC = pc + 1
	case bytecode.OpEqString:
		v.Stack.PushBool(v.compareStrings() == 0)
		v.PC = pc + 1
	case bytecode.OpNeqInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b != a)
		v.PC = pc + 1
	case bytecode.OpNeqReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b != a)
		v.PC = pc + 1
	case bytecode.OpNeqBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(b != a)
		v.PC = pc + 1
	case bytecode.OpNeqRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b != a)
		v.PC = pc + 1
	case bytecode.OpNeqString:
		v.Stack.PushBool(v.compareStrings() != 0)
		v.PC = pc + 1
	case bytecode.OpLessInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b < a)
		v.PC = pc + 1
	case bytecode.OpLessReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b < a)
		v.PC = pc + 1
	case bytecode.OpLessBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(!b && a)
		v.PC = pc + 1
	case bytecode.OpLessRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b < a)
		v.PC = pc + 1
	case bytecode.OpLessString:
		v.Stack.PushBool(v.compareStrings() < 0)
		v.PC = pc + 1
	case bytecode.OpLessEqInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b <= a)
		v.PC = pc + 1
	case bytecode.OpLessEqReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b <= a)
		v.PC = pc + 1
	case bytecode.OpLessEqBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(b == a || (!b && a))
		v.PC = pc + 1
	case bytecode.OpLessEqRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b <= a)
		v.PC = pc + 1
	case bytecode.OpLessEqString:
		v.Stack.PushBool(v.compareStrings() <= 0)
		v.PC = pc + 1
	case bytecode.OpGreaterInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b > a)
		v.PC = pc + 1
	case bytecode.OpGreaterReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b > a)
		v.PC = pc + 1
	case bytecode.OpGreaterBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(b && !a)
		v.PC = pc + 1
	case bytecode.OpGreaterRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b > a)
		v.PC = pc + 1
	case bytecode.OpGreaterString:
		v.Stack.PushBool(v.compareStrings() > 0)
		v.PC = pc + 1
	case bytecode.OpGreaterEqInt:
		a, b := v.Stack.PopInt(), v.Stack.PopInt()
		v.Stack.PushBool(b >= a)
		v.PC = pc + 1
	case bytecode.OpGreaterEqReal:
		a, b := v.Stack.PopReal(), v.Stack.PopReal()
		v.Stack.PushBool(b >= a)
		v.PC = pc + 1
	case bytecode.OpGreaterEqBool:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(b == a || (b && !a))
		v.PC = pc + 1
	case bytecode.OpGreaterEqRef:
		a, b := v.Stack.PopRef(), v.Stack.PopRef()
		v.Stack.PushBool(b >= a)
		v.PC = pc + 1
	case bytecode.OpGreaterEqString:
		v.Stack.PushBool(v.compareStrings() >= 0)
		v.PC = pc + 1

	case bytecode.OpAnd:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(a && b)
		v.PC = pc + 1
	case bytecode.OpOr:
		a, b := v.Stack.PopBool(), v.Stack.PopBool()
		v.Stack.PushBool(a || b)
		v.PC = pc + 1
	case bytecode.OpNot:
		a := v.Stack.PopBool()
		v.Stack.PushBool(!a)
		v.PC = pc + 1

	case bytecode.OpConcat:
		v.execConcat()
		v.PC = pc + 1

	case bytecode.OpCastIntReal:
		a := v.Stack.PopInt()
		v.Stack.PushReal(float64(a))
		v.PC = pc + 1
	case bytecode.OpCastIntChar:
		a := v.Stack.PopInt()
		v.Stack.PushChar(byte(a))
		v.PC = pc + 1
	case bytecode.OpCastCharInt:
		a := v.Stack.PopChar()
		v.Stack.PushInt(int32(a))
		v.PC = pc + 1

	case bytecode.OpPop1B:
		v.Stack.PopByte()
		v.PC = pc + 1
	case bytecode.OpPop4B:
		v.Stack.PopInt()
		v.PC = pc + 1
	case bytecode.OpPop8B:
		v.Stack.PopRef()
		v.PC = pc + 1
	case bytecode.OpCopyInt:
		top := v.Stack.Top()
		val := v.Stack.IntAt(top - 4)
		v.Stack.PushInt(val)
		v.PC = pc + 1

	case bytecode.OpBranch:
		target := int(v.readU32(pc + 1))
		if target < 0 || target > len(v.Code.Code) {
			v.fail("branch target out of range")
			return
		}
		v.PC = target
	case bytecode.OpBFalse:
		target := int(v.readU32(pc + 1))
		cond := v.Stack.PopBool()
		if !cond {
			if target < 0 || target > len(v.Code.Code) {
				v.fail("branch target out of range")
				return
			}
			v.PC = target
		} else {
			v.PC = pc + 5
		}

	case bytecode.OpCallSub:
		v.nextCallBase = v.Stack.Top()
		v.PC = pc + 1
	case bytecode.OpDoCall:
		entry := int(v.readU32(pc + 1))
		v.Calls.Push(stack.Frame{ReturnPC: pc + 5, FrameBase: v.nextCallBase})
		if v.Hook != nil {
			v.Hook.OnCall(v, entry)
		}
		v.PC = entry
	case bytecode.OpReturn:
		size := int(v.Code.Code[pc+1])
		scratch, isRef := v.Stack.PopRaw(size)
		frame := v.Calls.Pop()
		v.Stack.Truncate(frame.FrameBase)
		v.Stack.PushRaw(scratch, isRef)
		v.PC = frame.ReturnPC
		if v.Hook != nil {
			v.Hook.OnReturn(v)
		}
	case bytecode.OpReturnNil:
		frame := v.Calls.Pop()
		v.Stack.Truncate(frame.FrameBase)
		v.PC = frame.ReturnPC
		if v.Hook != nil {
			v.Hook.OnReturn(v)
		}
	case bytecode.OpCallBuiltin:
		idx := int(v.readU32(pc + 1))
		v.callBuiltin(idx)
		v.PC = pc + 5

	case bytecode.OpGetRef:
		off := int(v.Stack.PopInt())
		v.Stack.PushRef(int64(heap.StackRef(off)))
		v.PC = pc + 1
	case bytecode.OpRGetRef:
		off := v.frameBase() + int(v.Stack.PopInt())
		v.Stack.PushRef(int64(heap.StackRef(off)))
		v.PC = pc + 1

	case bytecode.OpInputInt:
		v.execInputInt()
		v.PC = pc + 1
	case bytecode.OpInputReal:
		v.execInputReal()
		v.PC = pc + 1
	case bytecode.OpInputChar:
		v.execInputChar()
		v.PC = pc + 1
	case bytecode.OpInputBool:
		v.execInputBool()
		v.PC = pc + 1
	case bytecode.OpInputString:
		v.execInputString()
		v.PC = pc + 1

	case bytecode.OpOutputInt:
		fmt.Fprintf(v.Out, "%d", v.Stack.PopInt())
		v.PC = pc + 1
	case bytecode.OpOutputReal:
		fmt.Fprintf(v.Out, "%g", v.Stack.PopReal())
		v.PC = pc + 1
	case bytecode.OpOutputChar:
		fmt.Fprintf(v.Out, "%c", v.Stack.PopChar())
		v.PC = pc + 1
	case bytecode.OpOutputBool:
		if v.Stack.PopBool() {
			fmt.Fprint(v.Out, "TRUE")
		} else {
			fmt.Fprint(v.Out, "FALSE")
		}
		v.PC = pc + 1
	case bytecode.OpOutputRef:
		fmt.Fprintf(v.Out, "[%d]", v.Stack.PopRef())
		v.PC = pc + 1
	case bytecode.OpOutputString:
		ref := heap.Ref(v.Stack.PopRef())
		s, ok := v.derefString(ref)
		if !ok {
			return
		}
		fmt.Fprint(v.Out, s)
		v.PC = pc + 1
	case bytecode.OpOutputNL:
		fmt.Fprint(v.Out, "\n")
		v.PC = pc + 1

	case bytecode.OpOpenFile:
		v.execOpenFile(bytecode.FileMode(v.Code.Code[pc+1]))
		v.PC = pc + 2
	case bytecode.OpCloseFile:
		v.execCloseFile()
		v.PC = pc + 1
	case bytecode.OpReadLine:
		v.execReadLine()
		v.PC = pc + 1
	case bytecode.OpWriteInt:
		v.execWrite(func(w io.Writer) { fmt.Fprintf(w, "%d", v.Stack.PopInt()) })
		v.PC = pc + 1
	case bytecode.OpWriteReal:
		v.execWrite(func(w io.Writer) { fmt.Fprintf(w, "%g", v.Stack.PopReal()) })
		v.PC = pc + 1
	case bytecode.OpWriteChar:
		v.execWrite(func(w io.Writer) { fmt.Fprintf(w, "%c", v.Stack.PopChar()) })
		v.PC = pc + 1
	case bytecode.OpWriteBool:
		v.execWrite(func(w io.Writer) {
			if v.Stack.PopBool() {
				fmt.Fprint(w, "TRUE")
			} else {
				fmt.Fprint(w, "FALSE")
			}
		})
		v.PC = pc + 1
	case bytecode.OpWriteRef:
		v.execWrite(func(w io.Writer) { fmt.Fprintf(w, "[%d]", v.Stack.PopRef()) })
		v.PC = pc + 1
	case bytecode.OpWriteString:
		v.execWriteString()
		v.PC = pc + 1
	case bytecode.OpWriteNL:
		v.execWriteNL()
		v.PC = pc + 1

	case bytecode.OpExit:
		v.halted = true

	default:
		v.failf("unknown opcode %d", op)
	}
}

func (v *VM) frameBase() int {
	if v.Calls.Depth() == 0 {
		return 0
	}
	return v.Calls.Peek().FrameBase
}

// popStackRef pops a Ref produced by GET_REF/RGET_REF and decodes it
// back to the operand-stack byte offset it indirects through. Every
// STORE_REF_*/FETCH_REF_* opcode dereferences a BYREF parameter this
// way, never a heap cell, so a Ref that doesn't decode is a VM bug.
func (v *VM) popStackRef() (int, bool) {
	ref := heap.Ref(v.Stack.PopRef())
	off, ok := ref.StackOffset()
	if !ok {
		v.fail("segmentation fault")
		return 0, false
	}
	return off, true
}

func (v *VM) derefString(ref heap.Ref) (string, bool) {
	if !v.Heap.Valid(ref) {
		v.fail("segmentation fault")
		return "", false
	}
	cell := v.Heap.Cell(ref)
	if cell.Kind != heap.ObjString {
		v.fail("segmentation fault")
		return "", false
	}
	return string(cell.Str.Bytes), true
}

func (v *VM) compareStrings() int {
	a := heap.Ref(v.Stack.PopRef())
	b := heap.Ref(v.Stack.PopRef())
	as, ok1 := v.derefString(a)
	if !ok1 {
		return 0
	}
	bs, ok2 := v.derefString(b)
	if !ok2 {
		return 0
	}
	return strings.Compare(bs, as)
}

func (v *VM) execConcat() {
	a := heap.Ref(v.Stack.PopRef())
	b := heap.Ref(v.Stack.PopRef())
	as, ok1 := v.derefString(a)
	if !ok1 {
		return
	}
	bs, ok2 := v.derefString(b)
	if !ok2 {
		return
	}
	ref, err := v.Heap.AllocString([]byte(bs + as))
	if err != nil {
		v.fail(err.Error())
		return
	}
	v.Stack.PushRef(int64(ref))
}

func (v *VM) execCreateArray() {
	elemSize := v.Stack.PopInt()
	top1 := v.Stack.PopInt()
	base1 := v.Stack.PopInt()
	top0 := v.Stack.PopInt()
	base0 := v.Stack.PopInt()
	ref, err := v.Heap.AllocArray(base0, top0, base1, top1, elemSize)
	if err != nil {
		v.fail(err.Error())
		return
	}
	v.Stack.PushRef(int64(ref))
}

// arrayElemAddr computes the element's byte offset within the array's
// flat storage and reports whether the indices are in bounds.
func arrayElemAddr(arr *heap.ArrayObj, i0, i1 int32) (int, bool) {
	r0 := i0 - arr.Base0
	r1 := i1 - arr.Base1
	if r0 < 0 || r0 >= arr.Extent0 || r1 < 0 || r1 >= arr.Extent1 {
		return 0, false
	}
	addr := int(r1)*int(arr.Extent0)*int(arr.ElemSize) + int(r0)*int(arr.ElemSize)
	return addr, true
}

func (v *VM) execFetchArrayElem() {
	i1 := v.Stack.PopInt()
	i0 := v.Stack.PopInt()
	ref := heap.Ref(v.Stack.PopRef())
	if !v.Heap.Valid(ref) || v.Heap.Cell(ref).Kind != heap.ObjArray {
		v.fail("segmentation fault")
		return
	}
	arr := v.Heap.Cell(ref).Arr
	addr, ok := arrayElemAddr(arr, i0, i1)
	if !ok {
		v.fail("array index out of bounds")
		return
	}
	n := int(arr.ElemSize)
	buf := arr.Bytes[addr : addr+n]
	v.Stack.PushRaw(buf, n == 8)
}

func (v *VM) execStoreArrayElem() {
	i1 := v.Stack.PopInt()
	i0 := v.Stack.PopInt()
	ref := heap.Ref(v.Stack.PopRef())
	if !v.Heap.Valid(ref) || v.Heap.Cell(ref).Kind != heap.ObjArray {
		v.fail("segmentation fault")
		return
	}
	arr := v.Heap.Cell(ref).Arr
	addr, ok := arrayElemAddr(arr, i0, i1)
	if !ok {
		v.fail("array index out of bounds")
		return
	}
	n := int(arr.ElemSize)
	val, isRef := v.Stack.PopRaw(n)
	copy(arr.Bytes[addr:addr+n], val)
	v.Stack.PushRaw(val, isRef)
}

func (v *VM) execInputInt() {
	line, err := v.readLine()
	if err != nil {
		v.fail("input read failure")
		return
	}
	n, perr := strconv.Atoi(strings.TrimSpace(line))
	if perr != nil {
		v.fail("invalid integer input")
		return
	}
	v.Stack.PushInt(int32(n))
}

func (v *VM) execInputReal() {
	line, err := v.readLine()
	if err != nil {
		v.fail("input read failure")
		return
	}
	f, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if perr != nil {
		v.fail("invalid real input")
		return
	}
	v.Stack.PushReal(f)
}

func (v *VM) execInputChar() {
	c, err := v.In.ReadByte()
	if err != nil {
		v.fail("input read failure")
		return
	}
	v.Stack.PushChar(c)
}

func (v *VM) execInputBool() {
	line, err := v.readLine()
	if err != nil {
		v.fail("input read failure")
		return
	}
	trimmed := strings.TrimSpace(line)
	v.Stack.PushBool(strings.HasPrefix(strings.ToUpper(trimmed), "TRUE"))
}

func (v *VM) execInputString() {
	line, err := v.readLine()
	if err != nil {
		v.fail("input read failure")
		return
	}
	ref, aerr := v.Heap.AllocString([]byte(line))
	if aerr != nil {
		v.fail(aerr.Error())
		return
	}
	v.Stack.PushRef(int64(ref))
}

func (v *VM) readLine() (string, error) {
	line, err := v.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (v *VM) execOpenFile(mode bytecode.FileMode) {
	ref := heap.Ref(v.Stack.PopRef())
	path, ok := v.derefString(ref)
	if !ok {
		return
	}
	var flag int
	var hmode heap.FileMode
	switch mode {
	case bytecode.FileRead:
		flag, hmode = os.O_RDONLY, heap.FileRead
	case bytecode.FileWrite:
		flag, hmode = os.O_WRONLY|os.O_CREATE|os.O_TRUNC, heap.FileWrite
	case bytecode.FileAppend:
		flag, hmode = os.O_WRONLY|os.O_CREATE|os.O_APPEND, heap.FileAppend
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		v.fail(fmt.Sprintf("failed to open file %q: %v", path, err))
		return
	}
	cellRef, aerr := v.Heap.AllocFile(f, hmode)
	if aerr != nil {
		f.Close()
		v.fail(aerr.Error())
		return
	}
	v.Stack.PushRef(int64(cellRef))
}

func (v *VM) execCloseFile() {
	ref := heap.Ref(v.Stack.PopRef())
	if !v.Heap.Valid(ref) || v.Heap.Cell(ref).Kind != heap.ObjFile {
		v.fail("segmentation fault")
		return
	}
	cell := v.Heap.Cell(ref)
	if cell.File.Handle != nil {
		cell.File.Handle.Close()
	}
	v.Heap.MarkForceFree(ref)
}

func (v *VM) fileCell(ref heap.Ref) (*heap.Cell, bool) {
	if !v.Heap.Valid(ref) || v.Heap.Cell(ref).Kind != heap.ObjFile {
		v.fail("segmentation fault")
		return nil, false
	}
	return v.Heap.Cell(ref), true
}

func (v *VM) execReadLine() {
	ref := heap.Ref(v.Stack.PopRef())
	cell, ok := v.fileCell(ref)
	if !ok {
		return
	}
	if cell.File.Reader == nil {
		cell.File.Reader = bufio.NewReader(cell.File.Handle)
	}
	line, err := cell.File.Reader.ReadString('\n')
	if err != nil && err != io.EOF {
		v.fail(fmt.Sprintf("file read failure: %v", err))
		return
	}
	line = strings.TrimRight(line, "\r\n")
	out, aerr := v.Heap.AllocString([]byte(line))
	if aerr != nil {
		v.fail(aerr.Error())
		return
	}
	v.Stack.PushRef(int64(out))
}

func (v *VM) execWrite(writeVal func(io.Writer)) {
	ref := heap.Ref(v.Stack.PopRef())
	cell, ok := v.fileCell(ref)
	if !ok {
		return
	}
	writeVal(cell.File.Handle)
}

func (v *VM) execWriteString() {
	ref := heap.Ref(v.Stack.PopRef())
	cell, ok := v.fileCell(ref)
	if !ok {
		return
	}
	sref := heap.Ref(v.Stack.PopRef())
	s, sok := v.derefString(sref)
	if !sok {
		return
	}
	fmt.Fprint(cell.File.Handle, s)
}

func (v *VM) execWriteNL() {
	ref := heap.Ref(v.Stack.PopRef())
	cell, ok := v.fileCell(ref)
	if !ok {
		return
	}
	fmt.Fprint(cell.File.Handle, "\n")
}

// collectGarbage scans the operand stack for tagged roots, marks
// everything transitively reachable, and sweeps the rest. A tagged
// slot holding a BYREF stack reference (heap.StackRef) rather than a
// heap cell index is silently skipped by markRef, the same way a
// stack pointer structurally cannot alias a heap pointer in the
// original C VM.
func (v *VM) collectGarbage() {
	v.Stack.ScanRefs(func(_ int, ref int64) {
		v.markRef(heap.Ref(ref))
	})
	freed := v.Heap.Sweep()
	v.CellsFreed += int64(freed)
}

// markRef marks ref's cell reachable. Refs encoding a BYREF stack
// offset (see heap.StackRef) are never valid heap cell indices, so
// Heap.Mark rejects them here without needing a separate check.
func (v *VM) markRef(ref heap.Ref) {
	if !v.Heap.Mark(ref) {
		return
	}
	cell := v.Heap.Cell(ref)
	if cell.Kind == heap.ObjArray && cell.Arr.ElemSize == 8 {
		n := len(cell.Arr.Bytes) / 8
		for i := 0; i < n; i++ {
			sub := int64(binary.LittleEndian.Uint64(cell.Arr.Bytes[i*8 : i*8+8]))
			v.markRef(heap.Ref(sub))
		}
	}
}
