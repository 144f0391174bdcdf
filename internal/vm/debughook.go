package vm

import (
	"fmt"
	"io"

	"pseudovm/internal/bytecode"
	"pseudovm/internal/diagnostics"
)

// TraceFrame is one instruction's observable state, built by
// BroadcastHook and handed to its FrameSink right before that
// instruction executes. internal/trace
// serializes this to JSON for its websocket clients.
type TraceFrame struct {
	PC         int    `json:"pc"`
	Op         string `json:"op"`
	StackDepth int    `json:"stackDepth"`
	CallDepth  int    `json:"callDepth"`
	CellsInUse int    `json:"cellsInUse"`
}

// VerboseHook prints one line per instruction plus call/return/error
// markers, driven by the CLI's trailing "true" verbose-trace argument.
type VerboseHook struct {
	Out io.Writer
}

func NewVerboseHook(out io.Writer) *VerboseHook {
	return &VerboseHook{Out: out}
}

func (h *VerboseHook) OnInstruction(v *VM, pc int, op bytecode.OpCode) {
	fmt.Fprintf(h.Out, "%04d %-16s stack=%d calls=%d\n", pc, op, v.Stack.Top(), v.Calls.Depth())
}

func (h *VerboseHook) OnCall(v *VM, entryPC int) {
	fmt.Fprintf(h.Out, "     -> call entry=%d\n", entryPC)
}

func (h *VerboseHook) OnReturn(v *VM) {
	fmt.Fprintf(h.Out, "     <- return pc=%d\n", v.PC)
}

func (h *VerboseHook) OnError(v *VM, err *diagnostics.Error) {
	fmt.Fprintf(h.Out, "     !! %s\n", err.Error())
}

// FrameSink receives a TraceFrame for every instruction; internal/trace
// implements this to broadcast frames to websocket clients.
type FrameSink interface {
	Send(TraceFrame)
}

// BroadcastHook adapts a FrameSink into a DebugHook, letting the trace
// server observe execution without the VM depending on it directly.
type BroadcastHook struct {
	Sink FrameSink
}

func NewBroadcastHook(sink FrameSink) *BroadcastHook {
	return &BroadcastHook{Sink: sink}
}

func (h *BroadcastHook) OnInstruction(v *VM, pc int, op bytecode.OpCode) {
	h.Sink.Send(TraceFrame{
		PC:         pc,
		Op:         op.String(),
		StackDepth: v.Stack.Top(),
		CallDepth:  v.Calls.Depth(),
		CellsInUse: v.Heap.InUse(),
	})
}

func (h *BroadcastHook) OnCall(v *VM, entryPC int)      {}
func (h *BroadcastHook) OnReturn(v *VM)                 {}
func (h *BroadcastHook) OnError(v *VM, err *diagnostics.Error) {}

// MultiHook fans one instruction's events out to several hooks, used
// when both verbose printing and trace broadcasting are active.
type MultiHook struct {
	Hooks []DebugHook
}

func (h *MultiHook) OnInstruction(v *VM, pc int, op bytecode.OpCode) {
	for _, sub := range h.Hooks {
		sub.OnInstruction(v, pc, op)
	}
}

func (h *MultiHook) OnCall(v *VM, entryPC int) {
	for _, sub := range h.Hooks {
		sub.OnCall(v, entryPC)
	}
}

func (h *MultiHook) OnReturn(v *VM) {
	for _, sub := range h.Hooks {
		sub.OnReturn(v)
	}
}

func (h *MultiHook) OnError(v *VM, err *diagnostics.Error) {
	for _, sub := range h.Hooks {
		sub.OnError(v, err)
	}
}
