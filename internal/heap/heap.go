// Package heap implements the VM's fixed-cell, free-list heap and its
// mark-sweep garbage collector. It owns every string, array and open
// file handle a running program allocates.
package heap

import (
	"bufio"
	"fmt"
	"os"
)

// ObjKind discriminates a cell's payload.
type ObjKind int

const (
	ObjNone ObjKind = iota
	ObjString
	ObjArray
	ObjFile
)

// FileMode mirrors the OPENFILE access mode a File cell was opened with.
type FileMode int

const (
	FileRead FileMode = iota
	FileWrite
	FileAppend
)

// StringObj is an immutable byte sequence.
type StringObj struct {
	Bytes []byte
}

// ArrayObj is 1-D when Extent1 == 1, 2-D otherwise. ElemSize is 1, 4 or
// 8 bytes; storage is a flat byte buffer indexed per spec.md §4.4.
type ArrayObj struct {
	Base0, Base1     int32
	Extent0, Extent1 int32
	ElemSize         int32
	Bytes            []byte
}

// FileObj wraps an open OS file handle. Reader is lazily created by
// the first READ_LINE against this cell and reused thereafter so a
// buffered lookahead isn't discarded between calls.
type FileObj struct {
	Handle *os.File
	Mode   FileMode
	Reader *bufio.Reader
}

// Cell is one fixed-size heap slot: a tagged union plus the three GC
// bookkeeping bits from spec.md §3.
type Cell struct {
	Kind      ObjKind
	Str       *StringObj
	Arr       *ArrayObj
	File      *FileObj
	Free      bool
	Marked    bool
	ForceFree bool
	nextFree  int32
}

// Ref is an 8-byte tagged reference. It indexes one of two disjoint
// spaces: a non-negative Ref is a heap cell index; NilRef (-1) refers to
// nothing; anything below NilRef is a stack reference, produced by GET_REF/RGET_REF for
// a BYREF parameter and decoded back to an operand-stack byte offset
// by StackOffset. Keeping the two spaces disjoint lets the GC mark
// phase tell them apart the way the original C VM could from pointer
// identity alone, without a separate tag bit riding alongside the
// value.
type Ref int64

const NilRef Ref = -1

// StackRef encodes an operand-stack byte offset as a Ref that can never
// be mistaken for a heap cell index.
func StackRef(offset int) Ref {
	return Ref(-2 - int64(offset))
}

// StackOffset decodes a Ref produced by StackRef back to its operand-stack
// byte offset. ok is false for NilRef or any non-negative (heap) Ref.
func (r Ref) StackOffset() (offset int, ok bool) {
	if r > -2 {
		return 0, false
	}
	return int(-2 - int64(r)), true
}

// Heap is a fixed-count free-list of uniform cells.
type Heap struct {
	cells    []Cell
	freeHead int32
	inUse    int
}

// New allocates a heap with exactly capacity cells, all initially free.
func New(capacity int) *Heap {
	h := &Heap{cells: make([]Cell, capacity)}
	for i := range h.cells {
		h.cells[i].Free = true
		if i == len(h.cells)-1 {
			h.cells[i].nextFree = -1
		} else {
			h.cells[i].nextFree = int32(i + 1)
		}
	}
	h.freeHead = 0
	if capacity == 0 {
		h.freeHead = -1
	}
	return h
}

func (h *Heap) Capacity() int { return len(h.cells) }
func (h *Heap) InUse() int    { return h.inUse }
func (h *Heap) FreeCount() int {
	return len(h.cells) - h.inUse
}

// ShouldCollect reports whether the 0.75-occupancy GC trigger fires.
func (h *Heap) ShouldCollect() bool {
	return float64(h.inUse) >= 0.75*float64(len(h.cells))
}

func (h *Heap) alloc() (Ref, error) {
	if h.freeHead == -1 {
		return NilRef, fmt.Errorf("heap exhausted: %d cells in use of %d", h.inUse, len(h.cells))
	}
	idx := h.freeHead
	cell := &h.cells[idx]
	h.freeHead = cell.nextFree
	cell.Free = false
	cell.Marked = false
	cell.ForceFree = false
	h.inUse++
	return Ref(idx), nil
}

// AllocString copies data into a fresh immutable string cell.
func (h *Heap) AllocString(data []byte) (Ref, error) {
	ref, err := h.alloc()
	if err != nil {
		return NilRef, err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	cell := &h.cells[ref]
	cell.Kind = ObjString
	cell.Str = &StringObj{Bytes: buf}
	return ref, nil
}

// AllocArray reserves an array cell of length0*length1*elemSize bytes,
// zero-initialized.
func (h *Heap) AllocArray(base0, top0, base1, top1 int32, elemSize int32) (Ref, error) {
	length0 := top0 - base0 + 1
	length1 := top1 - base1 + 1
	if length0 <= 0 || length1 <= 0 {
		return NilRef, fmt.Errorf("invalid array bounds [%d:%d][%d:%d]", base0, top0, base1, top1)
	}
	ref, err := h.alloc()
	if err != nil {
		return NilRef, err
	}
	cell := &h.cells[ref]
	cell.Kind = ObjArray
	cell.Arr = &ArrayObj{
		Base0: base0, Base1: base1,
		Extent0: length0, Extent1: length1,
		ElemSize: elemSize,
		Bytes:    make([]byte, int(length0)*int(length1)*int(elemSize)),
	}
	return ref, nil
}

// AllocFile wraps an already-opened OS file handle in a new cell.
func (h *Heap) AllocFile(f *os.File, mode FileMode) (Ref, error) {
	ref, err := h.alloc()
	if err != nil {
		return NilRef, err
	}
	cell := &h.cells[ref]
	cell.Kind = ObjFile
	cell.File = &FileObj{Handle: f, Mode: mode}
	return ref, nil
}

// Valid reports whether ref names a live, non-free cell.
func (h *Heap) Valid(ref Ref) bool {
	return ref >= 0 && int(ref) < len(h.cells) && !h.cells[ref].Free
}

func (h *Heap) Cell(ref Ref) *Cell {
	return &h.cells[ref]
}

// MarkForceFree is called by CLOSEFILE: the cell is reclaimed on the
// very next sweep regardless of reachability.
func (h *Heap) MarkForceFree(ref Ref) {
	h.cells[ref].ForceFree = true
}

// Mark marks the cell reachable (idempotent, no outgoing-reference
// recursion for strings/files; arrays of refs are walked by the
// caller via Cell(ref).Arr when ElemSize == 8).
func (h *Heap) Mark(ref Ref) bool {
	if !h.Valid(ref) {
		return false
	}
	c := &h.cells[ref]
	if c.Marked {
		return false // already marked, caller should not re-recurse
	}
	c.Marked = true
	return true
}

// Sweep frees every unmarked or force-freed cell, closing file handles
// as needed, and resets all marks. Returns the number of cells freed.
func (h *Heap) Sweep() int {
	freed := 0
	for i := range h.cells {
		c := &h.cells[i]
		if c.Free {
			continue
		}
		if !c.Marked || c.ForceFree {
			if c.Kind == ObjFile && c.File != nil && c.File.Handle != nil {
				c.File.Handle.Close()
			}
			c.Kind = ObjNone
			c.Str = nil
			c.Arr = nil
			c.File = nil
			c.Free = true
			c.ForceFree = false
			c.nextFree = h.freeHead
			h.freeHead = int32(i)
			h.inUse--
			freed++
			continue
		}
		c.Marked = false
	}
	return freed
}
