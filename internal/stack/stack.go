// Package stack implements the VM's byte-addressable operand stack and
// its call stack. The operand stack pairs a raw byte buffer with an
// isRef bitmap: the low byte of any 8-byte reference pushed onto it is
// tagged true, which is the GC's only source of roots.
package stack

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Operand is the byte-addressable value stack.
type Operand struct {
	data  []byte
	isRef []bool
	top   int
}

func NewOperand(capacity int) *Operand {
	return &Operand{data: make([]byte, capacity), isRef: make([]bool, capacity)}
}

func (s *Operand) Top() int { return s.top }

func (s *Operand) ensure(n int) {
	for s.top+n > len(s.data) {
		s.data = append(s.data, make([]byte, len(s.data)+64)...)
		s.isRef = append(s.isRef, make([]bool, len(s.isRef)+64)...)
	}
}

func (s *Operand) PushByte(b byte) {
	s.ensure(1)
	s.data[s.top] = b
	s.isRef[s.top] = false
	s.top++
}

func (s *Operand) PopByte() byte {
	s.top--
	return s.data[s.top]
}

func (s *Operand) PushInt(v int32) {
	s.ensure(4)
	binary.LittleEndian.PutUint32(s.data[s.top:s.top+4], uint32(v))
	s.isRef[s.top], s.isRef[s.top+1], s.isRef[s.top+2], s.isRef[s.top+3] = false, false, false, false
	s.top += 4
}

func (s *Operand) PopInt() int32 {
	s.top -= 4
	return int32(binary.LittleEndian.Uint32(s.data[s.top : s.top+4]))
}

func (s *Operand) PushReal(v float64) {
	s.ensure(8)
	binary.LittleEndian.PutUint64(s.data[s.top:s.top+8], math.Float64bits(v))
	for i := 0; i < 8; i++ {
		s.isRef[s.top+i] = false
	}
	s.top += 8
}

func (s *Operand) PopReal() float64 {
	s.top -= 8
	return math.Float64frombits(binary.LittleEndian.Uint64(s.data[s.top : s.top+8]))
}

func (s *Operand) PushChar(c byte) { s.PushByte(c) }
func (s *Operand) PopChar() byte   { return s.PopByte() }

func (s *Operand) PushBool(b bool) {
	if b {
		s.PushByte(1)
	} else {
		s.PushByte(0)
	}
}

func (s *Operand) PopBool() bool {
	return s.PopByte() != 0
}

// PushRef pushes an 8-byte reference with the isRef tag set on its low
// byte, per invariant 1.
func (s *Operand) PushRef(ref int64) {
	s.ensure(8)
	binary.LittleEndian.PutUint64(s.data[s.top:s.top+8], uint64(ref))
	s.isRef[s.top] = true
	for i := 1; i < 8; i++ {
		s.isRef[s.top+i] = false
	}
	s.top += 8
}

func (s *Operand) PopRef() int64 {
	s.top -= 8
	v := int64(binary.LittleEndian.Uint64(s.data[s.top : s.top+8]))
	return v
}

// PeekRefAt reads an 8-byte reference at an absolute byte offset
// without altering top, used by FETCH_REF/RFETCH_REF/FETCH_REF_REF and
// by ScanRefs.
func (s *Operand) PeekRefAt(offset int) int64 {
	return int64(binary.LittleEndian.Uint64(s.data[offset : offset+8]))
}

func (s *Operand) SetRefAt(offset int, ref int64) {
	binary.LittleEndian.PutUint64(s.data[offset:offset+8], uint64(ref))
	s.isRef[offset] = true
	for i := 1; i < 8; i++ {
		s.isRef[offset+i] = false
	}
}

func (s *Operand) IntAt(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(s.data[offset : offset+4]))
}

func (s *Operand) SetIntAt(offset int, v int32) {
	binary.LittleEndian.PutUint32(s.data[offset:offset+4], uint32(v))
	for i := 0; i < 4; i++ {
		s.isRef[offset+i] = false
	}
}

func (s *Operand) RealAt(offset int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(s.data[offset : offset+8]))
}

func (s *Operand) SetRealAt(offset int, v float64) {
	binary.LittleEndian.PutUint64(s.data[offset:offset+8], math.Float64bits(v))
	for i := 0; i < 8; i++ {
		s.isRef[offset+i] = false
	}
}

func (s *Operand) ByteAt(offset int) byte { return s.data[offset] }

func (s *Operand) SetByteAt(offset int, b byte) {
	s.data[offset] = b
	s.isRef[offset] = false
}

func (s *Operand) BoolAt(offset int) bool { return s.data[offset] != 0 }

func (s *Operand) SetBoolAt(offset int, b bool) {
	if b {
		s.data[offset] = 1
	} else {
		s.data[offset] = 0
	}
	s.isRef[offset] = false
}

// IsRefAt reports the GC tag bit at a given absolute byte offset.
func (s *Operand) IsRefAt(offset int) bool {
	return s.isRef[offset]
}

// Truncate drops the stack back to base, e.g. on RETURN* or scope exit.
func (s *Operand) Truncate(base int) {
	s.top = base
}

// Grow reserves n zeroed, untagged bytes at the top without
// interpreting them.
func (s *Operand) Grow(n int) {
	s.ensure(n)
	for i := 0; i < n; i++ {
		s.data[s.top+i] = 0
		s.isRef[s.top+i] = false
	}
	s.top += n
}

// CopyRegion copies n bytes (value + isRef tags) from src to dst
// within the same stack, without changing top.
func (s *Operand) CopyRegion(dst, src, n int) {
	copy(s.data[dst:dst+n], s.data[src:src+n])
	copy(s.isRef[dst:dst+n], s.isRef[src:src+n])
}

// PopRaw pops n raw bytes off the top, returning the bytes plus
// whether the low byte carried the isRef tag (meaningful only when
// n == 8). Used by RETURN to relocate a return value across a frame
// truncation and by array element access to move width-agnostic
// payloads.
func (s *Operand) PopRaw(n int) ([]byte, bool) {
	s.top -= n
	buf := make([]byte, n)
	copy(buf, s.data[s.top:s.top+n])
	ref := n == 8 && s.isRef[s.top]
	return buf, ref
}

// PushRaw pushes n raw bytes, tagging the low byte isRef when asked.
func (s *Operand) PushRaw(buf []byte, isRef bool) {
	n := len(buf)
	s.ensure(n)
	copy(s.data[s.top:s.top+n], buf)
	for i := 0; i < n; i++ {
		s.isRef[s.top+i] = false
	}
	if isRef && n == 8 {
		s.isRef[s.top] = true
	}
	s.top += n
}

// RawAt reads n raw bytes at an absolute offset without touching top.
func (s *Operand) RawAt(offset, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s.data[offset:offset+n])
	return buf
}

// SetRawAt writes n raw bytes at an absolute offset, tagging isRef on
// the low byte when asked.
func (s *Operand) SetRawAt(offset int, buf []byte, isRef bool) {
	n := len(buf)
	copy(s.data[offset:offset+n], buf)
	for i := 0; i < n; i++ {
		s.isRef[offset+i] = false
	}
	if isRef && n == 8 {
		s.isRef[offset] = true
	}
}

// ScanRefs invokes fn for every byte offset in [0, top) whose isRef tag
// is set, reconstructing the 8-byte reference at that offset. This is
// the GC's sole means of finding roots.
func (s *Operand) ScanRefs(fn func(offset int, ref int64)) {
	for i := 0; i < s.top; i++ {
		if s.isRef[i] {
			fn(i, s.PeekRefAt(i))
		}
	}
}

func (s *Operand) String() string {
	return fmt.Sprintf("Operand{top=%d, cap=%d}", s.top, len(s.data))
}

// Frame is a call-stack record: the PC to resume at and the operand
// stack index where the callee's locals begin.
type Frame struct {
	ReturnPC  int
	FrameBase int
}

// Call is the call stack, a plain slice of frames.
type Call struct {
	frames []Frame
}

func NewCall() *Call {
	return &Call{}
}

func (c *Call) Push(f Frame) {
	c.frames = append(c.frames, f)
}

func (c *Call) Pop() Frame {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	return f
}

func (c *Call) Depth() int {
	return len(c.frames)
}

func (c *Call) Peek() Frame {
	return c.frames[len(c.frames)-1]
}
