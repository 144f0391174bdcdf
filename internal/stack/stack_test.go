package stack

import "testing"

func TestOperandPushPopRoundTrip(t *testing.T) {
	s := NewOperand(64)

	s.PushInt(42)
	if got := s.PopInt(); got != 42 {
		t.Fatalf("PopInt() = %d, want 42", got)
	}

	s.PushReal(3.5)
	if got := s.PopReal(); got != 3.5 {
		t.Fatalf("PopReal() = %v, want 3.5", got)
	}

	s.PushChar('x')
	if got := s.PopChar(); got != 'x' {
		t.Fatalf("PopChar() = %q, want 'x'", got)
	}

	s.PushBool(true)
	if got := s.PopBool(); !got {
		t.Fatalf("PopBool() = false, want true")
	}
}

func TestOperandPushRefTagsLowByteOnly(t *testing.T) {
	s := NewOperand(64)
	s.PushRef(12345)

	if !s.IsRefAt(0) {
		t.Fatalf("low byte of a pushed ref must be tagged isRef")
	}
	for i := 1; i < 8; i++ {
		if s.IsRefAt(i) {
			t.Fatalf("byte %d of a pushed ref must not be tagged isRef", i)
		}
	}
	if got := s.PopRef(); got != 12345 {
		t.Fatalf("PopRef() = %d, want 12345", got)
	}
}

func TestOperandGrowsPastInitialCapacity(t *testing.T) {
	s := NewOperand(1)
	for i := int32(0); i < 100; i++ {
		s.PushInt(i)
	}
	for i := int32(99); i >= 0; i-- {
		if got := s.PopInt(); got != i {
			t.Fatalf("PopInt() = %d, want %d", got, i)
		}
	}
}

func TestOperandTruncateDropsLocals(t *testing.T) {
	s := NewOperand(64)
	s.PushInt(1)
	base := s.Top()
	s.PushInt(2)
	s.PushInt(3)
	s.Truncate(base)
	if s.Top() != base {
		t.Fatalf("Top() = %d, want %d after truncate", s.Top(), base)
	}
}

func TestOperandScanRefsFindsOnlyRefs(t *testing.T) {
	s := NewOperand(64)
	s.PushInt(1)
	s.PushRef(999)
	s.PushInt(2)

	var found []int64
	s.ScanRefs(func(offset int, ref int64) {
		found = append(found, ref)
	})
	if len(found) != 1 || found[0] != 999 {
		t.Fatalf("ScanRefs found %v, want exactly [999]", found)
	}
}

func TestCallStackPushPop(t *testing.T) {
	c := NewCall()
	c.Push(Frame{ReturnPC: 10, FrameBase: 4})
	c.Push(Frame{ReturnPC: 20, FrameBase: 8})

	if c.Depth() != 2 {
		t.Fatalf("Depth() = %d, want 2", c.Depth())
	}
	top := c.Pop()
	if top.ReturnPC != 20 || top.FrameBase != 8 {
		t.Fatalf("Pop() = %+v, want {20 8}", top)
	}
	if c.Depth() != 1 {
		t.Fatalf("Depth() after pop = %d, want 1", c.Depth())
	}
}
