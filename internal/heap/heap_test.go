package heap

import "testing"

func TestAllocStringRoundTrip(t *testing.T) {
	h := New(4)
	ref, err := h.AllocString([]byte("hello"))
	if err != nil {
		t.Fatalf("AllocString: %v", err)
	}
	if !h.Valid(ref) {
		t.Fatalf("ref %d should be valid after alloc", ref)
	}
	if got := string(h.Cell(ref).Str.Bytes); got != "hello" {
		t.Fatalf("Cell(ref).Str.Bytes = %q, want %q", got, "hello")
	}
}

func TestAllocArrayBounds(t *testing.T) {
	h := New(4)
	ref, err := h.AllocArray(1, 3, 0, 0, 4)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	arr := h.Cell(ref).Arr
	if arr.Extent0 != 3 || arr.Extent1 != 1 {
		t.Fatalf("Extent0/1 = %d/%d, want 3/1", arr.Extent0, arr.Extent1)
	}
	if len(arr.Bytes) != 3*4 {
		t.Fatalf("len(Bytes) = %d, want 12", len(arr.Bytes))
	}
}

func TestAllocArrayRejectsInvertedBounds(t *testing.T) {
	h := New(4)
	if _, err := h.AllocArray(5, 1, 0, 0, 4); err == nil {
		t.Fatalf("expected error for top < base, got nil")
	}
}

func TestHeapExhaustionReturnsError(t *testing.T) {
	h := New(2)
	if _, err := h.AllocString([]byte("a")); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := h.AllocString([]byte("b")); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := h.AllocString([]byte("c")); err == nil {
		t.Fatalf("expected heap-exhausted error on third alloc of a 2-cell heap")
	}
}

func TestShouldCollectAt75PercentOccupancy(t *testing.T) {
	h := New(4)
	if h.ShouldCollect() {
		t.Fatalf("empty heap should not request collection")
	}
	for i := 0; i < 3; i++ {
		if _, err := h.AllocString([]byte("x")); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if !h.ShouldCollect() {
		t.Fatalf("heap at 3/4 occupancy should request collection")
	}
}

func TestSweepReclaimsUnmarkedCells(t *testing.T) {
	h := New(4)
	keep, _ := h.AllocString([]byte("keep"))
	drop, _ := h.AllocString([]byte("drop"))

	h.Mark(keep)
	freed := h.Sweep()

	if freed != 1 {
		t.Fatalf("Sweep() freed %d cells, want 1", freed)
	}
	if !h.Valid(keep) {
		t.Fatalf("marked cell should survive sweep")
	}
	if h.Valid(drop) {
		t.Fatalf("unmarked cell should not survive sweep")
	}
	if h.InUse() != 1 {
		t.Fatalf("InUse() = %d, want 1", h.InUse())
	}
}

func TestForceFreeReclaimsEvenWhenMarked(t *testing.T) {
	h := New(4)
	ref, _ := h.AllocString([]byte("open file stand-in"))
	h.Mark(ref)
	h.MarkForceFree(ref)

	freed := h.Sweep()
	if freed != 1 {
		t.Fatalf("Sweep() freed %d cells, want 1 (forceFree overrides mark)", freed)
	}
	if h.Valid(ref) {
		t.Fatalf("force-freed cell should not survive sweep even though marked")
	}
}

func TestStackRefNeverAliasesAHeapIndex(t *testing.T) {
	h := New(64)
	for off := 0; off < 128; off++ {
		sref := StackRef(off)
		if h.Valid(sref) {
			t.Fatalf("StackRef(%d) = %d must not be a valid heap ref", off, sref)
		}
		got, ok := sref.StackOffset()
		if !ok || got != off {
			t.Fatalf("StackRef(%d).StackOffset() = (%d, %v), want (%d, true)", off, got, ok, off)
		}
	}
	if _, ok := NilRef.StackOffset(); ok {
		t.Fatalf("NilRef must not decode as a stack offset")
	}
	for _, ref := range []Ref{0, 1, 63} {
		if _, ok := ref.StackOffset(); ok {
			t.Fatalf("heap ref %d must not decode as a stack offset", ref)
		}
	}
}

func TestInUsePlusFreeEqualsCapacity(t *testing.T) {
	h := New(8)
	for i := 0; i < 5; i++ {
		if _, err := h.AllocString([]byte("x")); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	h.Sweep()
	if h.InUse()+h.FreeCount() != h.Capacity() {
		t.Fatalf("InUse()+FreeCount() = %d, want %d", h.InUse()+h.FreeCount(), h.Capacity())
	}
}
