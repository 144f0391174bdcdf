package bytecode

import "testing"

func TestWriteAndReadU32(t *testing.T) {
	s := NewStream()
	pos := s.WriteU32(0xDEADBEEF)
	if got := s.ReadU32(pos); got != 0xDEADBEEF {
		t.Fatalf("ReadU32() = %#x, want 0xdeadbeef", got)
	}
}

func TestPatchU32RewritesPlaceholder(t *testing.T) {
	s := NewStream()
	s.WriteOp(OpBranch)
	pos := s.WriteU32(0) // placeholder jump target
	target := s.Len()
	s.PatchU32(pos, uint32(target))

	if got := s.ReadU32(pos); got != uint32(target) {
		t.Fatalf("ReadU32() after patch = %d, want %d", got, target)
	}
}

func TestWriteF64RoundTrip(t *testing.T) {
	s := NewStream()
	pos := s.WriteF64(3.14159)
	if got := s.ReadF64(pos); got != 3.14159 {
		t.Fatalf("ReadF64() = %v, want 3.14159", got)
	}
}

func TestOpAtReadsOpcodeByte(t *testing.T) {
	s := NewStream()
	s.WriteOp(OpAddInt)
	if got := s.OpAt(0); got != OpAddInt {
		t.Fatalf("OpAt(0) = %v, want OpAddInt", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewStream()
	s.WriteOp(OpLoadInt)
	s.WriteU32(7)
	s.WriteOp(OpExit)

	blob := s.Encode()
	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Code) != len(s.Code) {
		t.Fatalf("decoded length = %d, want %d", len(decoded.Code), len(s.Code))
	}
	for i := range s.Code {
		if decoded.Code[i] != s.Code[i] {
			t.Fatalf("decoded byte %d = %#x, want %#x", i, decoded.Code[i], s.Code[i])
		}
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatalf("expected error decoding a header shorter than 5 bytes")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	blob := []byte{99, 0, 0, 0, 0}
	if _, err := Decode(blob); err == nil {
		t.Fatalf("expected error decoding an unknown format version")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	// Header claims 10 bytes of instructions but only 2 follow.
	blob := []byte{1, 10, 0, 0, 0, 0xAA, 0xBB}
	if _, err := Decode(blob); err == nil {
		t.Fatalf("expected error decoding a body shorter than the declared count")
	}
}
