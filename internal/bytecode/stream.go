package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// fileVersion is written as the first byte of every persisted .pcbc
// blob. The original tool wrote the instruction count in host byte
// order; this format commits to little-endian and versions itself so
// a future format change does not silently misread old artifacts.
const fileVersion byte = 1

// Stream is a growable, patchable byte buffer holding one program's
// instruction encoding. Everything is append-only except back-patching
// a previously emitted jump operand once its target becomes known.
type Stream struct {
	Code []byte
}

func NewStream() *Stream {
	return &Stream{Code: make([]byte, 0, 256)}
}

// Len returns the current end position, i.e. the position the next
// appended byte will occupy.
func (s *Stream) Len() int {
	return len(s.Code)
}

func (s *Stream) WriteByte(b byte) int {
	pos := len(s.Code)
	s.Code = append(s.Code, b)
	return pos
}

func (s *Stream) WriteOp(op OpCode) int {
	return s.WriteByte(byte(op))
}

// WriteU32 appends a 4-byte big-endian immediate, as used for array
// bounds, jump targets and LOAD_STRING lengths.
func (s *Stream) WriteU32(v uint32) int {
	pos := len(s.Code)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	s.Code = append(s.Code, buf[:]...)
	return pos
}

func (s *Stream) WriteI32(v int32) int {
	return s.WriteU32(uint32(v))
}

func (s *Stream) WriteF64(v float64) int {
	pos := len(s.Code)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	s.Code = append(s.Code, buf[:]...)
	return pos
}

func (s *Stream) WriteBytes(b []byte) int {
	pos := len(s.Code)
	s.Code = append(s.Code, b...)
	return pos
}

// PatchU32 overwrites the 4-byte big-endian immediate at pos. Used to
// back-patch BRANCH/B_FALSE/DO_CALL/subroutine-entry operands once the
// true target address is known.
func (s *Stream) PatchU32(pos int, v uint32) {
	binary.BigEndian.PutUint32(s.Code[pos:pos+4], v)
}

func (s *Stream) ReadU32(pos int) uint32 {
	return binary.BigEndian.Uint32(s.Code[pos : pos+4])
}

func (s *Stream) ReadF64(pos int) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(s.Code[pos : pos+8]))
}

func (s *Stream) OpAt(pos int) OpCode {
	return OpCode(s.Code[pos])
}

// Encode serializes the stream to the persisted .pcbc representation:
// one version byte, then a little-endian instruction count, then the
// raw stream.
func (s *Stream) Encode() []byte {
	out := make([]byte, 0, 5+len(s.Code))
	out = append(out, fileVersion)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(s.Code)))
	out = append(out, countBuf[:]...)
	out = append(out, s.Code...)
	return out
}

// Decode parses a persisted .pcbc blob back into a Stream.
func Decode(data []byte) (*Stream, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("bytecode file truncated: need at least 5 header bytes, got %d", len(data))
	}
	version := data[0]
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported bytecode file version %d", version)
	}
	count := binary.LittleEndian.Uint32(data[1:5])
	body := data[5:]
	if uint32(len(body)) != count {
		return nil, fmt.Errorf("bytecode file corrupt: header declares %d instruction bytes, found %d", count, len(body))
	}
	code := make([]byte, len(body))
	copy(code, body)
	return &Stream{Code: code}, nil
}

// Disassemble renders a human-readable instruction listing, used by the
// verbose trace mode.
func (s *Stream) Disassemble() []string {
	var lines []string
	pc := 0
	for pc < len(s.Code) {
		op := OpCode(s.Code[pc])
		start := pc
		pc++
		switch op {
		case OpLoadInt, OpBranch, OpBFalse, OpDoCall, OpCallBuiltin:
			if pc+4 <= len(s.Code) {
				v := s.ReadU32(pc)
				lines = append(lines, fmt.Sprintf("%04d %-16s %d", start, op, v))
				pc += 4
				continue
			}
		case OpLoadReal:
			if pc+8 <= len(s.Code) {
				v := s.ReadF64(pc)
				lines = append(lines, fmt.Sprintf("%04d %-16s %g", start, op, v))
				pc += 8
				continue
			}
		case OpLoadString:
			if pc+4 <= len(s.Code) {
				n := s.ReadU32(pc)
				pc += 4
				str := string(s.Code[pc : pc+int(n)])
				pc += int(n)
				lines = append(lines, fmt.Sprintf("%04d %-16s %q", start, op, str))
				continue
			}
		case OpLoadChar, OpLoadBool:
			if pc < len(s.Code) {
				lines = append(lines, fmt.Sprintf("%04d %-16s %d", start, op, s.Code[pc]))
				pc++
				continue
			}
		case OpReturn, OpOpenFile:
			if pc < len(s.Code) {
				lines = append(lines, fmt.Sprintf("%04d %-16s %d", start, op, s.Code[pc]))
				pc++
				continue
			}
		}
		lines = append(lines, fmt.Sprintf("%04d %-16s", start, op))
	}
	return lines
}
