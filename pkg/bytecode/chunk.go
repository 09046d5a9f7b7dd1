package bytecode

import (
	"errors"
	"fmt"

	"github.com/chazu/swarm/pkg/value"
)

// ErrJumpTooFar is returned when a jump distance does not fit in 16 bits.
var ErrJumpTooFar = errors.New("bytecode: jump distance exceeds 65535")

// LineInfo maps a code offset to a source line. Entries are sorted by
// offset; an entry covers every byte up to the next entry.
type LineInfo struct {
	Offset int
	Line   int
}

// Chunk is a compiled unit of code: the main program or one function.
type Chunk struct {
	Name      string
	Arity     int // Parameters, occupying the first local slots
	NumLocals int // Total local slots, including parameters

	Code       []byte
	Lines      []LineInfo
	Constants  []value.Value
	LocalNames []string

	line   int
	consts constIndex
}

// NewChunk creates an empty chunk.
func NewChunk(name string, arity int) *Chunk {
	return &Chunk{
		Name:      name,
		Arity:     arity,
		NumLocals: arity,
		Code:      make([]byte, 0, 64),
	}
}

// SetLine sets the source line attached to subsequently emitted code.
func (c *Chunk) SetLine(line int) {
	c.line = line
}

// LineAt returns the source line for a code offset, or 0 if unknown.
func (c *Chunk) LineAt(offset int) int {
	for i := len(c.Lines) - 1; i >= 0; i-- {
		if c.Lines[i].Offset <= offset {
			return c.Lines[i].Line
		}
	}
	return 0
}

func (c *Chunk) mark() {
	if c.line == 0 {
		return
	}
	if n := len(c.Lines); n > 0 && c.Lines[n-1].Line == c.line {
		return
	}
	c.Lines = append(c.Lines, LineInfo{Offset: len(c.Code), Line: c.line})
}

// DeclareLocal names the next local slot and returns its index.
func (c *Chunk) DeclareLocal(name string) uint8 {
	for len(c.LocalNames) < c.NumLocals {
		c.LocalNames = append(c.LocalNames, "")
	}
	c.LocalNames = append(c.LocalNames, name)
	c.NumLocals = len(c.LocalNames)
	return uint8(c.NumLocals - 1)
}

// LocalName returns the debug name of a slot, or "".
func (c *Chunk) LocalName(slot int) string {
	if slot < 0 || slot >= len(c.LocalNames) {
		return ""
	}
	return c.LocalNames[slot]
}

// AddConstant adds a constant to the pool and returns its index.
// If an equal constant of the same kind already exists, returns the
// existing index.
func (c *Chunk) AddConstant(v value.Value) uint16 {
	return c.consts.add(&c.Constants, v)
}

// constIndex buckets a constant pool by value.Hash so deduplication does
// not scan the whole pool.
type constIndex map[uint64][]uint16

func (ix *constIndex) add(pool *[]value.Value, v value.Value) uint16 {
	if *ix == nil {
		*ix = make(constIndex, len(*pool))
		for i, existing := range *pool {
			h := value.Hash(existing)
			(*ix)[h] = append((*ix)[h], uint16(i))
		}
	}
	h := value.Hash(v)
	for _, i := range (*ix)[h] {
		if existing := (*pool)[i]; existing.Kind() == v.Kind() && value.Equal(existing, v) {
			return i
		}
	}
	idx := uint16(len(*pool))
	*pool = append(*pool, v)
	(*ix)[h] = append((*ix)[h], idx)
	return idx
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	c.mark()
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	c.mark()
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// EmitU16 appends an opcode with a big-endian 16-bit operand.
func (c *Chunk) EmitU16(op Opcode, operand uint16) int {
	return c.EmitWithOperand(op, byte(operand>>8), byte(operand))
}

// EmitConstant emits an OpConst instruction for the given value.
func (c *Chunk) EmitConstant(v value.Value) int {
	return c.EmitU16(OpConst, c.AddConstant(v))
}

// EmitInt is shorthand for EmitConstant(value.FromInt(i)).
func (c *Chunk) EmitInt(i int64) int {
	return c.EmitConstant(value.FromInt(i))
}

// EmitString is shorthand for EmitConstant(value.FromString(s)).
func (c *Chunk) EmitString(s string) int {
	return c.EmitConstant(value.FromString(s))
}

// EmitJump emits a forward jump with a placeholder distance.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := c.EmitWithOperand(op, 0xFF, 0xFF)
	return offset + 1
}

// PatchJump patches a forward jump to land on the current position.
func (c *Chunk) PatchJump(placeholderOffset int) error {
	return c.PatchJumpTo(placeholderOffset, len(c.Code))
}

// PatchJumpTo patches a forward jump to land on target.
func (c *Chunk) PatchJumpTo(placeholderOffset int, target int) error {
	distance := target - (placeholderOffset + 2)
	if distance < 0 || distance > 0xFFFF {
		return fmt.Errorf("%w: patch at %d to %d", ErrJumpTooFar, placeholderOffset, target)
	}
	c.Code[placeholderOffset] = byte(distance >> 8)
	c.Code[placeholderOffset+1] = byte(distance)
	return nil
}

// EmitLoop emits a backward jump to the given loop start.
func (c *Chunk) EmitLoop(loopStart int) error {
	distance := len(c.Code) + 3 - loopStart
	if distance < 0 || distance > 0xFFFF {
		return fmt.Errorf("%w: loop to %d", ErrJumpTooFar, loopStart)
	}
	c.EmitU16(OpLoop, uint16(distance))
	return nil
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// ReadU16 reads a big-endian operand at offset.
func (c *Chunk) ReadU16(offset int) uint16 {
	return uint16(c.Code[offset])<<8 | uint16(c.Code[offset+1])
}

// JumpTarget returns the destination of the jump instruction at offset.
// The result is not bounds-checked against the code length.
func (c *Chunk) JumpTarget(offset int) int {
	op := Opcode(c.Code[offset])
	next := offset + 3
	distance := int(c.ReadU16(offset + 1))
	if op == OpLoop {
		return next - distance
	}
	return next + distance
}
