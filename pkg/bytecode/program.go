package bytecode

import (
	"errors"
	"fmt"

	"github.com/chazu/swarm/pkg/value"
)

// ToolParam is one declared parameter of a tool.
type ToolParam struct {
	Name string `cbor:"1,keyasint" json:"name"`
	Type string `cbor:"2,keyasint,omitempty" json:"type,omitempty"`
}

// ToolDecl is the metadata of a tool function declared by a program.
type ToolDecl struct {
	Name        string      `cbor:"1,keyasint" json:"name"`
	Params      []ToolParam `cbor:"2,keyasint,omitempty" json:"params,omitempty"`
	Returns     string      `cbor:"3,keyasint,omitempty" json:"returns,omitempty"`
	Description string      `cbor:"4,keyasint,omitempty" json:"description,omitempty"`
	Function    int         `cbor:"5,keyasint" json:"function"`
}

// Program is the immutable output of compilation. It is shared by every
// block spawned from it and must not be mutated once handed to a
// scheduler.
type Program struct {
	Main      *Chunk
	Functions []*Chunk
	Strings   []string
	Constants []value.Value
	Tools     []ToolDecl

	stringIndex map[string]uint16
	consts      constIndex
}

// NewProgram returns a program with an empty main chunk.
func NewProgram() *Program {
	return &Program{Main: NewChunk("main", 0)}
}

// Intern adds s to the string table and returns its index.
func (p *Program) Intern(s string) uint16 {
	if p.stringIndex == nil {
		p.stringIndex = make(map[string]uint16, len(p.Strings))
		for i, existing := range p.Strings {
			p.stringIndex[existing] = uint16(i)
		}
	}
	if idx, ok := p.stringIndex[s]; ok {
		return idx
	}
	idx := uint16(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.stringIndex[s] = idx
	return idx
}

// StringAt returns the string-table entry at idx.
func (p *Program) StringAt(idx uint16) (string, bool) {
	if int(idx) >= len(p.Strings) {
		return "", false
	}
	return p.Strings[idx], true
}

// AddFunction appends a function chunk and returns its index.
func (p *Program) AddFunction(c *Chunk) uint16 {
	p.Functions = append(p.Functions, c)
	return uint16(len(p.Functions) - 1)
}

// Function returns the chunk for a function index.
func (p *Program) Function(idx int) (*Chunk, bool) {
	if idx < 0 || idx >= len(p.Functions) {
		return nil, false
	}
	return p.Functions[idx], true
}

// FunctionRef returns the value referencing function idx.
func (p *Program) FunctionRef(idx int) (value.Value, bool) {
	c, ok := p.Function(idx)
	if !ok {
		return value.Nil, false
	}
	return value.FromFunction(value.Function{Name: c.Name, Arity: c.Arity, Index: idx}), true
}

// FunctionByName returns the index of the first function with the name.
func (p *Program) FunctionByName(name string) (int, bool) {
	for i, c := range p.Functions {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AddConstant adds a program-wide constant and returns its index.
func (p *Program) AddConstant(v value.Value) uint16 {
	return p.consts.add(&p.Constants, v)
}

// Errors returned by Validate.
var (
	ErrNoMain         = errors.New("bytecode: program has no main chunk")
	ErrTruncated      = errors.New("bytecode: truncated instruction")
	ErrUnknownOpcode  = errors.New("bytecode: unknown opcode")
	ErrBadConstant    = errors.New("bytecode: constant kind not allowed in a pool")
	ErrBadFunctionRef = errors.New("bytecode: function reference out of range")
	ErrBadLocalLayout = errors.New("bytecode: arity exceeds local slots")
)

// Validate checks structural well-formedness: every instruction is known
// and complete, constant pools hold only immediate values, and function
// references resolve. Jump targets, stack effects and operand ranges are
// checked at run time.
func (p *Program) Validate() error {
	if p.Main == nil {
		return ErrNoMain
	}
	if err := p.validateConstants("constants", p.Constants); err != nil {
		return err
	}
	if err := p.validateChunk(p.Main); err != nil {
		return err
	}
	for i, fn := range p.Functions {
		if fn == nil {
			return fmt.Errorf("%w: function %d is nil", ErrBadFunctionRef, i)
		}
		if err := p.validateChunk(fn); err != nil {
			return fmt.Errorf("function %d (%s): %w", i, fn.Name, err)
		}
	}
	for _, tool := range p.Tools {
		if tool.Function < 0 || tool.Function >= len(p.Functions) {
			return fmt.Errorf("%w: tool %s", ErrBadFunctionRef, tool.Name)
		}
	}
	return nil
}

func (p *Program) validateChunk(c *Chunk) error {
	if c.Arity > c.NumLocals || c.NumLocals > 256 {
		return ErrBadLocalLayout
	}
	if err := p.validateConstants(c.Name, c.Constants); err != nil {
		return err
	}
	for offset := 0; offset < len(c.Code); {
		op := Opcode(c.Code[offset])
		if !op.Valid() {
			return fmt.Errorf("%w 0x%02X at %04X", ErrUnknownOpcode, byte(op), offset)
		}
		next := offset + op.InstructionLen()
		if next > len(c.Code) {
			return fmt.Errorf("%w: %s at %04X", ErrTruncated, op, offset)
		}
		if op == OpLoadFn || op == OpClosure {
			if int(c.ReadU16(offset+1)) >= len(p.Functions) {
				return fmt.Errorf("%w: %s at %04X", ErrBadFunctionRef, op, offset)
			}
		}
		offset = next
	}
	return nil
}

func (p *Program) validateConstants(where string, pool []value.Value) error {
	for i, v := range pool {
		switch v.Kind() {
		case value.KindNil, value.KindInt, value.KindFloat, value.KindBool, value.KindString:
		case value.KindFunction:
			if v.Function().Index >= len(p.Functions) {
				return fmt.Errorf("%w: %s[%d]", ErrBadFunctionRef, where, i)
			}
		default:
			return fmt.Errorf("%w: %s[%d] is %s", ErrBadConstant, where, i, v.Kind())
		}
	}
	return nil
}
