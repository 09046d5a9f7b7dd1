package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/swarm/pkg/value"
)

// FormatVersion is the current serialized program version.
// Increment when making incompatible changes to the format.
const FormatVersion uint16 = 1

// Magic bytes for serialized programs: "SWBC" (SWarm ByteCode).
var Magic = []byte{'S', 'W', 'B', 'C'}

// Errors returned by Unmarshal.
var (
	ErrBadMagic   = errors.New("bytecode: invalid magic")
	ErrBadVersion = errors.New("bytecode: unsupported format version")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// constant tags
const (
	tagNil uint8 = iota
	tagInt
	tagFloat
	tagBool
	tagString
	tagFunction
)

type wireConst struct {
	Tag   uint8   `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Float float64 `cbor:"3,keyasint,omitempty"`
	Bool  bool    `cbor:"4,keyasint,omitempty"`
	Str   string  `cbor:"5,keyasint,omitempty"`
	Arity int     `cbor:"6,keyasint,omitempty"`
	Index int     `cbor:"7,keyasint,omitempty"`
}

type wireChunk struct {
	Name       string      `cbor:"1,keyasint"`
	Arity      int         `cbor:"2,keyasint"`
	NumLocals  int         `cbor:"3,keyasint"`
	Code       []byte      `cbor:"4,keyasint"`
	Lines      [][2]int    `cbor:"5,keyasint,omitempty"`
	Constants  []wireConst `cbor:"6,keyasint,omitempty"`
	LocalNames []string    `cbor:"7,keyasint,omitempty"`
}

type wireProgram struct {
	Strings   []string    `cbor:"1,keyasint,omitempty"`
	Constants []wireConst `cbor:"2,keyasint,omitempty"`
	Main      wireChunk   `cbor:"3,keyasint"`
	Functions []wireChunk `cbor:"4,keyasint,omitempty"`
	Tools     []ToolDecl  `cbor:"5,keyasint,omitempty"`
}

// Marshal serializes a program: magic, big-endian version, CBOR body.
func Marshal(p *Program) ([]byte, error) {
	if p.Main == nil {
		return nil, ErrNoMain
	}
	w := wireProgram{
		Strings: p.Strings,
		Tools:   p.Tools,
	}
	var err error
	if w.Constants, err = encodeConstants(p.Constants); err != nil {
		return nil, err
	}
	if w.Main, err = encodeChunk(p.Main); err != nil {
		return nil, err
	}
	for _, fn := range p.Functions {
		wc, err := encodeChunk(fn)
		if err != nil {
			return nil, err
		}
		w.Functions = append(w.Functions, wc)
	}

	body, err := cborEncMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal program: %w", err)
	}
	buf := make([]byte, 0, len(Magic)+2+len(body))
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint16(buf, FormatVersion)
	return append(buf, body...), nil
}

// Unmarshal decodes and validates a serialized program.
func Unmarshal(data []byte) (*Program, error) {
	if len(data) < len(Magic)+2 {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrBadMagic, len(Magic)+2, len(data))
	}
	if string(data[:len(Magic)]) != string(Magic) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, Magic, data[:len(Magic)])
	}
	version := binary.BigEndian.Uint16(data[len(Magic):])
	if version == 0 || version > FormatVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrBadVersion, version, FormatVersion)
	}

	var w wireProgram
	if err := cbor.Unmarshal(data[len(Magic)+2:], &w); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}

	p := &Program{Strings: w.Strings, Tools: w.Tools}
	var err error
	if p.Constants, err = decodeConstants(w.Constants); err != nil {
		return nil, err
	}
	if p.Main, err = decodeChunk(w.Main); err != nil {
		return nil, err
	}
	for _, wc := range w.Functions {
		c, err := decodeChunk(wc)
		if err != nil {
			return nil, err
		}
		p.Functions = append(p.Functions, c)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func encodeChunk(c *Chunk) (wireChunk, error) {
	consts, err := encodeConstants(c.Constants)
	if err != nil {
		return wireChunk{}, fmt.Errorf("chunk %s: %w", c.Name, err)
	}
	w := wireChunk{
		Name:       c.Name,
		Arity:      c.Arity,
		NumLocals:  c.NumLocals,
		Code:       c.Code,
		Constants:  consts,
		LocalNames: c.LocalNames,
	}
	for _, l := range c.Lines {
		w.Lines = append(w.Lines, [2]int{l.Offset, l.Line})
	}
	return w, nil
}

func decodeChunk(w wireChunk) (*Chunk, error) {
	consts, err := decodeConstants(w.Constants)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", w.Name, err)
	}
	c := &Chunk{
		Name:       w.Name,
		Arity:      w.Arity,
		NumLocals:  w.NumLocals,
		Code:       w.Code,
		Constants:  consts,
		LocalNames: w.LocalNames,
	}
	if c.Code == nil {
		c.Code = []byte{}
	}
	for _, l := range w.Lines {
		c.Lines = append(c.Lines, LineInfo{Offset: l[0], Line: l[1]})
	}
	return c, nil
}

func encodeConstants(pool []value.Value) ([]wireConst, error) {
	if len(pool) == 0 {
		return nil, nil
	}
	out := make([]wireConst, len(pool))
	for i, v := range pool {
		switch v.Kind() {
		case value.KindNil:
			out[i] = wireConst{Tag: tagNil}
		case value.KindInt:
			out[i] = wireConst{Tag: tagInt, Int: v.Int()}
		case value.KindFloat:
			out[i] = wireConst{Tag: tagFloat, Float: v.Float()}
		case value.KindBool:
			out[i] = wireConst{Tag: tagBool, Bool: v.Bool()}
		case value.KindString:
			out[i] = wireConst{Tag: tagString, Str: v.Str()}
		case value.KindFunction:
			fn := v.Function()
			out[i] = wireConst{Tag: tagFunction, Str: fn.Name, Arity: fn.Arity, Index: fn.Index}
		default:
			return nil, fmt.Errorf("%w: [%d] is %s", ErrBadConstant, i, v.Kind())
		}
	}
	return out, nil
}

func decodeConstants(pool []wireConst) ([]value.Value, error) {
	if len(pool) == 0 {
		return nil, nil
	}
	out := make([]value.Value, len(pool))
	for i, w := range pool {
		switch w.Tag {
		case tagNil:
			out[i] = value.Nil
		case tagInt:
			out[i] = value.FromInt(w.Int)
		case tagFloat:
			out[i] = value.FromFloat(w.Float)
		case tagBool:
			out[i] = value.FromBool(w.Bool)
		case tagString:
			out[i] = value.FromString(w.Str)
		case tagFunction:
			out[i] = value.FromFunction(value.Function{Name: w.Str, Arity: w.Arity, Index: w.Index})
		default:
			return nil, fmt.Errorf("%w: [%d] has tag %d", ErrBadConstant, i, w.Tag)
		}
	}
	return out, nil
}
