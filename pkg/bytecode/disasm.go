package bytecode

import (
	"fmt"
	"strings"

	"github.com/chazu/swarm/pkg/value"
)

// Disassemble returns a human-readable listing of the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName(c.Name, nil)
}

// DisassembleWithName returns a listing with a name header. The program,
// if non-nil, resolves string-table and function operands.
func (c *Chunk) DisassembleWithName(name string, p *Program) string {
	var sb strings.Builder

	if name != "" {
		fmt.Fprintf(&sb, "; === %s ===\n", name)
	}
	fmt.Fprintf(&sb, "; Arity: %d, Locals: %d\n", c.Arity, c.NumLocals)
	if len(c.LocalNames) > 0 {
		sb.WriteString("; Local names: ")
		for i, n := range c.LocalNames {
			if i > 0 {
				sb.WriteString(", ")
			}
			if n == "" {
				n = "_"
			}
			sb.WriteString(n)
		}
		sb.WriteString("\n")
	}

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, v := range c.Constants {
			fmt.Fprintf(&sb, ";   [%3d] %s\n", i, displayConstant(v))
		}
	}

	sb.WriteString("; Code:\n")
	lastLine := -1
	for offset := 0; offset < len(c.Code); {
		text, n := c.disassembleInstruction(offset, p)
		if line := c.LineAt(offset); line > 0 && line != lastLine {
			fmt.Fprintf(&sb, "%04X  %-36s ; line %d\n", offset, text, line)
			lastLine = line
		} else {
			fmt.Fprintf(&sb, "%04X  %s\n", offset, text)
		}
		if n == 0 {
			break
		}
		offset += n
	}
	return sb.String()
}

// DisassembleInstruction formats the instruction at offset and returns the
// text and the instruction length.
func (c *Chunk) DisassembleInstruction(offset int) (string, int) {
	return c.disassembleInstruction(offset, nil)
}

func (c *Chunk) disassembleInstruction(offset int, p *Program) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}
	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	if !op.Valid() {
		return info.Name, 1
	}
	size := op.InstructionLen()
	if offset+size > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(c.Code) - offset
	}

	switch op {
	case OpConst:
		idx := c.ReadU16(offset + 1)
		if int(idx) < len(c.Constants) {
			return fmt.Sprintf("CONST %d ; %s", idx, displayConstant(c.Constants[idx])), size
		}
		return fmt.Sprintf("CONST %d ; <out of range>", idx), size

	case OpGConst:
		idx := c.ReadU16(offset + 1)
		if p != nil && int(idx) < len(p.Constants) {
			return fmt.Sprintf("GCONST %d ; %s", idx, displayConstant(p.Constants[idx])), size
		}
		return fmt.Sprintf("GCONST %d", idx), size

	case OpLoadLocal, OpStoreLocal:
		slot := int(c.Code[offset+1])
		if name := c.LocalName(slot); name != "" {
			return fmt.Sprintf("%s %d ; %s", info.Name, slot, name), size
		}
		return fmt.Sprintf("%s %d", info.Name, slot), size

	case OpLoadGlobal, OpStoreGlobal:
		idx := c.ReadU16(offset + 1)
		if p != nil {
			if s, ok := p.StringAt(idx); ok {
				return fmt.Sprintf("%s %d ; %s", info.Name, idx, s), size
			}
		}
		return fmt.Sprintf("%s %d", info.Name, idx), size

	case OpLoadFn:
		idx := int(c.ReadU16(offset + 1))
		return fmt.Sprintf("LOAD_FN %d%s", idx, functionNote(p, idx)), size

	case OpClosure:
		idx := int(c.ReadU16(offset + 1))
		n := c.Code[offset+3]
		return fmt.Sprintf("CLOSURE %d %d%s", idx, n, functionNote(p, idx)), size

	case OpJump, OpJumpIf, OpJumpUnless, OpLoop:
		distance := c.ReadU16(offset + 1)
		return fmt.Sprintf("%s %d (-> %04X)", info.Name, distance, c.JumpTarget(offset)), size

	case OpLoadCapture, OpCall:
		return fmt.Sprintf("%s %d", info.Name, c.Code[offset+1]), size
	}

	return info.Name, size
}

func functionNote(p *Program, idx int) string {
	if p == nil {
		return ""
	}
	fn, ok := p.Function(idx)
	if !ok {
		return " ; <out of range>"
	}
	return fmt.Sprintf(" ; %s/%d", fn.Name, fn.Arity)
}

func displayConstant(v value.Value) string {
	if v.IsString() {
		s := v.Str()
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%q", s)
	}
	return v.String()
}

// Disassemble lists the main chunk, then each function chunk by index.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	if len(p.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range p.Strings {
			fmt.Fprintf(&sb, ";   [%3d] %q\n", i, s)
		}
	}
	if len(p.Constants) > 0 {
		sb.WriteString("; Program constants:\n")
		for i, v := range p.Constants {
			fmt.Fprintf(&sb, ";   [%3d] %s\n", i, displayConstant(v))
		}
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	if p.Main != nil {
		sb.WriteString(p.Main.DisassembleWithName("main", p))
	}
	for i, fn := range p.Functions {
		sb.WriteString("\n")
		sb.WriteString(fn.DisassembleWithName(fmt.Sprintf("fn %d: %s", i, fn.Name), p))
	}
	return sb.String()
}
