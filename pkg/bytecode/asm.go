package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/swarm/pkg/value"
)

// AsmError reports a problem at a source line of assembly text.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("asm: line %d: %s", e.Line, e.Msg)
}

// Assemble builds a program from assembly text.
//
// Each line holds a label ("name:"), a directive or an instruction.
// Comments start with ';'. Directives:
//
//	.func NAME ARITY [PARAM...]  start a function chunk
//	.main                        switch back to the main chunk
//	.local NAME                  declare a named local slot
//	.const LITERAL               add a program constant (for GCONST)
//	.tool NAME FUNC [P[:T]...] [-> TYPE] ["description"]
//
// Literal operands are integers, floats, quoted strings, nil, true, false
// or @name for a function reference. Locals may be referenced by slot or
// name, globals by name, functions by name or index, jump targets by label.
func Assemble(r io.Reader) (*Program, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	a := &assembler{prog: NewProgram(), funcs: make(map[string]int)}
	if err := a.declareFunctions(lines); err != nil {
		return nil, err
	}
	if err := a.assemble(lines); err != nil {
		return nil, err
	}
	if err := a.prog.Validate(); err != nil {
		return nil, err
	}
	return a.prog, nil
}

// AssembleString is Assemble over a string.
func AssembleString(src string) (*Program, error) {
	return Assemble(strings.NewReader(src))
}

type srcLine struct {
	num    int
	tokens []string
}

type fixup struct {
	line   int
	at     int
	label  string
	isLoop bool
	origin int
}

type assembler struct {
	prog  *Program
	funcs map[string]int

	chunk  *Chunk
	labels map[string]int
	fixups []fixup
}

func readLines(r io.Reader) ([]srcLine, error) {
	var out []srcLine
	sc := bufio.NewScanner(r)
	num := 0
	for sc.Scan() {
		num++
		toks, err := tokenize(sc.Text())
		if err != nil {
			return nil, &AsmError{Line: num, Msg: err.Error()}
		}
		if len(toks) > 0 {
			out = append(out, srcLine{num: num, tokens: toks})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("asm: read: %w", err)
	}
	return out, nil
}

func tokenize(line string) ([]string, error) {
	var toks []string
	for i := 0; i < len(line); {
		ch := line[i]
		switch {
		case ch == ';':
			return toks, nil
		case ch == ' ' || ch == '\t' || ch == ',':
			i++
		case ch == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, line[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' && line[j] != ',' && line[j] != ';' {
				j++
			}
			toks = append(toks, line[i:j])
			i = j
		}
	}
	return toks, nil
}

func (a *assembler) declareFunctions(lines []srcLine) error {
	for _, l := range lines {
		if l.tokens[0] != ".func" {
			continue
		}
		if len(l.tokens) < 3 {
			return &AsmError{Line: l.num, Msg: ".func needs NAME ARITY"}
		}
		name := l.tokens[1]
		if _, dup := a.funcs[name]; dup {
			return &AsmError{Line: l.num, Msg: fmt.Sprintf("function %q redefined", name)}
		}
		arity, err := strconv.Atoi(l.tokens[2])
		if err != nil || arity < 0 || arity > 255 {
			return &AsmError{Line: l.num, Msg: fmt.Sprintf("bad arity %q", l.tokens[2])}
		}
		fn := NewChunk(name, arity)
		for _, param := range l.tokens[3:] {
			fn.LocalNames = append(fn.LocalNames, param)
		}
		for len(fn.LocalNames) < arity {
			fn.LocalNames = append(fn.LocalNames, "")
		}
		if len(fn.LocalNames) > arity {
			return &AsmError{Line: l.num, Msg: "more parameter names than arity"}
		}
		a.funcs[name] = int(a.prog.AddFunction(fn))
	}
	return nil
}

func (a *assembler) assemble(lines []srcLine) error {
	a.switchTo(a.prog.Main)
	for _, l := range lines {
		if err := a.line(l); err != nil {
			if _, ok := err.(*AsmError); ok {
				return err
			}
			return &AsmError{Line: l.num, Msg: err.Error()}
		}
	}
	return a.finishChunk()
}

func (a *assembler) switchTo(c *Chunk) {
	a.chunk = c
	a.labels = make(map[string]int)
	a.fixups = nil
}

func (a *assembler) finishChunk() error {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return &AsmError{Line: f.line, Msg: fmt.Sprintf("undefined label %q", f.label)}
		}
		var distance int
		if f.isLoop {
			distance = f.origin + 3 - target
		} else {
			distance = target - (f.origin + 3)
		}
		if distance < 0 || (f.isLoop && target > f.origin) {
			dir := "forward"
			if f.isLoop {
				dir = "backward"
			}
			return &AsmError{Line: f.line, Msg: fmt.Sprintf("label %q is not %s", f.label, dir)}
		}
		if distance > 0xFFFF {
			return &AsmError{Line: f.line, Msg: ErrJumpTooFar.Error()}
		}
		a.chunk.Code[f.at] = byte(distance >> 8)
		a.chunk.Code[f.at+1] = byte(distance)
	}
	return nil
}

func (a *assembler) line(l srcLine) error {
	head := l.tokens[0]
	args := l.tokens[1:]

	if strings.HasSuffix(head, ":") && len(l.tokens) == 1 {
		label := strings.TrimSuffix(head, ":")
		if _, dup := a.labels[label]; dup {
			return fmt.Errorf("label %q redefined", label)
		}
		a.labels[label] = a.chunk.CurrentOffset()
		return nil
	}

	if strings.HasPrefix(head, ".") {
		return a.directive(l.num, head, args)
	}

	a.chunk.SetLine(l.num)
	op, ok := LookupOpcode(strings.ToUpper(head))
	if !ok {
		return fmt.Errorf("unknown instruction %q", head)
	}
	return a.instruction(l.num, op, args)
}

func (a *assembler) directive(num int, name string, args []string) error {
	switch name {
	case ".func":
		if err := a.finishChunk(); err != nil {
			return err
		}
		a.switchTo(a.prog.Functions[a.funcs[args[0]]])
	case ".main":
		if err := a.finishChunk(); err != nil {
			return err
		}
		a.switchTo(a.prog.Main)
	case ".local":
		if len(args) != 1 {
			return fmt.Errorf(".local needs NAME")
		}
		if a.chunk.NumLocals >= 256 {
			return fmt.Errorf("too many locals")
		}
		a.chunk.DeclareLocal(args[0])
	case ".const":
		if len(args) != 1 {
			return fmt.Errorf(".const needs LITERAL")
		}
		v, err := a.literal(args[0])
		if err != nil {
			return err
		}
		a.prog.AddConstant(v)
	case ".tool":
		return a.tool(args)
	default:
		return fmt.Errorf("unknown directive %s", name)
	}
	return nil
}

func (a *assembler) tool(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf(".tool needs NAME FUNC")
	}
	fn, err := a.function(args[1])
	if err != nil {
		return err
	}
	decl := ToolDecl{Name: args[0], Function: fn}
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		switch {
		case tok == "->":
			if i+1 >= len(rest) {
				return fmt.Errorf(".tool: missing return type")
			}
			decl.Returns = rest[i+1]
			i++
		case strings.HasPrefix(tok, `"`):
			desc, err := strconv.Unquote(tok)
			if err != nil {
				return fmt.Errorf(".tool: bad description: %w", err)
			}
			decl.Description = desc
		default:
			name, typ, _ := strings.Cut(tok, ":")
			decl.Params = append(decl.Params, ToolParam{Name: name, Type: typ})
		}
	}
	a.prog.Tools = append(a.prog.Tools, decl)
	return nil
}

func (a *assembler) instruction(num int, op Opcode, args []string) error {
	want := 0
	switch op.OperandLen() {
	case 1, 2:
		want = 1
	case 3:
		want = 2
	}
	if len(args) != want {
		return fmt.Errorf("%s takes %d operand(s), got %d", op, want, len(args))
	}

	c := a.chunk
	switch op {
	case OpConst:
		v, err := a.literal(args[0])
		if err != nil {
			return err
		}
		c.EmitConstant(v)

	case OpGConst:
		v, err := a.literal(args[0])
		if err != nil {
			return err
		}
		c.EmitU16(OpGConst, a.prog.AddConstant(v))

	case OpLoadLocal, OpStoreLocal:
		slot, err := a.local(args[0])
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, slot)

	case OpLoadGlobal, OpStoreGlobal:
		c.EmitU16(op, a.prog.Intern(args[0]))

	case OpLoadFn:
		fn, err := a.function(args[0])
		if err != nil {
			return err
		}
		c.EmitU16(op, uint16(fn))

	case OpClosure:
		fn, err := a.function(args[0])
		if err != nil {
			return err
		}
		n, err := byteOperand(args[1])
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, byte(fn>>8), byte(fn), n)

	case OpCall, OpLoadCapture:
		n, err := byteOperand(args[0])
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, n)

	case OpJump, OpJumpIf, OpJumpUnless, OpLoop:
		origin := c.CurrentOffset()
		at := c.EmitJump(op)
		a.fixups = append(a.fixups, fixup{line: num, at: at, label: args[0], isLoop: op == OpLoop, origin: origin})

	default:
		c.Emit(op)
	}
	return nil
}

func (a *assembler) local(tok string) (byte, error) {
	if n, err := strconv.Atoi(tok); err == nil {
		if n < 0 || n > 255 {
			return 0, fmt.Errorf("local slot %d out of range", n)
		}
		if n >= a.chunk.NumLocals {
			a.chunk.NumLocals = n + 1
		}
		return byte(n), nil
	}
	for i, name := range a.chunk.LocalNames {
		if name == tok {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("unknown local %q", tok)
}

func (a *assembler) function(tok string) (int, error) {
	if idx, ok := a.funcs[strings.TrimPrefix(tok, "@")]; ok {
		return idx, nil
	}
	if n, err := strconv.Atoi(tok); err == nil && n >= 0 && n < len(a.prog.Functions) {
		return n, nil
	}
	return 0, fmt.Errorf("unknown function %q", tok)
}

func (a *assembler) literal(tok string) (value.Value, error) {
	switch tok {
	case "nil":
		return value.Nil, nil
	case "true":
		return value.True, nil
	case "false":
		return value.False, nil
	}
	if strings.HasPrefix(tok, `"`) {
		s, err := strconv.Unquote(tok)
		if err != nil {
			return value.Nil, fmt.Errorf("bad string %s: %w", tok, err)
		}
		return value.FromString(s), nil
	}
	if strings.HasPrefix(tok, "@") {
		idx, err := a.function(tok)
		if err != nil {
			return value.Nil, err
		}
		ref, _ := a.prog.FunctionRef(idx)
		return ref, nil
	}
	if i, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return value.FromInt(i), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return value.FromFloat(f), nil
	}
	return value.Nil, fmt.Errorf("bad literal %q", tok)
}

func byteOperand(tok string) (byte, error) {
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("bad byte operand %q", tok)
	}
	return byte(n), nil
}
