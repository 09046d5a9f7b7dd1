package bytecode

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/swarm/pkg/value"
)

const countdownSrc = `
; count down from 100000
.local counter
    CONST 100000
    STORE_LOCAL counter
loop:
    LOAD_LOCAL counter
    CONST 0
    GT
    JUMP_UNLESS done
    POP
    LOAD_LOCAL counter
    CONST 1
    SUB
    STORE_LOCAL counter
    LOOP loop
done:
    POP
    LOAD_LOCAL counter
    HALT
`

func TestAssembleCountdown(t *testing.T) {
	p, err := AssembleString(countdownSrc)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	m := p.Main
	if m.NumLocals != 1 || m.LocalName(0) != "counter" {
		t.Errorf("locals = %d %v", m.NumLocals, m.LocalNames)
	}

	// JUMP_UNLESS sits after LOAD_LOCAL(2) CONST(3) GT(1) from loop start 5.
	jumpAt := 5 + 2 + 3 + 1
	if op := Opcode(m.Code[jumpAt]); op != OpJumpUnless {
		t.Fatalf("opcode at %d = %s, want JUMP_UNLESS", jumpAt, op)
	}
	done := m.JumpTarget(jumpAt)
	if op := Opcode(m.Code[done]); op != OpPop {
		t.Errorf("jump lands on %s, want POP", op)
	}

	loopAt := done - 3
	if op := Opcode(m.Code[loopAt]); op != OpLoop {
		t.Fatalf("opcode at %d = %s, want LOOP", loopAt, op)
	}
	if got := m.JumpTarget(loopAt); got != 5 {
		t.Errorf("loop target = %d, want 5", got)
	}
	if m.LineAt(0) != 4 {
		t.Errorf("first line = %d, want 4", m.LineAt(0))
	}
}

func TestAssembleFunctionsAndTools(t *testing.T) {
	src := `
.tool search search query:string limit:int -> array "Search the index"
    LOAD_FN add
    CLOSURE echo 1
    CONST @add
    GCONST "shared"
    STORE_GLOBAL answer
    HALT

.func add 2 a b
    LOAD_LOCAL a
    LOAD_LOCAL b
    ADD
    RETURN

.func echo 0
    LOAD_CAPTURE 0
    RETURN

.func search 2
    NIL
    RETURN
`
	p, err := AssembleString(src)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(p.Functions) != 3 {
		t.Fatalf("functions = %d, want 3", len(p.Functions))
	}
	if idx, ok := p.FunctionByName("echo"); !ok || idx != 1 {
		t.Errorf("FunctionByName(echo) = %d, %v", idx, ok)
	}
	add := p.Functions[0]
	if add.Arity != 2 || add.LocalName(1) != "b" {
		t.Errorf("add = arity %d locals %v", add.Arity, add.LocalNames)
	}

	ref := p.Main.Constants[0]
	if !ref.IsCallable() || ref.Function().Name != "add" || ref.Function().Arity != 2 {
		t.Errorf("function constant = %v", ref)
	}
	if len(p.Constants) != 1 || p.Constants[0].Str() != "shared" {
		t.Errorf("program constants = %v", p.Constants)
	}
	if len(p.Strings) != 1 || p.Strings[0] != "answer" {
		t.Errorf("strings = %v", p.Strings)
	}

	if len(p.Tools) != 1 {
		t.Fatalf("tools = %v", p.Tools)
	}
	tool := p.Tools[0]
	if tool.Name != "search" || tool.Returns != "array" || tool.Description != "Search the index" {
		t.Errorf("tool = %+v", tool)
	}
	if len(tool.Params) != 2 || tool.Params[1] != (ToolParam{Name: "limit", Type: "int"}) {
		t.Errorf("tool params = %+v", tool.Params)
	}
	if tool.Function != 2 {
		t.Errorf("tool function = %d, want 2", tool.Function)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", "FROB", "unknown instruction"},
		{"undefined label", "JUMP nowhere", "undefined label"},
		{"backward jump", "top:\nJUMP top", "not forward"},
		{"forward loop", "LOOP later\nlater:", "not backward"},
		{"operand count", "CONST", "takes 1 operand"},
		{"unknown local", "LOAD_LOCAL x", "unknown local"},
		{"unknown function", "LOAD_FN nope", "unknown function"},
		{"bad literal", "CONST [1]", "bad literal"},
		{"unterminated", `CONST "abc`, "unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleString(tt.src)
			if err == nil {
				t.Fatal("expected error")
			}
			var asmErr *AsmError
			if !errors.As(err, &asmErr) {
				t.Fatalf("error %T is not *AsmError: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestAssembleLiterals(t *testing.T) {
	p, err := AssembleString(`CONST -7
CONST 2.5
CONST "a;b"
CONST nil
CONST true`)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	want := []value.Value{
		value.FromInt(-7), value.FromFloat(2.5), value.FromString("a;b"), value.Nil, value.True,
	}
	got := p.Main.Constants
	if len(got) != len(want) {
		t.Fatalf("constants = %v", got)
	}
	for i := range want {
		if got[i].Kind() != want[i].Kind() || !value.Equal(got[i], want[i]) {
			t.Errorf("constant %d = %v, want %v", i, got[i], want[i])
		}
	}
}
