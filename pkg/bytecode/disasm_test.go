package bytecode

import (
	"strings"
	"testing"
)

func TestProgramDisassemble(t *testing.T) {
	p, err := AssembleString(`
    LOAD_FN worker
    SPAWN
    STORE_GLOBAL child
    JUMP end
    NOP
end:
    HALT
.func worker 0
    RECEIVE
    RETURN
`)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	out := p.Disassemble()

	for _, want := range []string{
		"; === main ===",
		"LOAD_FN 0 ; worker/0",
		"STORE_GLOBAL 0 ; child",
		"JUMP 1 (-> 000B)",
		"; === fn 0: worker ===",
		"RECEIVE",
		"; line 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "=== main ===") > strings.Index(out, "=== fn 0") {
		t.Error("main chunk must come before functions")
	}
}

func TestDisassembleTruncated(t *testing.T) {
	c := NewChunk("t", 0)
	c.Code = []byte{byte(OpConst), 0x00}
	text, n := c.DisassembleInstruction(0)
	if !strings.Contains(text, "truncated") || n != 2 {
		t.Errorf("got %q, %d", text, n)
	}
}
