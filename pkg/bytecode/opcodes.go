package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpDup2 Opcode = 0x03 // Duplicate top two: a b -> a b a b
	OpSwap Opcode = 0x04 // Swap top two stack elements

	// ========================================================================
	// Constants and literals (0x10-0x1F)
	// ========================================================================

	OpConst   Opcode = 0x10 // Push chunk constant: OpConst <index:u16>
	OpNil     Opcode = 0x11 // Push nil
	OpTrue    Opcode = 0x12 // Push true
	OpFalse   Opcode = 0x13 // Push false
	OpLoadFn  Opcode = 0x14 // Push function reference: OpLoadFn <fn:u16>
	OpClosure Opcode = 0x15 // Pop n values into a closure: OpClosure <fn:u16> <n:u8>
	OpGConst  Opcode = 0x16 // Push program constant: OpGConst <index:u16>

	// ========================================================================
	// Variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal   Opcode = 0x20 // Push local: OpLoadLocal <slot:u8>
	OpStoreLocal  Opcode = 0x21 // Pop into local: OpStoreLocal <slot:u8>
	OpLoadGlobal  Opcode = 0x22 // Push global: OpLoadGlobal <name:u16>
	OpStoreGlobal Opcode = 0x23 // Pop into global: OpStoreGlobal <name:u16>
	OpLoadCapture Opcode = 0x24 // Push closure capture: OpLoadCapture <index:u8>

	// ========================================================================
	// Arithmetic (0x50-0x5F)
	// ========================================================================

	OpAdd Opcode = 0x50 // Pop two, push sum (strings concatenate)
	OpSub Opcode = 0x51 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x52 // Pop two, push product
	OpDiv Opcode = 0x53 // Pop two, push quotient
	OpMod Opcode = 0x54 // Pop two, push remainder
	OpNeg Opcode = 0x55 // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x60-0x6F)
	// ========================================================================

	OpEq  Opcode = 0x60 // Pop two, push a == b
	OpNeq Opcode = 0x61 // Pop two, push a != b
	OpLt  Opcode = 0x62 // Pop two, push a < b
	OpLe  Opcode = 0x63 // Pop two, push a <= b
	OpGt  Opcode = 0x64 // Pop two, push a > b
	OpGe  Opcode = 0x65 // Pop two, push a >= b
	OpNot Opcode = 0x68 // Push true if TOS is falsy

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump       Opcode = 0x80 // Forward jump: OpJump <distance:u16>
	OpJumpIf     Opcode = 0x81 // Forward jump if TOS truthy, no pop
	OpJumpUnless Opcode = 0x82 // Forward jump if TOS falsy, no pop
	OpLoop       Opcode = 0x83 // Backward jump: OpLoop <distance:u16>

	// ========================================================================
	// Calls (0x90-0x9F)
	// ========================================================================

	OpCall   Opcode = 0x90 // Pop callee then argc args: OpCall <argc:u8>
	OpReturn Opcode = 0x91 // Return top of stack to caller

	// ========================================================================
	// Process operations (0xA0-0xAF)
	// ========================================================================

	OpSpawn        Opcode = 0xA0 // Pop callable, push child PID
	OpSend         Opcode = 0xA1 // Pop message then target, push delivered flag
	OpReceive      Opcode = 0xA2 // Pop a message or suspend
	OpReceiveAfter Opcode = 0xA3 // Pop timeout ms, then like RECEIVE with a timer
	OpSelf         Opcode = 0xA4 // Push own PID
	OpYield        Opcode = 0xA5 // End the slice
	OpLink         Opcode = 0xA6 // Pop PID, link
	OpUnlink       Opcode = 0xA7 // Pop PID, unlink
	OpMonitor      Opcode = 0xA8 // Pop PID, monitor
	OpDemonitor    Opcode = 0xA9 // Pop PID, demonitor
	OpExit         Opcode = 0xAA // Pop reason, terminate (nil reason is normal)

	// ========================================================================
	// Collections (0xB0-0xBF)
	// ========================================================================

	OpArrayNew  Opcode = 0xB0 // Push empty array
	OpArrayPush Opcode = 0xB1 // array value -> array
	OpArrayGet  Opcode = 0xB2 // array index -> value
	OpArraySet  Opcode = 0xB3 // array index value -> array
	OpArrayLen  Opcode = 0xB4 // array|map|string -> length
	OpMapNew    Opcode = 0xB8 // Push empty map
	OpMapSet    Opcode = 0xB9 // map key value -> map
	OpMapGet    Opcode = 0xBA // map key -> value
	OpMapDel    Opcode = 0xBB // map key -> map
	OpMapHas    Opcode = 0xBC // map key -> bool
	OpMapKeys   Opcode = 0xBD // map -> array of keys

	// ========================================================================
	// Debug and termination (0xE0-0xFF)
	// ========================================================================

	OpPrint Opcode = 0xE0 // Pop and write to the block's output
	OpHalt  Opcode = 0xFF // Terminate with exit code 0
)

// OpcodeInfo provides metadata about each opcode for disassembly and
// validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand bytes following the opcode
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:  {"NOP", 0, 0, 0},
	OpPop:  {"POP", 1, 0, 0},
	OpDup:  {"DUP", 1, 2, 0},
	OpDup2: {"DUP2", 2, 4, 0},
	OpSwap: {"SWAP", 2, 2, 0},

	// Constants
	OpConst:   {"CONST", 0, 1, 2},
	OpNil:     {"NIL", 0, 1, 0},
	OpTrue:    {"TRUE", 0, 1, 0},
	OpFalse:   {"FALSE", 0, 1, 0},
	OpLoadFn:  {"LOAD_FN", 0, 1, 2},
	OpClosure: {"CLOSURE", -1, 1, 3},
	OpGConst:  {"GCONST", 0, 1, 2},

	// Variables
	OpLoadLocal:   {"LOAD_LOCAL", 0, 1, 1},
	OpStoreLocal:  {"STORE_LOCAL", 1, 0, 1},
	OpLoadGlobal:  {"LOAD_GLOBAL", 0, 1, 2},
	OpStoreGlobal: {"STORE_GLOBAL", 1, 0, 2},
	OpLoadCapture: {"LOAD_CAPTURE", 0, 1, 1},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	// Comparison
	OpEq:  {"EQ", 2, 1, 0},
	OpNeq: {"NEQ", 2, 1, 0},
	OpLt:  {"LT", 2, 1, 0},
	OpLe:  {"LE", 2, 1, 0},
	OpGt:  {"GT", 2, 1, 0},
	OpGe:  {"GE", 2, 1, 0},
	OpNot: {"NOT", 1, 1, 0},

	// Control flow
	OpJump:       {"JUMP", 0, 0, 2},
	OpJumpIf:     {"JUMP_IF", 0, 0, 2},
	OpJumpUnless: {"JUMP_UNLESS", 0, 0, 2},
	OpLoop:       {"LOOP", 0, 0, 2},

	// Calls
	OpCall:   {"CALL", -1, 1, 1}, // Pops callee + argc args
	OpReturn: {"RETURN", 1, 0, 0},

	// Process operations
	OpSpawn:        {"SPAWN", 1, 1, 0},
	OpSend:         {"SEND", 2, 1, 0},
	OpReceive:      {"RECEIVE", 0, 1, 0},
	OpReceiveAfter: {"RECEIVE_AFTER", 1, 1, 0},
	OpSelf:         {"SELF", 0, 1, 0},
	OpYield:        {"YIELD", 0, 0, 0},
	OpLink:         {"LINK", 1, 0, 0},
	OpUnlink:       {"UNLINK", 1, 0, 0},
	OpMonitor:      {"MONITOR", 1, 0, 0},
	OpDemonitor:    {"DEMONITOR", 1, 0, 0},
	OpExit:         {"EXIT", 1, 0, 0},

	// Collections
	OpArrayNew:  {"ARRAY_NEW", 0, 1, 0},
	OpArrayPush: {"ARRAY_PUSH", 2, 1, 0},
	OpArrayGet:  {"ARRAY_GET", 2, 1, 0},
	OpArraySet:  {"ARRAY_SET", 3, 1, 0},
	OpArrayLen:  {"ARRAY_LEN", 1, 1, 0},
	OpMapNew:    {"MAP_NEW", 0, 1, 0},
	OpMapSet:    {"MAP_SET", 3, 1, 0},
	OpMapGet:    {"MAP_GET", 2, 1, 0},
	OpMapDel:    {"MAP_DEL", 2, 1, 0},
	OpMapHas:    {"MAP_HAS", 2, 1, 0},
	OpMapKeys:   {"MAP_KEYS", 1, 1, 0},

	// Debug and termination
	OpPrint: {"PRINT", 1, 0, 0},
	OpHalt:  {"HALT", 0, 0, 0},
}

var opcodesByName map[string]Opcode

func init() {
	opcodesByName = make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		opcodesByName[info.Name] = op
	}
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// LookupOpcode finds an opcode by its mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true for forward jumps and LOOP.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpLoop
}

// IsProcessOp returns true if this opcode interacts with other blocks.
func (op Opcode) IsProcessOp() bool {
	return op >= OpSpawn && op <= OpExit
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
