// Package bytecode defines the instruction set and the immutable program
// representation executed by the swarm virtual machine.
//
// A Program is a read-only record shared by every block spawned from it:
//
//   - Main: the chunk a root block starts executing.
//   - Functions: ordered function chunks, addressed by index from LOAD_FN,
//     CLOSURE and function constants.
//   - Strings: the deduplicated string table used for global names.
//   - Constants: the program-wide constant pool read by GCONST.
//   - Tools: declared tool metadata, listed by the CLI.
//
// A Chunk carries its own code bytes, a run-length line table, a constant
// pool and a local-name table.
//
// # Encoding
//
// Opcodes are one byte. Operands follow big-endian. Forward jumps (JUMP,
// JUMP_IF, JUMP_UNLESS) store the unsigned distance from the end of the
// instruction to the target. LOOP stores the positive distance subtracted
// from the end of the instruction. JUMP_IF and JUMP_UNLESS leave their
// condition on the stack.
//
// Programs can be assembled from text (see Assemble) and serialized with
// Marshal into the "SWBC" format: 4-byte magic, big-endian u16 version and
// a canonical CBOR body.
package bytecode
