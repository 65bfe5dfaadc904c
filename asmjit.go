// Package asmjit implements a deferred machine-code emission framework:
// an in-memory intermediate representation that records assembly
// operations as a doubly linked list of nodes, together with the
// machinery around it — arena-backed allocation, label registration and
// binding, jump-target cross-linking, cursor-based editing, and replay of
// the recorded program onto an immediate encoder.
//
// The three central types are:
//
//   - CodeHolder, which owns code-level state (target description,
//     sections, the label registry, relocations) and is the hub zero or
//     more emitters attach to;
//   - Builder (and its Compiler extension), an Emitter that materializes
//     every call as an editable Node instead of encoding it;
//   - the Emitter contract itself, implemented by encoders such as
//     x86.Assembler and golangasm.Assembler, which a Builder replays onto
//     via Serialize.
package asmjit
