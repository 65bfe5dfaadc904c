package asmjit

import "fmt"

// EmitterType discriminates the concrete emitter implementations.
type EmitterType uint8

const (
	EmitterNone EmitterType = iota
	EmitterAssembler
	EmitterBuilder
	EmitterCompiler
)

// Emitter is the abstract emission surface. An Assembler encodes each call
// to bytes immediately; a Builder materializes calls as IR nodes and can
// replay them later via Serialize.
//
// The per-next-instruction state (options, the 5th/6th/op-mask operand
// slots, and the inline comment) is one-shot: it applies to the next
// EmitInst only and is consumed by it.
type Emitter interface {
	base() *BaseEmitter

	// Type returns the emitter's kind.
	Type() EmitterType

	// OnAttach is called by CodeHolder.Attach after the emitter was linked.
	OnAttach(code *CodeHolder) error
	// OnDetach is called by CodeHolder.Detach before the emitter is unlinked.
	OnDetach(code *CodeHolder) error

	// EmitInst is the atomic emission primitive taking four positional
	// operands; missing positions are padded with the zero Operand.
	EmitInst(id InstID, o0, o1, o2, o3 Operand) error

	// NewLabel allocates a fresh label registered with the CodeHolder.
	NewLabel() Label
	// Bind binds label to the current position.
	Bind(label Label) error
	// Align inserts alignment filler selected by mode.
	Align(mode AlignMode, alignment uint32) error
	// Embed inserts raw bytes.
	Embed(data []byte) error
	// EmbedConstPool aligns to the pool's alignment, binds label, and
	// embeds the pool's data.
	EmbedConstPool(label Label, pool *ConstPool) error
	// Comment inserts a standalone comment.
	Comment(s string) error

	// Finalize signals the end of emission.
	Finalize() error
}

// Syncer is implemented by emitters that keep lazy state which must be
// synchronized with the CodeHolder on demand.
type Syncer interface {
	Sync() error
}

// BaseEmitter carries the state shared by every Emitter implementation and
// is meant to be embedded. It is not usable on its own.
type BaseEmitter struct {
	self Emitter

	codeInfo CodeInfo
	code     *CodeHolder
	typ      EmitterType

	finalized bool
	lastError error

	globalHints   uint32
	globalOptions Options

	// One-shot state, consumed by EmitInst.
	options       Options
	inlineComment string
	op4           Operand
	op5           Operand
	opMask        Operand

	// none pads missing operand positions.
	none Operand
}

func (b *BaseEmitter) InitEmitter(typ EmitterType, self Emitter) {
	b.typ = typ
	b.self = self
}

func (b *BaseEmitter) base() *BaseEmitter { return b }

// Type returns the emitter's kind.
func (b *BaseEmitter) Type() EmitterType { return b.typ }

// Code returns the CodeHolder the emitter is attached to, or nil.
func (b *BaseEmitter) Code() *CodeHolder { return b.code }

// IsInitialized returns true while the emitter is attached to a CodeHolder.
func (b *BaseEmitter) IsInitialized() bool { return b.code != nil }

// CodeInfo returns a copy of the attached CodeHolder's CodeInfo.
func (b *BaseEmitter) CodeInfo() CodeInfo { return b.codeInfo }

// ArchType returns the target architecture.
func (b *BaseEmitter) ArchType() ArchType { return b.codeInfo.Arch.Type }

// GpSize returns the byte size of the target's GP registers.
func (b *BaseEmitter) GpSize() uint8 { return b.codeInfo.Arch.GpSize }

// GlobalHints returns the hints inherited from the CodeHolder.
func (b *BaseEmitter) GlobalHints() uint32 { return b.globalHints }

// GlobalOptions returns the options merged into every instruction.
func (b *BaseEmitter) GlobalOptions() Options { return b.globalOptions }

func (b *BaseEmitter) attachTo(code *CodeHolder) {
	b.code = code
	b.codeInfo = code.CodeInfo()
	b.globalHints = code.GlobalHints()
	b.globalOptions = code.GlobalOptions()
}

func (b *BaseEmitter) detachFrom() {
	b.code = nil
	b.codeInfo.reset()
	b.finalized = false
	b.lastError = nil
	b.globalHints = 0
	b.globalOptions = 0
	b.ResetOneShotState()
}

// LastError returns the latched error, or nil.
func (b *BaseEmitter) LastError() error { return b.lastError }

// InErrorState returns true while an error is latched.
func (b *BaseEmitter) InErrorState() bool { return b.lastError != nil }

// SetLastError consults the CodeHolder's error handler and, unless the
// handler reports the error as handled, latches it. The error is returned
// either way so call sites can `return e.SetLastError(err, "...")`.
func (b *BaseEmitter) SetLastError(err error, message string) error {
	if err == nil {
		b.lastError = nil
		b.globalOptions &^= OptionMaybeFailureCase
		return nil
	}
	if b.code != nil {
		if h := b.code.ErrorHandler(); h != nil {
			if h.HandleError(err, message, b.self) {
				return err
			}
		}
	}
	b.lastError = err
	b.globalOptions |= OptionMaybeFailureCase
	return err
}

// ResetLastError clears the error latch, making the emitter usable again.
func (b *BaseEmitter) ResetLastError() { _ = b.SetLastError(nil, "") }

// Options returns the options of the next instruction.
func (b *BaseEmitter) Options() Options { return b.options }

// SetOptions replaces the options of the next instruction.
func (b *BaseEmitter) SetOptions(options Options) { b.options = options }

// AddOptions merges options into the next instruction.
func (b *BaseEmitter) AddOptions(options Options) { b.options |= options }

// ResetOptions clears the options of the next instruction.
func (b *BaseEmitter) ResetOptions() { b.options = 0 }

// HasOp4 returns true when the one-shot 5th operand slot is occupied.
func (b *BaseEmitter) HasOp4() bool { return b.options&OptionHasOp4 != 0 }

// HasOp5 returns true when the one-shot 6th operand slot is occupied.
func (b *BaseEmitter) HasOp5() bool { return b.options&OptionHasOp5 != 0 }

// HasOpMask returns true when the one-shot op-mask slot is occupied.
func (b *BaseEmitter) HasOpMask() bool { return b.options&OptionHasOpMask != 0 }

// Op4 returns the one-shot 5th operand.
func (b *BaseEmitter) Op4() Operand { return b.op4 }

// Op5 returns the one-shot 6th operand.
func (b *BaseEmitter) Op5() Operand { return b.op5 }

// OpMask returns the one-shot op-mask operand.
func (b *BaseEmitter) OpMask() Operand { return b.opMask }

// SetOp4 stores the 5th operand of the next instruction.
func (b *BaseEmitter) SetOp4(op Operand) { b.options |= OptionHasOp4; b.op4 = op }

// SetOp5 stores the 6th operand of the next instruction.
func (b *BaseEmitter) SetOp5(op Operand) { b.options |= OptionHasOp5; b.op5 = op }

// SetOpMask stores the op-mask operand of the next instruction.
func (b *BaseEmitter) SetOpMask(op Operand) { b.options |= OptionHasOpMask; b.opMask = op }

// InlineComment returns the annotation of the next instruction.
func (b *BaseEmitter) InlineComment() string { return b.inlineComment }

// SetInlineComment annotates the next instruction. EmitInst resets it.
func (b *BaseEmitter) SetInlineComment(s string) { b.inlineComment = s }

// ResetInlineComment drops the annotation of the next instruction.
func (b *BaseEmitter) ResetInlineComment() { b.inlineComment = "" }

func (b *BaseEmitter) ResetOneShotState() {
	b.options = 0
	b.inlineComment = ""
	b.op4 = Operand{}
	b.op5 = Operand{}
	b.opMask = Operand{}
}

// IsLabelValid returns true when label was registered with the attached
// CodeHolder.
func (b *BaseEmitter) IsLabelValid(label Label) bool {
	return b.code != nil && b.code.IsLabelValid(label.ID())
}

// Emit forwards to EmitInst, padding missing positions with the none
// operand and routing the 5th and 6th operands through the one-shot slots.
func (b *BaseEmitter) Emit(id InstID, ops ...Operand) error {
	if len(ops) > 6 {
		return b.SetLastError(ErrInvalidArgument, "too many operands")
	}
	var o [4]Operand
	copy(o[:], ops)
	if len(ops) > 4 {
		b.SetOp4(ops[4])
	}
	if len(ops) > 5 {
		b.SetOp5(ops[5])
	}
	return b.self.EmitInst(id, o[0], o[1], o[2], o[3])
}

// EmitI is Emit for instructions whose last operand is an integer
// immediate.
func (b *BaseEmitter) EmitI(id InstID, imm int64, ops ...Operand) error {
	return b.Emit(id, append(append([]Operand(nil), ops...), ImmOp(imm))...)
}

// Commentf emits a formatted comment.
func (b *BaseEmitter) Commentf(format string, args ...interface{}) error {
	return b.self.Comment(fmt.Sprintf(format, args...))
}
