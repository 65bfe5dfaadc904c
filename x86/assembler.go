// Package x86 implements an immediate Assembler for 64-bit x86: every
// emitter call is encoded to bytes right away, into the attached
// CodeHolder's default section. It is the usual destination of a
// Builder's Serialize.
//
// The supported instruction subset covers control flow (jmp/jcc/call/ret
// with label fix-ups), stack operations, and the common ALU forms; ids
// outside the subset fail with ErrInvalidInstruction.
package x86

import (
	"encoding/binary"
	"fmt"

	"github.com/awakencoder/asmjit"
)

// General purpose registers in standard x86-64 encoding order.
var (
	RAX = asmjit.Reg{Type: asmjit.RegGp, ID: 0, Size: 8}
	RCX = asmjit.Reg{Type: asmjit.RegGp, ID: 1, Size: 8}
	RDX = asmjit.Reg{Type: asmjit.RegGp, ID: 2, Size: 8}
	RBX = asmjit.Reg{Type: asmjit.RegGp, ID: 3, Size: 8}
	RSP = asmjit.Reg{Type: asmjit.RegGp, ID: 4, Size: 8}
	RBP = asmjit.Reg{Type: asmjit.RegGp, ID: 5, Size: 8}
	RSI = asmjit.Reg{Type: asmjit.RegGp, ID: 6, Size: 8}
	RDI = asmjit.Reg{Type: asmjit.RegGp, ID: 7, Size: 8}
	R8  = asmjit.Reg{Type: asmjit.RegGp, ID: 8, Size: 8}
	R9  = asmjit.Reg{Type: asmjit.RegGp, ID: 9, Size: 8}
	R10 = asmjit.Reg{Type: asmjit.RegGp, ID: 10, Size: 8}
	R11 = asmjit.Reg{Type: asmjit.RegGp, ID: 11, Size: 8}
	R12 = asmjit.Reg{Type: asmjit.RegGp, ID: 12, Size: 8}
	R13 = asmjit.Reg{Type: asmjit.RegGp, ID: 13, Size: 8}
	R14 = asmjit.Reg{Type: asmjit.RegGp, ID: 14, Size: 8}
	R15 = asmjit.Reg{Type: asmjit.RegGp, ID: 15, Size: 8}
)

// Ptr returns a memory operand [base + disp].
func Ptr(base asmjit.Reg, disp int64) asmjit.Operand {
	return asmjit.MemOp(asmjit.Mem{Base: base, Disp: disp})
}

// jcc condition codes in the 0F 8x encoding.
var jccCode = map[asmjit.InstID]byte{
	asmjit.InstJo:  0x0,
	asmjit.InstJno: 0x1,
	asmjit.InstJb:  0x2,
	asmjit.InstJae: 0x3,
	asmjit.InstJe:  0x4,
	asmjit.InstJne: 0x5,
	asmjit.InstJbe: 0x6,
	asmjit.InstJa:  0x7,
	asmjit.InstJs:  0x8,
	asmjit.InstJns: 0x9,
	asmjit.InstJl:  0xC,
	asmjit.InstJge: 0xD,
	asmjit.InstJle: 0xE,
	asmjit.InstJg:  0xF,
}

// ALU opcode table: /r forms plus the immediate group-1 extension.
var aluOps = map[asmjit.InstID]struct {
	rmReg  byte // opcode for r/m64, r64
	regRM  byte // opcode for r64, r/m64
	immExt byte // ModRM reg field for the 81 /ext imm32 form
}{
	asmjit.InstAdd: {0x01, 0x03, 0},
	asmjit.InstOr:  {0x09, 0x0B, 1},
	asmjit.InstAnd: {0x21, 0x23, 4},
	asmjit.InstSub: {0x29, 0x2B, 5},
	asmjit.InstXor: {0x31, 0x33, 6},
	asmjit.InstCmp: {0x39, 0x3B, 7},
}

// Assembler encodes instructions into the CodeHolder's default section.
type Assembler struct {
	asmjit.BaseEmitter

	section *asmjit.SectionEntry
}

var _ asmjit.Emitter = (*Assembler)(nil)

// NewAssembler creates an Assembler and, when code is not nil, attaches
// it.
func NewAssembler(code *asmjit.CodeHolder) (*Assembler, error) {
	a := &Assembler{}
	a.InitEmitter(asmjit.EmitterAssembler, a)
	if code != nil {
		if err := code.Attach(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// OnAttach implements asmjit.Emitter.
func (a *Assembler) OnAttach(code *asmjit.CodeHolder) error {
	if !code.ArchType().IsX86Family() {
		return asmjit.ErrInvalidArch
	}
	a.section = code.SectionByID(0)
	return nil
}

// OnDetach implements asmjit.Emitter.
func (a *Assembler) OnDetach(code *asmjit.CodeHolder) error {
	a.section = nil
	return nil
}

// Offset returns the current write position in the section.
func (a *Assembler) Offset() int { return a.section.Buffer.Length() }

func (a *Assembler) ensure(n int) error {
	return a.Code().GrowBuffer(&a.section.Buffer, n)
}

func (a *Assembler) emitBytes(bs ...byte) {
	a.section.Buffer.Data = append(a.section.Buffer.Data, bs...)
}

func (a *Assembler) emitUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.emitBytes(b[:]...)
}

func (a *Assembler) emitUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.emitBytes(b[:]...)
}

// NewLabel implements asmjit.Emitter.
func (a *Assembler) NewLabel() asmjit.Label {
	id := asmjit.InvalidID
	if a.LastError() == nil && a.Code() != nil {
		newID, err := a.Code().NewLabelID()
		if err != nil {
			_ = a.SetLastError(err, "label allocation failed")
		} else {
			id = newID
		}
	}
	return asmjit.NewLabelFromID(id)
}

// Bind implements asmjit.Emitter: the label is bound to the current
// offset and every pending fix-up recorded against it is resolved.
func (a *Assembler) Bind(label asmjit.Label) error {
	if err := a.LastError(); err != nil {
		return err
	}

	code := a.Code()
	entry := code.LabelEntryOf(label.ID())
	if entry == nil {
		return a.SetLastError(asmjit.ErrInvalidLabel, "bind of unknown label")
	}
	if entry.IsBound() {
		return a.SetLastError(asmjit.ErrLabelAlreadyBound, "label bound twice")
	}

	pos := a.Offset()
	entry.Offset = int64(pos)

	buf := a.section.Buffer.Data
	for link := entry.Links; link != nil; link = link.Prev {
		disp := pos - (link.Offset + 4) + link.Displacement
		binary.LittleEndian.PutUint32(buf[link.Offset:], uint32(int32(disp)))
	}
	code.ReleaseLabelLinks(entry.Links)
	entry.Links = nil

	a.logInst("L%d:", label.ID())
	return nil
}

// Align implements asmjit.Emitter. Code alignment is padded with NOPs,
// data and zero alignment with zero bytes.
func (a *Assembler) Align(mode asmjit.AlignMode, alignment uint32) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if alignment <= 1 {
		return nil
	}
	if alignment&(alignment-1) != 0 {
		return a.SetLastError(asmjit.ErrInvalidArgument, "alignment must be a power of two")
	}

	gap := int(alignment) - a.Offset()%int(alignment)
	if gap == int(alignment) {
		return nil
	}
	if err := a.ensure(gap); err != nil {
		return a.SetLastError(err, "align failed")
	}

	filler := byte(0x00)
	if mode == asmjit.AlignCode {
		filler = 0x90
	}
	for i := 0; i < gap; i++ {
		a.emitBytes(filler)
	}
	a.logInst("align %d", alignment)
	return nil
}

// Embed implements asmjit.Emitter.
func (a *Assembler) Embed(data []byte) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if err := a.ensure(len(data)); err != nil {
		return a.SetLastError(err, "embed failed")
	}
	a.emitBytes(data...)
	a.logInst(".embed %d bytes", len(data))
	return nil
}

// EmbedConstPool implements asmjit.Emitter.
func (a *Assembler) EmbedConstPool(label asmjit.Label, pool *asmjit.ConstPool) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if !a.IsLabelValid(label) {
		return a.SetLastError(asmjit.ErrInvalidLabel, "unknown const pool label")
	}

	if err := a.Align(asmjit.AlignData, pool.Alignment()); err != nil {
		return err
	}
	if err := a.Bind(label); err != nil {
		return err
	}

	image := make([]byte, pool.Size())
	pool.Fill(image)
	return a.Embed(image)
}

// Comment implements asmjit.Emitter: comments only reach the logger.
func (a *Assembler) Comment(s string) error {
	if err := a.LastError(); err != nil {
		return err
	}
	a.logInst("; %s", s)
	return nil
}

// Finalize implements asmjit.Emitter.
func (a *Assembler) Finalize() error { return a.LastError() }

func (a *Assembler) logInst(format string, args ...interface{}) {
	if a.GlobalOptions()&asmjit.OptionLoggingEnabled == 0 {
		return
	}
	code := a.Code()
	if code == nil || code.Logger() == nil {
		return
	}
	_ = code.Logger().Logf(format, args...)
}

// shortJumpDisp returns the rel8 displacement for a short-form jump of
// instLen bytes. Only targets that are already bound and within reach
// qualify; forward references always take the rel32 form so their label
// links have a full field to patch.
func (a *Assembler) shortJumpDisp(label asmjit.Label, instLen int) (int8, bool) {
	entry := a.Code().LabelEntryOf(label.ID())
	if entry == nil || !entry.IsBound() {
		return 0, false
	}
	disp := entry.Offset - int64(a.Offset()+instLen)
	if disp != int64(int8(disp)) {
		return 0, false
	}
	return int8(disp), true
}

// emitJumpTarget writes the rel32 field for a label target, recording a
// label link when the target is not bound yet.
func (a *Assembler) emitJumpTarget(label asmjit.Label) error {
	code := a.Code()
	entry := code.LabelEntryOf(label.ID())
	if entry == nil {
		return asmjit.ErrInvalidLabel
	}

	if entry.IsBound() {
		disp := entry.Offset - int64(a.Offset()+4)
		if disp != int64(int32(disp)) {
			return asmjit.ErrInvalidDisplacement
		}
		a.emitUint32(uint32(int32(disp)))
		return nil
	}

	link := code.NewLabelLink()
	link.Prev = entry.Links
	link.Offset = a.Offset()
	link.RelocID = -1
	entry.Links = link
	a.emitUint32(0)
	return nil
}

func rexW(regExt, rmExt bool) byte {
	rex := byte(0x48)
	if regExt {
		rex |= 0x04
	}
	if rmExt {
		rex |= 0x01
	}
	return rex
}

func modRMReg(reg, rm uint32) byte {
	return 0xC0 | byte(reg&7)<<3 | byte(rm&7)
}

// emitModRMMem writes the ModRM (and SIB/displacement) bytes addressing
// [base + disp] with the given reg field.
func (a *Assembler) emitModRMMem(reg uint32, mem asmjit.Mem) error {
	if mem.Index.IsValid() {
		return asmjit.ErrInvalidOperand // scaled-index forms are not implemented
	}
	base := mem.Base
	if !base.IsValid() {
		return asmjit.ErrInvalidOperand
	}
	disp := mem.Disp
	if disp != int64(int32(disp)) {
		return asmjit.ErrInvalidDisplacement
	}

	rm := base.ID & 7
	needsSIB := rm == 4 // rsp/r12 require a SIB byte
	switch {
	case disp == 0 && rm != 5: // rbp/r13 cannot use mod 00
		a.emitBytes(0x00 | byte(reg&7)<<3 | byte(rm))
		if needsSIB {
			a.emitBytes(0x24)
		}
	case disp == int64(int8(disp)):
		a.emitBytes(0x40 | byte(reg&7)<<3 | byte(rm))
		if needsSIB {
			a.emitBytes(0x24)
		}
		a.emitBytes(byte(int8(disp)))
	default:
		a.emitBytes(0x80 | byte(reg&7)<<3 | byte(rm))
		if needsSIB {
			a.emitBytes(0x24)
		}
		a.emitUint32(uint32(int32(disp)))
	}
	return nil
}

// EmitInst implements asmjit.Emitter.
func (a *Assembler) EmitInst(id asmjit.InstID, o0, o1, o2, o3 asmjit.Operand) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if a.section == nil {
		return a.SetLastError(asmjit.ErrNotInitialized, "assembler not attached")
	}

	comment := a.InlineComment()
	a.ResetOneShotState()

	// The longest form in the supported subset is mov r64, imm64 (rex +
	// opcode + imm64, 10 bytes); 16 bytes cover it.
	if err := a.ensure(16); err != nil {
		return a.SetLastError(err, "buffer growth failed")
	}

	start := a.Offset()
	var err error
	switch {
	case id == asmjit.InstNop:
		a.emitBytes(0x90)
	case id == asmjit.InstInt3:
		a.emitBytes(0xCC)
	case id == asmjit.InstRet:
		err = a.encodeRet(o0)
	case id == asmjit.InstPush || id == asmjit.InstPop:
		err = a.encodePushPop(id, o0)
	case id == asmjit.InstCall:
		err = a.encodeCall(o0)
	case id.IsJump():
		err = a.encodeJump(id, o0)
	case id == asmjit.InstMov:
		err = a.encodeMov(o0, o1)
	case id == asmjit.InstLea:
		err = a.encodeLea(o0, o1)
	case id == asmjit.InstTest:
		err = a.encodeTest(o0, o1)
	default:
		if _, ok := aluOps[id]; ok {
			err = a.encodeALU(id, o0, o1)
		} else {
			err = asmjit.ErrInvalidInstruction
		}
	}
	if err != nil {
		// Drop whatever the failed encoding already wrote.
		a.section.Buffer.Data = a.section.Buffer.Data[:start]
		return a.SetLastError(err, fmt.Sprintf("cannot encode %s", id))
	}

	if comment != "" {
		a.logInst("%s ; %s", id, comment)
	} else {
		a.logInst("%s", id)
	}
	return nil
}

func (a *Assembler) encodeRet(o0 asmjit.Operand) error {
	switch o0.Kind {
	case asmjit.OpNone:
		a.emitBytes(0xC3)
	case asmjit.OpImm:
		if o0.Imm < 0 || o0.Imm > 0xFFFF {
			return asmjit.ErrInvalidOperand
		}
		a.emitBytes(0xC2, byte(o0.Imm), byte(o0.Imm>>8))
	default:
		return asmjit.ErrInvalidOperand
	}
	return nil
}

func (a *Assembler) encodePushPop(id asmjit.InstID, o0 asmjit.Operand) error {
	if o0.Kind != asmjit.OpReg || o0.Reg.Type != asmjit.RegGp {
		return asmjit.ErrInvalidOperand
	}
	base := byte(0x50)
	if id == asmjit.InstPop {
		base = 0x58
	}
	if o0.Reg.ID >= 8 {
		a.emitBytes(0x41)
	}
	a.emitBytes(base + byte(o0.Reg.ID&7))
	return nil
}

func (a *Assembler) encodeCall(o0 asmjit.Operand) error {
	switch o0.Kind {
	case asmjit.OpLabelRef:
		a.emitBytes(0xE8)
		return a.emitJumpTarget(o0.Label())
	case asmjit.OpReg:
		if o0.Reg.ID >= 8 {
			a.emitBytes(0x41)
		}
		a.emitBytes(0xFF, modRMReg(2, o0.Reg.ID))
		return nil
	case asmjit.OpImm:
		// Calling an absolute address needs a relocation; reserve
		// trampoline space in case the displacement will not reach.
		a.emitBytes(0xE8)
		a.recordAbsTarget(uint64(o0.Imm))
		return nil
	default:
		return asmjit.ErrInvalidOperand
	}
}

func (a *Assembler) encodeJump(id asmjit.InstID, o0 asmjit.Operand) error {
	if id == asmjit.InstJmp {
		switch o0.Kind {
		case asmjit.OpLabelRef:
			if disp, ok := a.shortJumpDisp(o0.Label(), 2); ok {
				a.emitBytes(0xEB, byte(disp))
				return nil
			}
			a.emitBytes(0xE9)
			return a.emitJumpTarget(o0.Label())
		case asmjit.OpReg:
			if o0.Reg.ID >= 8 {
				a.emitBytes(0x41)
			}
			a.emitBytes(0xFF, modRMReg(4, o0.Reg.ID))
			return nil
		case asmjit.OpImm:
			a.emitBytes(0xE9)
			a.recordAbsTarget(uint64(o0.Imm))
			return nil
		default:
			return asmjit.ErrInvalidOperand
		}
	}

	cc, ok := jccCode[id]
	if !ok {
		return asmjit.ErrInvalidInstruction
	}
	if o0.Kind != asmjit.OpLabelRef {
		return asmjit.ErrInvalidOperand
	}
	if disp, ok := a.shortJumpDisp(o0.Label(), 2); ok {
		a.emitBytes(0x70|cc, byte(disp))
		return nil
	}
	a.emitBytes(0x0F, 0x80|cc)
	return a.emitJumpTarget(o0.Label())
}

// recordAbsTarget emits a rel32 placeholder resolved by Relocate against
// the absolute target address.
func (a *Assembler) recordAbsTarget(target uint64) {
	code := a.Code()
	code.AddRelocation(asmjit.RelocEntry{
		Type: asmjit.RelocTrampoline,
		Size: 4,
		From: uint64(a.Offset()),
		Data: target,
	})
	code.AddTrampolineSize(8)
	a.emitUint32(0)
}

func (a *Assembler) encodeMov(o0, o1 asmjit.Operand) error {
	switch {
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpImm:
		// REX.W B8+r io.
		a.emitBytes(rexW(false, o0.Reg.ID >= 8), 0xB8+byte(o0.Reg.ID&7))
		a.emitUint64(uint64(o1.Imm))
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpReg:
		a.emitBytes(rexW(o0.Reg.ID >= 8, o1.Reg.ID >= 8), 0x8B, modRMReg(o0.Reg.ID, o1.Reg.ID))
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpMem:
		a.emitBytes(rexW(o0.Reg.ID >= 8, o1.Mem.Base.ID >= 8), 0x8B)
		return a.emitModRMMem(o0.Reg.ID, o1.Mem)
	case o0.Kind == asmjit.OpMem && o1.Kind == asmjit.OpReg:
		a.emitBytes(rexW(o1.Reg.ID >= 8, o0.Mem.Base.ID >= 8), 0x89)
		return a.emitModRMMem(o1.Reg.ID, o0.Mem)
	default:
		return asmjit.ErrInvalidOperand
	}
	return nil
}

func (a *Assembler) encodeLea(o0, o1 asmjit.Operand) error {
	if o0.Kind != asmjit.OpReg || o1.Kind != asmjit.OpMem {
		return asmjit.ErrInvalidOperand
	}
	a.emitBytes(rexW(o0.Reg.ID >= 8, o1.Mem.Base.ID >= 8), 0x8D)
	return a.emitModRMMem(o0.Reg.ID, o1.Mem)
}

func (a *Assembler) encodeTest(o0, o1 asmjit.Operand) error {
	if o0.Kind != asmjit.OpReg || o1.Kind != asmjit.OpReg {
		return asmjit.ErrInvalidOperand
	}
	a.emitBytes(rexW(o1.Reg.ID >= 8, o0.Reg.ID >= 8), 0x85, modRMReg(o1.Reg.ID, o0.Reg.ID))
	return nil
}

func (a *Assembler) encodeALU(id asmjit.InstID, o0, o1 asmjit.Operand) error {
	op := aluOps[id]
	switch {
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpReg:
		a.emitBytes(rexW(o1.Reg.ID >= 8, o0.Reg.ID >= 8), op.rmReg, modRMReg(o1.Reg.ID, o0.Reg.ID))
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpImm:
		if o1.Imm != int64(int32(o1.Imm)) {
			return asmjit.ErrInvalidOperand
		}
		a.emitBytes(rexW(false, o0.Reg.ID >= 8), 0x81, modRMReg(uint32(op.immExt), o0.Reg.ID))
		a.emitUint32(uint32(int32(o1.Imm)))
	case o0.Kind == asmjit.OpReg && o1.Kind == asmjit.OpMem:
		a.emitBytes(rexW(o0.Reg.ID >= 8, o1.Mem.Base.ID >= 8), op.regRM)
		return a.emitModRMMem(o0.Reg.ID, o1.Mem)
	default:
		return asmjit.ErrInvalidOperand
	}
	return nil
}
