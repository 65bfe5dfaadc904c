// Package golangasm implements the emitter contract on top of
// github.com/twitchyliquid64/golang-asm, the standalone fork of the Go
// toolchain's assembler backend. Instructions become obj.Prog entries;
// label references are patched with obj.Addr.SetTarget, forward references
// through callbacks run when the label is bound.
//
// The Go assembler encodes a whole Prog list in one pass, so raw data
// cannot be interleaved with instructions. Embed and Align (in every mode)
// therefore flush the pending Prog chunk first; a label may only be
// referenced from the chunk it is bound in.
package golangasm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/awakencoder/asmjit"
)

var instToAs = map[asmjit.InstID]obj.As{
	asmjit.InstNop:  obj.ANOP,
	asmjit.InstInt3: x86.AINT,
	asmjit.InstCall: obj.ACALL,
	asmjit.InstRet:  obj.ARET,
	asmjit.InstJmp:  obj.AJMP,
	asmjit.InstAdd:  x86.AADDQ,
	asmjit.InstAnd:  x86.AANDQ,
	asmjit.InstCmp:  x86.ACMPQ,
	asmjit.InstLea:  x86.ALEAQ,
	asmjit.InstMov:  x86.AMOVQ,
	asmjit.InstOr:   x86.AORQ,
	asmjit.InstPop:  x86.APOPQ,
	asmjit.InstPush: x86.APUSHQ,
	asmjit.InstSub:  x86.ASUBQ,
	asmjit.InstTest: x86.ATESTQ,
	asmjit.InstXor:  x86.AXORQ,

	asmjit.InstJa:  x86.AJHI,
	asmjit.InstJae: x86.AJCC,
	asmjit.InstJb:  x86.AJCS,
	asmjit.InstJbe: x86.AJLS,
	asmjit.InstJe:  x86.AJEQ,
	asmjit.InstJg:  x86.AJGT,
	asmjit.InstJge: x86.AJGE,
	asmjit.InstJl:  x86.AJLT,
	asmjit.InstJle: x86.AJLE,
	asmjit.InstJne: x86.AJNE,
	asmjit.InstJno: x86.AJOC,
	asmjit.InstJns: x86.AJPL,
	asmjit.InstJo:  x86.AJOS,
	asmjit.InstJs:  x86.AJMI,
}

// goReg maps a GP register id in x86 encoding order onto the backend's
// register numbering, which uses the same order starting at REG_AX.
func goReg(r asmjit.Reg) (int16, error) {
	if r.Type != asmjit.RegGp || r.ID > 15 {
		return 0, asmjit.ErrInvalidOperand
	}
	return x86.REG_AX + int16(r.ID), nil
}

// Assembler drives a goasm.Builder. Finalize assembles every recorded
// chunk and appends the bytes to the CodeHolder's default section.
type Assembler struct {
	asmjit.BaseEmitter

	b *goasm.Builder

	section *asmjit.SectionEntry

	// chunks holds already-assembled byte runs (flushed code and raw
	// embedded data) in emission order.
	chunks [][]byte
	// flushed is the total size of chunks, the base offset of the
	// current Prog chunk.
	flushed int

	// hasProgs tracks whether the current chunk recorded any Prog, so an
	// empty chunk is not pushed through the backend.
	hasProgs bool

	labelProgs   map[uint32]*obj.Prog
	onLabelBound map[uint32][]func(*obj.Prog)
}

var (
	_ asmjit.Emitter = (*Assembler)(nil)
	_ asmjit.Syncer  = (*Assembler)(nil)
)

// NewAssembler creates an Assembler and, when code is not nil, attaches
// it.
func NewAssembler(code *asmjit.CodeHolder) (*Assembler, error) {
	a := &Assembler{}
	a.InitEmitter(asmjit.EmitterAssembler, a)
	if err := a.resetBackend(); err != nil {
		return nil, err
	}
	if code != nil {
		if err := code.Attach(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Assembler) resetBackend() error {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	a.b = b
	a.hasProgs = false
	a.labelProgs = make(map[uint32]*obj.Prog)
	a.onLabelBound = make(map[uint32][]func(*obj.Prog))
	return nil
}

// OnAttach implements asmjit.Emitter.
func (a *Assembler) OnAttach(code *asmjit.CodeHolder) error {
	if code.ArchType() != asmjit.ArchX64 {
		return asmjit.ErrInvalidArch
	}
	a.section = code.SectionByID(0)
	return nil
}

// OnDetach implements asmjit.Emitter.
func (a *Assembler) OnDetach(code *asmjit.CodeHolder) error {
	a.section = nil
	a.chunks = nil
	a.flushed = 0
	return a.resetBackend()
}

func (a *Assembler) newProg() *obj.Prog {
	prog := a.b.NewProg()
	return prog
}

func (a *Assembler) addInstruction(prog *obj.Prog) {
	a.b.AddInstruction(prog)
	a.hasProgs = true
}

// flush assembles the pending Prog chunk. Unresolved forward label
// references cannot survive a flush; they fail with ErrInvalidState.
func (a *Assembler) flush() error {
	if len(a.onLabelBound) != 0 {
		return asmjit.ErrInvalidState
	}
	if !a.hasProgs {
		return nil
	}
	code := a.b.Assemble()

	// Record where every label of this chunk landed before the Prog list
	// is dropped.
	for id, prog := range a.labelProgs {
		if entry := a.Code().LabelEntryOf(id); entry != nil && !entry.IsBound() {
			entry.Offset = int64(a.flushed) + prog.Pc
		}
	}

	if len(code) != 0 {
		a.chunks = append(a.chunks, code)
		a.flushed += len(code)
	}
	return a.resetBackend()
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

// Bind implements asmjit.Emitter. The label becomes a NOP Prog, the
// anchor jumps patch their branch target against.
func (a *Assembler) Bind(label asmjit.Label) error {
	if err := a.LastError(); err != nil {
		return err
	}
	entry := a.Code().LabelEntryOf(label.ID())
	if entry == nil {
		return a.SetLastError(asmjit.ErrInvalidLabel, "bind of unknown label")
	}
	if entry.IsBound() || a.labelProgs[label.ID()] != nil {
		return a.SetLastError(asmjit.ErrLabelAlreadyBound, "label bound twice")
	}

	prog := a.newProg()
	prog.As = obj.ANOP
	a.addInstruction(prog)

	a.labelProgs[label.ID()] = prog
	for _, cb := range a.onLabelBound[label.ID()] {
		cb(prog)
	}
	delete(a.onLabelBound, label.ID())
	return nil
}

// assignJumpTarget points prog's branch target at the label, deferring
// through a callback when the label is not bound yet.
func (a *Assembler) assignJumpTarget(label asmjit.Label, prog *obj.Prog) {
	if target, ok := a.labelProgs[label.ID()]; ok {
		prog.To.SetTarget(target)
		return
	}
	a.onLabelBound[label.ID()] = append(a.onLabelBound[label.ID()], func(target *obj.Prog) {
		prog.To.SetTarget(target)
	})
}

// Align implements asmjit.Emitter. Alignment is applied between chunks,
// so it flushes pending instructions first.
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
	if err := a.flush(); err != nil {
		return a.SetLastError(err, "cannot align across unresolved labels")
	}

	gap := int(alignment) - a.flushed%int(alignment)
	if gap == int(alignment) {
		return nil
	}
	filler := byte(0x00)
	if mode == asmjit.AlignCode {
		filler = 0x90
	}
	pad := make([]byte, gap)
	for i := range pad {
		pad[i] = filler
	}
	a.chunks = append(a.chunks, pad)
	a.flushed += gap
	return nil
}

// Embed implements asmjit.Emitter by flushing pending instructions and
// appending the raw bytes as their own chunk.
func (a *Assembler) Embed(data []byte) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if err := a.flush(); err != nil {
		return a.SetLastError(err, "cannot embed across unresolved labels")
	}
	if len(data) != 0 {
		a.chunks = append(a.chunks, append([]byte(nil), data...))
		a.flushed += len(data)
	}
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

	// The pool label is bound directly to the data offset; binding via a
	// Prog would anchor it to the instruction stream instead.
	entry := a.Code().LabelEntryOf(label.ID())
	if entry.IsBound() {
		return a.SetLastError(asmjit.ErrLabelAlreadyBound, "label bound twice")
	}
	entry.Offset = int64(a.flushed)

	image := make([]byte, pool.Size())
	pool.Fill(image)
	if len(image) != 0 {
		a.chunks = append(a.chunks, image)
		a.flushed += len(image)
	}
	return nil
}

// Comment implements asmjit.Emitter: comments only reach the logger.
func (a *Assembler) Comment(s string) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if l := a.Code().Logger(); l != nil && a.GlobalOptions()&asmjit.OptionLoggingEnabled != 0 {
		_ = l.Log("; " + s)
	}
	return nil
}

func setOperand(addr *obj.Addr, op asmjit.Operand) error {
	switch op.Kind {
	case asmjit.OpReg:
		reg, err := goReg(op.Reg)
		if err != nil {
			return err
		}
		addr.Type = obj.TYPE_REG
		addr.Reg = reg
	case asmjit.OpImm:
		addr.Type = obj.TYPE_CONST
		addr.Offset = op.Imm
	case asmjit.OpMem:
		base, err := goReg(op.Mem.Base)
		if err != nil {
			return err
		}
		addr.Type = obj.TYPE_MEM
		addr.Reg = base
		addr.Offset = op.Mem.Disp
		if op.Mem.Index.IsValid() {
			index, err := goReg(op.Mem.Index)
			if err != nil {
				return err
			}
			addr.Index = index
			addr.Scale = int16(op.Mem.Scale)
		}
	default:
		return asmjit.ErrInvalidOperand
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

	a.ResetOneShotState()

	as, ok := instToAs[id]
	if !ok {
		return a.SetLastError(asmjit.ErrInvalidInstruction, fmt.Sprintf("no encoding for %s", id))
	}
	if id == asmjit.InstInt3 {
		// INT takes the vector as an immediate; int3 is INT 3.
		o0 = asmjit.ImmOp(3)
	}

	prog := a.newProg()
	prog.As = as

	var err error
	switch {
	case id.IsJump() || id == asmjit.InstCall:
		if o0.IsLabel() {
			prog.To.Type = obj.TYPE_BRANCH
			a.assignJumpTarget(o0.Label(), prog)
		} else {
			err = setOperand(&prog.To, o0)
		}
	case id == asmjit.InstPush, id == asmjit.InstInt3:
		err = setOperand(&prog.From, o0)
	case id == asmjit.InstPop, id == asmjit.InstRet && o0.IsNone():
		if !o0.IsNone() {
			err = setOperand(&prog.To, o0)
		}
	default:
		// Two-operand form: o0 is the destination, o1 the source,
		// mirrored into the backend's From/To convention.
		if !o0.IsNone() {
			err = setOperand(&prog.To, o0)
		}
		if err == nil && !o1.IsNone() {
			err = setOperand(&prog.From, o1)
		}
	}
	if err != nil {
		return a.SetLastError(err, fmt.Sprintf("cannot encode %s", id))
	}

	a.addInstruction(prog)
	return nil
}

// Sync implements asmjit.Syncer: pending instructions are assembled so
// label offsets recorded with the CodeHolder are up to date. Like Embed,
// it cannot run while forward label references are unresolved.
func (a *Assembler) Sync() error {
	return a.flush()
}

// Finalize implements asmjit.Emitter: remaining instructions are
// assembled and every chunk is appended to the CodeHolder's default
// section.
func (a *Assembler) Finalize() error {
	if err := a.LastError(); err != nil {
		return err
	}
	if err := a.flush(); err != nil {
		return a.SetLastError(err, "unresolved label references at finalize")
	}

	code := a.Code()
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	if err := code.GrowBuffer(&a.section.Buffer, total); err != nil {
		return a.SetLastError(err, "buffer growth failed")
	}
	for _, c := range a.chunks {
		a.section.Buffer.Data = append(a.section.Buffer.Data, c...)
	}
	a.chunks = nil
	return nil
}
