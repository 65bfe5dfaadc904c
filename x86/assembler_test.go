package x86

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awakencoder/asmjit"
)

func newTestAssembler(t *testing.T) (*Assembler, *asmjit.CodeHolder) {
	code := asmjit.NewCodeHolder()
	require.NoError(t, code.Init(asmjit.NewCodeInfo(asmjit.ArchX64, asmjit.NoBaseAddress)))
	a, err := NewAssembler(code)
	require.NoError(t, err)
	return a, code
}

func producedBytes(code *asmjit.CodeHolder) []byte {
	return code.SectionByID(0).Buffer.Data
}

func requireEncoding(t *testing.T, expectedHex string, emit func(a *Assembler)) {
	t.Helper()
	a, code := newTestAssembler(t)
	emit(a)
	require.NoError(t, a.LastError())
	require.Equal(t, expectedHex, hex.EncodeToString(producedBytes(code)))
}

func TestAssemblerAttachRejectsWrongArch(t *testing.T) {
	code := asmjit.NewCodeHolder()
	require.NoError(t, code.Init(asmjit.NewCodeInfo(asmjit.ArchA64, asmjit.NoBaseAddress)))
	_, err := NewAssembler(code)
	require.ErrorIs(t, err, asmjit.ErrInvalidArch)
}

func TestAssemblerSimpleInstructions(t *testing.T) {
	requireEncoding(t, "90", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstNop))
	})
	requireEncoding(t, "cc", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstInt3))
	})
	requireEncoding(t, "c3", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstRet))
	})
	requireEncoding(t, "c21000", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstRet, asmjit.ImmOp(16)))
	})
}

func TestAssemblerPushPop(t *testing.T) {
	requireEncoding(t, "50", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstPush, asmjit.RegOp(RAX)))
	})
	requireEncoding(t, "4151", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstPush, asmjit.RegOp(R9)))
	})
	requireEncoding(t, "5b", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstPop, asmjit.RegOp(RBX)))
	})
}

func TestAssemblerMov(t *testing.T) {
	requireEncoding(t, "48b82a00000000000000", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstMov, asmjit.RegOp(RAX), asmjit.ImmOp(42)))
	})
	requireEncoding(t, "488bca", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstMov, asmjit.RegOp(RCX), asmjit.RegOp(RDX)))
	})
	requireEncoding(t, "488b4508", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstMov, asmjit.RegOp(RAX), Ptr(RBP, 8)))
	})
	requireEncoding(t, "48890c24", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstMov, Ptr(RSP, 0), asmjit.RegOp(RCX)))
	})
}

func TestAssemblerALU(t *testing.T) {
	requireEncoding(t, "4801d8", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstAdd, asmjit.RegOp(RAX), asmjit.RegOp(RBX)))
	})
	requireEncoding(t, "4981e805000000", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstSub, asmjit.RegOp(R8), asmjit.ImmOp(5)))
	})
	requireEncoding(t, "4839d8", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstCmp, asmjit.RegOp(RAX), asmjit.RegOp(RBX)))
	})
	requireEncoding(t, "4885c0", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstTest, asmjit.RegOp(RAX), asmjit.RegOp(RAX)))
	})
}

func TestAssemblerForwardJump(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.LabelOp(label)))
	require.NoError(t, a.Emit(asmjit.InstNop))
	require.NoError(t, a.Bind(label))

	// jmp +1 over the nop.
	require.Equal(t, "e90100000090", hex.EncodeToString(producedBytes(code)))
	require.True(t, code.IsLabelBound(label.ID()))
	require.Equal(t, int64(6), code.LabelOffset(label.ID()))
}

func TestAssemblerBackwardJump(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Emit(asmjit.InstNop))
	require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.LabelOp(label)))

	// A bound target in reach takes the short form: jmp -3.
	require.Equal(t, "90ebfd", hex.EncodeToString(producedBytes(code)))
}

func TestAssemblerShortJumpSelection(t *testing.T) {
	// A backward jcc in rel8 range is encoded short.
	a, code := newTestAssembler(t)
	label := a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Emit(asmjit.InstJe, asmjit.LabelOp(label)))
	require.Equal(t, "74fe", hex.EncodeToString(producedBytes(code)))

	// -128 is the last displacement that still fits rel8.
	a, code = newTestAssembler(t)
	label = a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Embed(make([]byte, 126)))
	require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.LabelOp(label)))
	bytes := producedBytes(code)
	require.Equal(t, "eb80", hex.EncodeToString(bytes[126:]))

	// One byte further and the encoder falls back to rel32.
	a, code = newTestAssembler(t)
	label = a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Embed(make([]byte, 127)))
	require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.LabelOp(label)))
	bytes = producedBytes(code)
	// -132 = 0xFFFFFF7C.
	require.Equal(t, "e97cffffff", hex.EncodeToString(bytes[127:]))
}

func TestAssemblerConditionalJump(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Emit(asmjit.InstJe, asmjit.LabelOp(label)))
	require.NoError(t, a.Bind(label))

	require.Equal(t, "0f8400000000", hex.EncodeToString(producedBytes(code)))
}

func TestAssemblerMultipleLinksSameLabel(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Emit(asmjit.InstJe, asmjit.LabelOp(label)))
	require.NoError(t, a.Emit(asmjit.InstJne, asmjit.LabelOp(label)))
	require.NoError(t, a.Bind(label))

	// je +6, jne +0, both resolved at bind time.
	require.Equal(t, "0f84060000000f8500000000", hex.EncodeToString(producedBytes(code)))
}

func TestAssemblerJumpAndCallRegister(t *testing.T) {
	requireEncoding(t, "ffe0", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.RegOp(RAX)))
	})
	requireEncoding(t, "ffd0", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstCall, asmjit.RegOp(RAX)))
	})
	requireEncoding(t, "41ffd2", func(a *Assembler) {
		require.NoError(t, a.Emit(asmjit.InstCall, asmjit.RegOp(R10)))
	})
}

func TestAssemblerCallAbsoluteRecordsRelocation(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Emit(asmjit.InstCall, asmjit.ImmOp(0x1000)))

	relocs := code.Relocations()
	require.Len(t, relocs, 1)
	require.Equal(t, asmjit.RelocTrampoline, relocs[0].Type)
	require.Equal(t, uint64(1), relocs[0].From)
	require.Equal(t, uint64(0x1000), relocs[0].Data)
	require.Equal(t, uint32(8), code.TrampolinesSize())

	// Relocate resolves the rel32 against the chosen base address.
	dst := make([]byte, len(producedBytes(code)))
	_, err := code.Relocate(dst, 0x800)
	require.NoError(t, err)
	// 0x1000 - (0x800 + 1 + 4) = 0x7FB.
	require.Equal(t, "e8fb070000", hex.EncodeToString(dst))
}

func TestAssemblerBindErrors(t *testing.T) {
	a, _ := newTestAssembler(t)

	require.ErrorIs(t, a.Bind(asmjit.NewLabelFromID(asmjit.InvalidID)), asmjit.ErrInvalidLabel)
	a.ResetLastError()

	label := a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.ErrorIs(t, a.Bind(label), asmjit.ErrLabelAlreadyBound)
}

func TestAssemblerAlign(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Align(asmjit.AlignCode, 4))
	require.NoError(t, a.Embed([]byte{0xAA}))
	require.NoError(t, a.Align(asmjit.AlignZero, 4))

	require.Equal(t, "c3909090aa000000", hex.EncodeToString(producedBytes(code)))

	require.ErrorIs(t, a.Align(asmjit.AlignCode, 3), asmjit.ErrInvalidArgument)
}

func TestAssemblerEmbedConstPool(t *testing.T) {
	a, code := newTestAssembler(t)

	pool := asmjit.NewConstPool()
	_, err := pool.AddUint32(0x11223344)
	require.NoError(t, err)

	require.NoError(t, a.Emit(asmjit.InstRet)) // offset 1 forces padding
	label := a.NewLabel()
	require.NoError(t, a.EmbedConstPool(label, pool))

	require.Equal(t, "c300000044332211", hex.EncodeToString(producedBytes(code)))
	require.Equal(t, int64(4), code.LabelOffset(label.ID()))
}

func TestAssemblerErrorLatching(t *testing.T) {
	a, code := newTestAssembler(t)

	err := a.Emit(asmjit.InstID(9999))
	require.ErrorIs(t, err, asmjit.ErrInvalidInstruction)
	require.ErrorIs(t, a.LastError(), asmjit.ErrInvalidInstruction)

	before := len(producedBytes(code))
	require.ErrorIs(t, a.Emit(asmjit.InstRet), asmjit.ErrInvalidInstruction)
	require.Equal(t, before, len(producedBytes(code)))

	a.ResetLastError()
	require.NoError(t, a.Emit(asmjit.InstRet))
}

func TestAssemblerLogsWhenEnabled(t *testing.T) {
	a, code := newTestAssembler(t)

	logger := &asmjit.StringLogger{}
	code.SetLogger(logger)

	a.SetInlineComment("result")
	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Comment("all done"))

	out := logger.String()
	require.Contains(t, out, "ret ; result")
	require.Contains(t, out, "; all done")
}

func TestAssemblerSerializeFromBuilder(t *testing.T) {
	code := asmjit.NewCodeHolder()
	require.NoError(t, code.Init(asmjit.NewCodeInfo(asmjit.ArchX64, asmjit.NoBaseAddress)))

	b, err := asmjit.NewBuilder(code)
	require.NoError(t, err)
	a, err := NewAssembler(code)
	require.NoError(t, err)

	// A small loop: decrement rax until zero.
	loop := b.NewLabel()
	require.NoError(t, b.Emit(asmjit.InstMov, asmjit.RegOp(RAX), asmjit.ImmOp(3)))
	require.NoError(t, b.Bind(loop))
	require.NoError(t, b.Emit(asmjit.InstSub, asmjit.RegOp(RAX), asmjit.ImmOp(1)))
	require.NoError(t, b.Emit(asmjit.InstTest, asmjit.RegOp(RAX), asmjit.RegOp(RAX)))
	require.NoError(t, b.Emit(asmjit.InstJne, asmjit.LabelOp(loop)))
	require.NoError(t, b.Emit(asmjit.InstRet))

	require.NoError(t, b.Serialize(a))

	require.Equal(t,
		"48b80300000000000000"+ // mov rax, 3
			"4881e801000000"+ // sub rax, 1
			"4885c0"+ // test rax, rax
			"75f4"+ // jne loop (short, the target is in reach)
			"c3", // ret
		hex.EncodeToString(producedBytes(code)))

	// Replaying again onto the same assembler rejects rebinding the
	// loop label; the builder itself recorded nothing wrong.
	require.ErrorIs(t, b.Serialize(a), asmjit.ErrLabelAlreadyBound)
}