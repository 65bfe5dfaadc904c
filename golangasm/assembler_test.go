package golangasm

import (
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

func TestGolangAsmAttachRequiresAmd64(t *testing.T) {
	code := asmjit.NewCodeHolder()
	require.NoError(t, code.Init(asmjit.NewCodeInfo(asmjit.ArchA64, asmjit.NoBaseAddress)))
	_, err := NewAssembler(code)
	require.ErrorIs(t, err, asmjit.ErrInvalidArch)
}

func TestGolangAsmRet(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Finalize())

	bytes := code.SectionByID(0).Buffer.Data
	require.NotEmpty(t, bytes)
	require.Equal(t, byte(0xC3), bytes[len(bytes)-1])
}

func TestGolangAsmMovAndALU(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Emit(asmjit.InstMov, asmjit.GpOp(0, 8), asmjit.ImmOp(3)))
	require.NoError(t, a.Emit(asmjit.InstAdd, asmjit.GpOp(0, 8), asmjit.GpOp(3, 8)))
	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Finalize())

	require.NotEmpty(t, code.SectionByID(0).Buffer.Data)
}

func TestGolangAsmForwardJump(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Emit(asmjit.InstJe, asmjit.LabelOp(label)))
	require.NoError(t, a.Emit(asmjit.InstNop))
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Finalize())

	require.NotEmpty(t, code.SectionByID(0).Buffer.Data)
	require.True(t, code.IsLabelBound(label.ID()))
}

func TestGolangAsmBackwardJump(t *testing.T) {
	a, code := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.NoError(t, a.Emit(asmjit.InstSub, asmjit.GpOp(0, 8), asmjit.ImmOp(1)))
	require.NoError(t, a.Emit(asmjit.InstJne, asmjit.LabelOp(label)))
	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Finalize())

	require.NotEmpty(t, code.SectionByID(0).Buffer.Data)
}

func TestGolangAsmBindTwice(t *testing.T) {
	a, _ := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Bind(label))
	require.ErrorIs(t, a.Bind(label), asmjit.ErrLabelAlreadyBound)
}

func TestGolangAsmEmbedFlushesChunks(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Embed([]byte{0xAA, 0xBB}))
	require.NoError(t, a.Emit(asmjit.InstRet))
	require.NoError(t, a.Finalize())

	bytes := code.SectionByID(0).Buffer.Data
	require.Contains(t, string(bytes), "\xaa\xbb")
}

func TestGolangAsmEmbedAcrossUnresolvedLabelFails(t *testing.T) {
	a, _ := newTestAssembler(t)

	label := a.NewLabel()
	require.NoError(t, a.Emit(asmjit.InstJmp, asmjit.LabelOp(label)))
	require.ErrorIs(t, a.Embed([]byte{1}), asmjit.ErrInvalidState)
}

func TestGolangAsmAlignBetweenChunks(t *testing.T) {
	a, code := newTestAssembler(t)

	require.NoError(t, a.Embed([]byte{0x01}))
	require.NoError(t, a.Align(asmjit.AlignZero, 8))
	require.NoError(t, a.Embed([]byte{0x02}))
	require.NoError(t, a.Finalize())

	bytes := code.SectionByID(0).Buffer.Data
	require.Equal(t, []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0x02}, bytes)
}

func TestGolangAsmSerializeFromBuilder(t *testing.T) {
	code := asmjit.NewCodeHolder()
	require.NoError(t, code.Init(asmjit.NewCodeInfo(asmjit.ArchX64, asmjit.NoBaseAddress)))

	b, err := asmjit.NewBuilder(code)
	require.NoError(t, err)
	a, err := NewAssembler(code)
	require.NoError(t, err)

	loop := b.NewLabel()
	require.NoError(t, b.Emit(asmjit.InstMov, asmjit.GpOp(0, 8), asmjit.ImmOp(3)))
	require.NoError(t, b.Bind(loop))
	require.NoError(t, b.Emit(asmjit.InstSub, asmjit.GpOp(0, 8), asmjit.ImmOp(1)))
	require.NoError(t, b.Emit(asmjit.InstJne, asmjit.LabelOp(loop)))
	require.NoError(t, b.Emit(asmjit.InstRet))

	require.NoError(t, b.Serialize(a))
	require.NoError(t, a.Finalize())
	require.NotEmpty(t, code.SectionByID(0).Buffer.Data)
}
