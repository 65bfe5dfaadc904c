package asmjit

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmitterOneShotState(t *testing.T) {
	b, _ := newTestBuilder(t)

	b.SetOptions(OptionOverwrite)
	b.AddOptions(OptionTaken)
	require.Equal(t, OptionOverwrite|OptionTaken, b.Options())

	b.SetOp4(GpOp(1, 8))
	b.SetOp5(GpOp(2, 8))
	b.SetOpMask(GpOp(3, 8))
	require.True(t, b.HasOp4())
	require.True(t, b.HasOp5())
	require.True(t, b.HasOpMask())
	require.Equal(t, GpOp(1, 8), b.Op4())

	b.SetInlineComment("pending")
	require.Equal(t, "pending", b.InlineComment())

	require.NoError(t, b.Emit(InstNop))

	// Everything one-shot was consumed by the emit.
	require.Zero(t, b.Options())
	require.False(t, b.HasOp4())
	require.False(t, b.HasOp5())
	require.False(t, b.HasOpMask())
	require.Equal(t, "", b.InlineComment())
}

func TestEmitterEmitVariadic(t *testing.T) {
	b, _ := newTestBuilder(t)

	ops := []Operand{GpOp(0, 8), GpOp(1, 8), GpOp(2, 8), GpOp(3, 8), GpOp(4, 8), GpOp(5, 8)}
	require.NoError(t, b.Emit(InstAdd, ops...))

	node := b.Cursor()
	require.Equal(t, 6, node.OpCount())
	require.Equal(t, ops, node.Ops())

	require.ErrorIs(t, b.Emit(InstAdd, append(ops, GpOp(6, 8))...), ErrInvalidArgument)
}

func TestEmitterEmitImmediate(t *testing.T) {
	b, _ := newTestBuilder(t)

	require.NoError(t, b.EmitI(InstMov, 42, GpOp(0, 8)))
	node := b.Cursor()
	require.Equal(t, []Operand{GpOp(0, 8), ImmOp(42)}, node.Ops())
}

func TestEmitterCommentf(t *testing.T) {
	b, _ := newTestBuilder(t)

	require.NoError(t, b.Commentf("iteration %d of %d", 3, 7))
	require.Equal(t, "iteration 3 of 7", b.Cursor().InlineComment())
}

func TestEmitterResetLastError(t *testing.T) {
	b, _ := newTestBuilder(t)

	_ = b.SetLastError(ErrInvalidState, "forced")
	require.ErrorIs(t, b.LastError(), ErrInvalidState)
	require.True(t, b.InErrorState())

	b.ResetLastError()
	require.NoError(t, b.LastError())
	require.False(t, b.InErrorState())
	require.NoError(t, b.Comment("alive again"))
}

func TestEmitterIsLabelValid(t *testing.T) {
	b, _ := newTestBuilder(t)

	require.False(t, b.IsLabelValid(Label{}))
	label := b.NewLabel()
	require.True(t, b.IsLabelValid(label))
	require.False(t, b.IsLabelValid(NewLabelFromID(packID(99))))
}

func TestZapLoggerAdapter(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	require.NoError(t, logger.Log("jmp L1\n"))
	require.NoError(t, logger.Logf("bind L%d", 1))
	entries := observed.All()
	require.Len(t, entries, 2)
	require.Equal(t, "jmp L1", entries[0].Message)
	require.Equal(t, "bind L1", entries[1].Message)

	// A nil zap logger degrades to a no-op.
	require.NoError(t, NewZapLogger(nil).Log("dropped"))
	require.NoError(t, NewZapLogger(nil).Logf("dropped %d", 2))
}

func TestStringLogger(t *testing.T) {
	var l StringLogger
	require.NoError(t, l.Log("one"))
	require.NoError(t, l.Log("two\n"))
	require.NoError(t, l.Logf("%s %d", "three", 3))
	require.Equal(t, "one\ntwo\nthree 3\n", l.String())
}

func TestLoggerFunc(t *testing.T) {
	var got []string
	l := LoggerFunc(func(msg string) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, l.Log("plain"))
	require.NoError(t, l.Logf("fmt %d", 1))
	require.Equal(t, []string{"plain", "fmt 1"}, got)
}
