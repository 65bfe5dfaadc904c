package asmjit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstPoolAddAndDedup(t *testing.T) {
	pool := NewConstPool()
	require.True(t, pool.IsEmpty())
	require.Equal(t, uint32(1), pool.Alignment())

	off1, err := pool.AddUint32(0xDEADBEEF)
	require.NoError(t, err)
	require.Equal(t, uint32(0), off1)

	off2, err := pool.AddUint64(0x0102030405060708)
	require.NoError(t, err)
	require.Equal(t, uint32(8), off2, "8-byte constant is aligned to 8")

	// Identical content resolves to the existing offset.
	again, err := pool.AddUint32(0xDEADBEEF)
	require.NoError(t, err)
	require.Equal(t, off1, again)

	require.False(t, pool.IsEmpty())
	require.Equal(t, uint32(16), pool.Size())
	require.Equal(t, uint32(8), pool.Alignment())
}

func TestConstPoolRejectsBadSizes(t *testing.T) {
	pool := NewConstPool()

	_, err := pool.Add(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = pool.Add(make([]byte, 3))
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = pool.Add(make([]byte, 128))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConstPoolFill(t *testing.T) {
	pool := NewConstPool()

	_, err := pool.Add([]byte{0x11})
	require.NoError(t, err)
	off, err := pool.AddUint32(0xAABBCCDD)
	require.NoError(t, err)
	require.Equal(t, uint32(4), off, "gap before the aligned constant")

	image := make([]byte, pool.Size())
	for i := range image {
		image[i] = 0xFF // Fill must overwrite gaps with zeros.
	}
	pool.Fill(image)
	require.Equal(t, []byte{0x11, 0x00, 0x00, 0x00, 0xDD, 0xCC, 0xBB, 0xAA}, image)
}

func TestConstPoolFloat(t *testing.T) {
	pool := NewConstPool()
	off1, err := pool.AddFloat64(3.5)
	require.NoError(t, err)
	off2, err := pool.AddFloat64(3.5)
	require.NoError(t, err)
	require.Equal(t, off1, off2)
}
