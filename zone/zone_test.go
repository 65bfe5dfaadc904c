package zone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZoneAlloc(t *testing.T) {
	z := New(1024)

	a := z.Alloc(10)
	require.Len(t, a, 10)
	b := z.Alloc(20)
	require.Len(t, b, 20)
	require.Equal(t, 30, z.Allocated())

	// Allocations are zeroed and disjoint.
	for i := range a {
		a[i] = 0xAA
	}
	for _, v := range b {
		require.Zero(t, v)
	}

	require.Nil(t, z.Alloc(-1))
	require.NotNil(t, z.Alloc(0))
}

func TestZoneAllocLargerThanBlock(t *testing.T) {
	z := New(256)
	big := z.Alloc(10_000)
	require.Len(t, big, 10_000)
}

func TestZoneAllocationsAreStable(t *testing.T) {
	z := New(128)

	first := z.Alloc(8)
	first[0] = 0x42
	// Force several new blocks.
	for i := 0; i < 64; i++ {
		z.Alloc(64)
	}
	require.Equal(t, byte(0x42), first[0])
}

func TestZoneDup(t *testing.T) {
	z := New(1024)

	src := []byte{1, 2, 3}
	d := z.Dup(src, false)
	require.Equal(t, src, d)
	src[0] = 9
	require.Equal(t, byte(1), d[0], "dup must copy")

	// Null-terminated form keeps a zero byte past the reported length.
	nt := z.Dup([]byte{7, 8}, true)
	require.Equal(t, []byte{7, 8}, nt)
	require.Equal(t, byte(0), nt[:3][2])
}

func TestZoneDupString(t *testing.T) {
	z := New(1024)

	s, ok := z.DupString("hello")
	require.True(t, ok)
	require.Equal(t, "hello", s)

	empty, ok := z.DupString("")
	require.True(t, ok)
	require.Equal(t, "", empty)
}

func TestZoneLimit(t *testing.T) {
	z := New(1024)
	z.SetLimit(16)

	require.NotNil(t, z.Alloc(16))
	require.Nil(t, z.Alloc(1))

	_, ok := z.DupString("does not fit")
	require.False(t, ok)

	z.Reset(false)
	require.NotNil(t, z.Alloc(16))
}

func TestZoneReset(t *testing.T) {
	z := New(1024)
	z.Alloc(100)
	require.Equal(t, 100, z.Allocated())

	z.Reset(false)
	require.Zero(t, z.Allocated())
	fresh := z.Alloc(8)
	for _, v := range fresh {
		require.Zero(t, v)
	}

	z.Reset(true)
	require.Zero(t, z.Allocated())
	require.NotNil(t, z.Alloc(8))
}
