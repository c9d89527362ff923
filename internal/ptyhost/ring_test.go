package ptyhost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingKeepsMostRecentBytes(t *testing.T) {
	r := newRing(8)
	r.write([]byte("abc"))
	require.Equal(t, "abc", string(r.bytes()))
	require.False(t, r.truncated())

	r.write([]byte("defgh"))
	require.Equal(t, "abcdefgh", string(r.bytes()))
	require.False(t, r.truncated())

	r.write([]byte("ij"))
	require.Equal(t, "cdefghij", string(r.bytes()))
	require.True(t, r.truncated())
	require.EqualValues(t, 10, r.offset())

	r.write([]byte("klmnopqrstu"))
	require.Equal(t, "nopqrstu", string(r.bytes()))
	require.EqualValues(t, 21, r.offset())

	r.write([]byte("v"))
	require.Equal(t, "opqrstuv", string(r.bytes()))
}

func TestRingDefaultCapacity(t *testing.T) {
	r := newRing(0)
	require.Len(t, r.buf, 1<<20)
	require.Empty(t, r.bytes())
}
