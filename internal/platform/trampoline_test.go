package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrampolineMatchesKnownWords(t *testing.T) {
	buf := Trampoline(0x80000000, 0x1040)
	require.Len(t, buf, 20)

	words := make([]uint32, 5)
	for i := range words {
		o := i * 4
		words[i] = uint32(buf[o]) | uint32(buf[o+1])<<8 | uint32(buf[o+2])<<16 | uint32(buf[o+3])<<24
	}

	require.EqualValues(t, 0x7FFFF297, words[0])
	require.EqualValues(t, 0x00000597, words[1])
	require.EqualValues(t, 0x03C58593, words[2])
	require.EqualValues(t, 0xF1402573, words[3])
	require.EqualValues(t, 0x00028067, words[4])
}

func TestTrampolineTracksFdtBase(t *testing.T) {
	// Moving fdtBase by one word should move the encoded immediate by
	// exactly one word's worth of bytes.
	low := Trampoline(0x80000000, 0x1040)
	high := Trampoline(0x80000000, 0x1044)

	immOf := func(buf []byte) uint32 {
		w := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24
		return w >> 20
	}
	require.EqualValues(t, immOf(low)+4, immOf(high))
}
