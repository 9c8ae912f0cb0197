package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShrinkExpandRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("<package name='hello'/>\n"), 100)

	shrunk := Shrink(data)
	require.Less(t, len(shrunk), len(data))
	require.Equal(t, data, Expand(shrunk))
}

func TestShrinkSkipsSmallContent(t *testing.T) {
	data := []byte("tiny")
	require.Equal(t, data, Shrink(data))
	require.Equal(t, data, Expand(data))
}

func TestShrinkSkipsIncompressible(t *testing.T) {
	// pseudo-random bytes do not compress; Shrink must hand them back raw
	data := make([]byte, 4096)
	state := uint32(0x12345678)
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}

	shrunk := Shrink(data)
	require.Equal(t, data, shrunk)
	require.Equal(t, data, Expand(shrunk))
}

func TestExpandPassesThroughPlainText(t *testing.T) {
	data := bytes.Repeat([]byte("plain manifest content\n"), 50)
	require.Equal(t, data, Expand(data))
}
