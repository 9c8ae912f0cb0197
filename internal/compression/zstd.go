// Package compression shrinks cached manifests with zstd. Compression is
// opportunistic: content that does not get smaller (or is tiny) is stored
// raw, and Expand sniffs the frame magic to tell the two apart.
package compression

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
)

const minSize = 128

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil)
)

// Shrink returns data zstd-compressed, or data itself when compressing
// would not save space.
func Shrink(data []byte) []byte {
	if len(data) < minSize {
		return data
	}

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Expand reverses Shrink. Raw content passes through untouched.
func Expand(data []byte) []byte {
	if !isCompressed(data) {
		return data
	}

	expanded, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return data
	}
	return expanded
}

func isCompressed(data []byte) bool {
	if len(data) < len(zstdMagic) {
		return false
	}
	return binary.LittleEndian.Uint32(data) == binary.LittleEndian.Uint32(zstdMagic)
}
