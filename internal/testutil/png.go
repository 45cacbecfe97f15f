package testutil

import (
	"encoding/binary"
	"hash/crc32"
)

// PNGSignature is the eight-byte PNG file signature.
var PNGSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// PNGChunk is one length/type/data/crc record of a synthetic PNG.
type PNGChunk struct {
	Type string
	Data []byte
}

// BuildPNG serializes the signature followed by the given chunks with
// correct CRCs.
func BuildPNG(chunks ...PNGChunk) []byte {
	out := append([]byte(nil), PNGSignature...)
	for _, c := range chunks {
		out = binary.BigEndian.AppendUint32(out, uint32(len(c.Data))) //nolint:gosec // test chunks are small
		body := append([]byte(c.Type), c.Data...)
		out = append(out, body...)
		out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
	}
	return out
}

// IHDR returns an IHDR chunk for an 8-bit RGBA image.
func IHDR(width, height uint32) PNGChunk {
	data := binary.BigEndian.AppendUint32(nil, width)
	data = binary.BigEndian.AppendUint32(data, height)
	data = append(data, 8, 6, 0, 0, 0)
	return PNGChunk{Type: "IHDR", Data: data}
}

// MinimalPNG returns a 1x1 image with a tEXt chunk.
func MinimalPNG() []byte {
	return BuildPNG(
		IHDR(1, 1),
		PNGChunk{Type: "tEXt", Data: []byte("Comment\x00hello")},
		PNGChunk{Type: "IDAT", Data: []byte{0x78, 0x9c, 0x63, 0x60, 0, 0, 0, 2, 0, 1}},
		PNGChunk{Type: "IEND"},
	)
}
