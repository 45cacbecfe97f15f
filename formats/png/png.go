// Package png decodes PNG images into chunk trees: the signature followed by
// length/type/data/crc records until IEND or the end of the stream.
package png

import (
	"encoding/binary"

	"github.com/meigma/blobtree/builder"
	"github.com/meigma/blobtree/diag"
)

// Name is the registry name of the decoder.
const Name = "png"

var signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Decoder decodes PNG images.
type Decoder struct{}

// New returns a PNG decoder.
func New() *Decoder {
	return &Decoder{}
}

// Name returns "png".
func (*Decoder) Name() string { return Name }

// Description describes the format.
func (*Decoder) Description() string {
	return "PNG images (signature and length/type/data/crc chunks)"
}

// Decode implements decoder.Decoder.
func (*Decoder) Decode(b *builder.Builder) error {
	b.SetOrder(binary.BigEndian)
	if err := b.Magic("signature", signature); err != nil {
		return err
	}
	return b.RepeatUntil("png_chunk", "chunk", func(uint64) (bool, error) {
		typ, err := record(b)
		return typ != "IEND", err
	})
}

// record decodes one length/type/data/crc record and returns its type.
func record(b *builder.Builder) (string, error) {
	length, err := b.U32("length")
	if err != nil {
		return "", err
	}
	at := b.Pos()
	raw, err := b.Bytes("type", 4)
	if err != nil {
		return "", err
	}
	for _, c := range raw {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return "", b.ErrorAt(diag.KindMalformedField, at, "chunk type %q is not ASCII letters", raw)
		}
	}
	typ := string(raw)

	switch {
	case length == 0:
	case typ == "IHDR":
		err = b.WithRegion("ihdr", "data", b.Offset(), uint64(length), func() error { return header(b) })
	case typ == "tEXt":
		err = b.WithRegion("text", "data", b.Offset(), uint64(length), func() error { return text(b) })
	default:
		_, err = b.Bytes("data", uint64(length))
	}
	if err != nil {
		return typ, err
	}
	if typ == "IHDR" || typ == "tEXt" {
		if err := b.Seek(b.Offset() + uint64(length)); err != nil {
			return typ, err
		}
	}
	_, err = b.U32("crc")
	return typ, err
}

func header(b *builder.Builder) error {
	if _, err := b.U32("width"); err != nil {
		return err
	}
	if _, err := b.U32("height"); err != nil {
		return err
	}
	for _, name := range []string{"bit_depth", "color_type", "compression", "filter", "interlace"} {
		if _, err := b.U8(name); err != nil {
			return err
		}
	}
	return nil
}

func text(b *builder.Builder) error {
	if _, err := b.CString("keyword"); err != nil {
		return err
	}
	_, err := b.Bytes("text", b.Remaining())
	return err
}
