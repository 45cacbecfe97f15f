// Package elf decodes ELF object files into chunk trees.
//
// Decoding runs in four phases: the file header, the program header table,
// the section header table and the section name string table. A failing
// phase stops the decode; chunks produced by earlier phases are kept.
package elf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meigma/blobtree/builder"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/xref"
)

// Name is the registry name of the decoder.
const Name = "elf"

// Cross-reference regions populated by Link.
const (
	RegionStrings     = "shstrtab"
	RegionSectionName = "section_name"
)

// ErrNoStrings is returned by SectionName when the result has no section
// name table.
var ErrNoStrings = errors.New("elf: no section name table")

var magic = []byte{0x7f, 'E', 'L', 'F'}

// Identification values.
const (
	class32 = 1
	class64 = 2
	dataLSB = 1
	dataMSB = 2
)

// Table entry sizes per class.
const (
	phdrSize32 = 32
	phdrSize64 = 56
	shdrSize32 = 40
	shdrSize64 = 64
)

// Decoder decodes ELF files.
type Decoder struct{}

// New returns an ELF decoder.
func New() *Decoder {
	return &Decoder{}
}

// Name returns "elf".
func (*Decoder) Name() string { return Name }

// Description describes the format.
func (*Decoder) Description() string {
	return "ELF executables, objects and shared libraries (32/64-bit, either byte order)"
}

type header struct {
	class       uint8
	phoff       uint64
	shoff       uint64
	phentsize   uint16
	phentsizeAt uint64
	phnum       uint16
	shentsize   uint16
	shentsizeAt uint64
	shnum       uint16
	shstrndx    uint16
	shstrndxAt  uint64
}

type section struct {
	offset uint64
	size   uint64
}

// Decode implements decoder.Decoder.
func (*Decoder) Decode(b *builder.Builder) error {
	var h header
	if err := b.Phase("header", func() error { return decodeHeader(b, &h) }); err != nil {
		return err
	}
	if err := b.Phase("program_headers", func() error { return decodeProgramHeaders(b, &h) }); err != nil {
		return err
	}
	var sections []section
	if err := b.Phase("section_headers", func() error {
		var err error
		sections, err = decodeSectionHeaders(b, &h)
		return err
	}); err != nil {
		return err
	}
	if h.shstrndx == 0 {
		return nil
	}
	return b.Phase("strings", func() error { return decodeStrings(b, &h, sections) })
}

func decodeHeader(b *builder.Builder, h *header) error {
	return b.WithChild("elf_header", "header", func() error {
		if err := b.WithChild("e_ident", "e_ident", func() error { return decodeIdent(b, h) }); err != nil {
			return err
		}
		if _, err := b.U16("type"); err != nil {
			return err
		}
		if _, err := b.U16("machine"); err != nil {
			return err
		}
		if _, err := b.U32("version"); err != nil {
			return err
		}
		if _, err := word(b, h.class, "entry"); err != nil {
			return err
		}
		var err error
		if h.phoff, err = word(b, h.class, "phoff"); err != nil {
			return err
		}
		if h.shoff, err = word(b, h.class, "shoff"); err != nil {
			return err
		}
		if _, err := b.U32("flags"); err != nil {
			return err
		}
		if _, err := b.U16("ehsize"); err != nil {
			return err
		}
		h.phentsizeAt = b.Pos()
		if h.phentsize, err = b.U16("phentsize"); err != nil {
			return err
		}
		if h.phnum, err = b.U16("phnum"); err != nil {
			return err
		}
		h.shentsizeAt = b.Pos()
		if h.shentsize, err = b.U16("shentsize"); err != nil {
			return err
		}
		if h.shnum, err = b.U16("shnum"); err != nil {
			return err
		}
		h.shstrndxAt = b.Pos()
		h.shstrndx, err = b.U16("shstrndx")
		return err
	})
}

func decodeIdent(b *builder.Builder, h *header) error {
	if err := b.Magic("magic", magic); err != nil {
		return err
	}
	at := b.Pos()
	class, err := b.U8("class")
	if err != nil {
		return err
	}
	if class != class32 && class != class64 {
		return b.ErrorAt(diag.KindUnsupportedVariant, at, "class %d", class)
	}
	h.class = class

	at = b.Pos()
	data, err := b.U8("data")
	if err != nil {
		return err
	}
	switch data {
	case dataLSB:
		b.SetOrder(binary.LittleEndian)
	case dataMSB:
		b.SetOrder(binary.BigEndian)
	default:
		return b.ErrorAt(diag.KindUnsupportedVariant, at, "data encoding %d", data)
	}

	at = b.Pos()
	version, err := b.U8("version")
	if err != nil {
		return err
	}
	if version != 1 {
		return b.ErrorAt(diag.KindUnsupportedVariant, at, "ident version %d", version)
	}
	if _, err := b.U8("osabi"); err != nil {
		return err
	}
	if _, err := b.U8("abiversion"); err != nil {
		return err
	}
	return b.Skip("pad", 7)
}

// word reads an address-sized field.
func word(b *builder.Builder, class uint8, name string) (uint64, error) {
	if class == class32 {
		v, err := b.U32(name)
		return uint64(v), err
	}
	return b.U64(name)
}

func decodeProgramHeaders(b *builder.Builder, h *header) error {
	if h.phnum == 0 {
		return nil
	}
	layout := uint16(phdrSize64)
	if h.class == class32 {
		layout = phdrSize32
	}
	if h.phentsize < layout {
		return b.ErrorAt(diag.KindMalformedField, h.phentsizeAt, "program header entry size %d below %d", h.phentsize, layout)
	}
	size := uint64(h.phnum) * uint64(h.phentsize)
	return b.WithRegion("program_headers", "program_headers", h.phoff, size, func() error {
		return b.Repeat("program_header", "entry", uint64(h.phnum), func(uint64) error {
			if err := programHeader(b, h.class); err != nil {
				return err
			}
			return b.Skip("padding", uint64(h.phentsize-layout))
		})
	})
}

func programHeader(b *builder.Builder, class uint8) error {
	if _, err := b.U32("type"); err != nil {
		return err
	}
	if class == class64 {
		if _, err := b.U32("flags"); err != nil {
			return err
		}
	}
	for _, name := range []string{"offset", "vaddr", "paddr", "filesz", "memsz"} {
		if _, err := word(b, class, name); err != nil {
			return err
		}
	}
	if class == class32 {
		if _, err := b.U32("flags"); err != nil {
			return err
		}
	}
	_, err := word(b, class, "align")
	return err
}

func decodeSectionHeaders(b *builder.Builder, h *header) ([]section, error) {
	if h.shnum == 0 {
		return nil, nil
	}
	layout := uint16(shdrSize64)
	if h.class == class32 {
		layout = shdrSize32
	}
	if h.shentsize < layout {
		return nil, b.ErrorAt(diag.KindMalformedField, h.shentsizeAt, "section header entry size %d below %d", h.shentsize, layout)
	}
	sections := make([]section, 0, h.shnum)
	size := uint64(h.shnum) * uint64(h.shentsize)
	err := b.WithRegion("section_headers", "section_headers", h.shoff, size, func() error {
		return b.Repeat("section_header", "entry", uint64(h.shnum), func(uint64) error {
			sec, err := sectionHeader(b, h.class)
			if err != nil {
				return err
			}
			sections = append(sections, sec)
			return b.Skip("padding", uint64(h.shentsize-layout))
		})
	})
	return sections, err
}

func sectionHeader(b *builder.Builder, class uint8) (section, error) {
	var sec section
	if _, err := b.U32("name"); err != nil {
		return sec, err
	}
	if _, err := b.U32("type"); err != nil {
		return sec, err
	}
	if _, err := word(b, class, "flags"); err != nil {
		return sec, err
	}
	if _, err := word(b, class, "addr"); err != nil {
		return sec, err
	}
	var err error
	if sec.offset, err = word(b, class, "offset"); err != nil {
		return sec, err
	}
	if sec.size, err = word(b, class, "size"); err != nil {
		return sec, err
	}
	if _, err := b.U32("link"); err != nil {
		return sec, err
	}
	if _, err := b.U32("info"); err != nil {
		return sec, err
	}
	if _, err := word(b, class, "addralign"); err != nil {
		return sec, err
	}
	_, err = word(b, class, "entsize")
	return sec, err
}

func decodeStrings(b *builder.Builder, h *header, sections []section) error {
	if int(h.shstrndx) >= len(sections) {
		return b.ErrorAt(diag.KindMalformedField, h.shstrndxAt, "string table index %d out of %d sections", h.shstrndx, len(sections))
	}
	sec := sections[h.shstrndx]
	return b.WithRegion("strings", "strings", sec.offset, sec.size, func() error {
		return b.Optional(func() error {
			for i := 0; !b.EOF(); i++ {
				if _, err := b.CString(fmt.Sprintf("string[%d]", i)); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Link implements decoder.Linker. Every string of the section name table is
// defined under RegionStrings at its offset within the table, and section i
// is linked from (RegionSectionName, i) to the table offset of its name.
func (*Decoder) Link(root *chunk.Node, refs *xref.Table) error {
	strs := root.Child("strings")
	if strs == nil {
		return nil
	}
	for _, s := range strs.Children {
		refs.Define(RegionStrings, s.Range.Start-strs.Range.Start, s)
	}
	headers := root.Child("section_headers")
	if headers == nil {
		return nil
	}
	for i, entry := range headers.Children {
		name := entry.Child("name")
		if name == nil || name.Value == nil {
			continue
		}
		refs.Link(
			xref.Key{Region: RegionSectionName, Offset: uint64(i)},
			xref.Key{Region: RegionStrings, Offset: name.Value.U},
		)
	}
	return nil
}

// SectionName resolves the name of section i of a decoded ELF file. A name
// offset that points into the middle of a string yields its suffix.
func SectionName(res *decoder.Result, i int) (string, error) {
	if res == nil || res.Refs == nil || res.Refs.Len() == 0 {
		return "", ErrNoStrings
	}
	target, err := res.Refs.Resolve(xref.Key{Region: RegionSectionName, Offset: uint64(i)}) //nolint:gosec // section indexes are non-negative
	if err != nil {
		return "", fmt.Errorf("section %d: %w", i, err)
	}
	if target.Node.Value == nil {
		return "", fmt.Errorf("section %d: name chunk has no value", i)
	}
	name := target.Node.Value.B
	if target.Delta >= uint64(len(name)) {
		return "", nil
	}
	return string(name[target.Delta:]), nil
}
