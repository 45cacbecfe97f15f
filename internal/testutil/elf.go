package testutil

import "encoding/binary"

// ELFProgramHeader describes one program header of a synthetic ELF image.
type ELFProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// ELFSection describes one section of a synthetic ELF image. Data is laid
// out after the program headers and its offset/size are filled in.
type ELFSection struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
	Data      []byte
}

// ELF builds synthetic ELF images for decoder tests.
type ELF struct {
	Class32   bool
	BigEndian bool
	Type      uint16
	Machine   uint16
	Entry     uint64
	Flags     uint32
	ShStrNdx  uint16
	Phdrs     []ELFProgramHeader
	Sections  []ELFSection

	// PhEntPad adds trailing bytes to every program header entry.
	PhEntPad int
}

// Layout sizes per class.
const (
	ELF64HeaderSize  = 64
	ELF64PhdrSize    = 56
	ELF64ShdrSize    = 64
	ELF32HeaderSize  = 52
	ELF32PhdrSize    = 32
	ELF32ShdrSize    = 40
	ELFSectionStrTab = 3
)

// Build serializes the image: header, program headers, section data, then
// the section header table.
func (e ELF) Build() []byte {
	var order binary.AppendByteOrder = binary.LittleEndian
	if e.BigEndian {
		order = binary.BigEndian
	}
	ehsize, phsize, shsize := ELF64HeaderSize, ELF64PhdrSize, ELF64ShdrSize
	if e.Class32 {
		ehsize, phsize, shsize = ELF32HeaderSize, ELF32PhdrSize, ELF32ShdrSize
	}
	phentsize := phsize + e.PhEntPad

	phoff := 0
	if len(e.Phdrs) > 0 {
		phoff = ehsize
	}
	dataOff := ehsize + len(e.Phdrs)*phentsize
	offsets := make([]int, len(e.Sections))
	pos := dataOff
	for i, s := range e.Sections {
		offsets[i] = pos
		pos += len(s.Data)
	}
	shoff := 0
	if len(e.Sections) > 0 {
		shoff = (pos + 7) &^ 7
	}

	ident := []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if e.Class32 {
		ident[4] = 1
	}
	if e.BigEndian {
		ident[5] = 2
	}
	out := append([]byte(nil), ident...)
	out = order.AppendUint16(out, e.Type)
	out = order.AppendUint16(out, e.Machine)
	out = order.AppendUint32(out, 1)
	out = e.appendWord(order, out, e.Entry)
	out = e.appendWord(order, out, uint64(phoff))
	out = e.appendWord(order, out, uint64(shoff))
	out = order.AppendUint32(out, e.Flags)
	out = order.AppendUint16(out, uint16(ehsize))    //nolint:gosec // layout constant
	out = order.AppendUint16(out, uint16(phentsize)) //nolint:gosec // test sizes are small
	out = order.AppendUint16(out, uint16(len(e.Phdrs)))
	out = order.AppendUint16(out, uint16(shsize)) //nolint:gosec // layout constant
	out = order.AppendUint16(out, uint16(len(e.Sections)))
	out = order.AppendUint16(out, e.ShStrNdx)

	for _, p := range e.Phdrs {
		if e.Class32 {
			out = order.AppendUint32(out, p.Type)
			out = order.AppendUint32(out, uint32(p.Offset))
			out = order.AppendUint32(out, uint32(p.VAddr))
			out = order.AppendUint32(out, uint32(p.PAddr))
			out = order.AppendUint32(out, uint32(p.FileSz))
			out = order.AppendUint32(out, uint32(p.MemSz))
			out = order.AppendUint32(out, p.Flags)
			out = order.AppendUint32(out, uint32(p.Align))
		} else {
			out = order.AppendUint32(out, p.Type)
			out = order.AppendUint32(out, p.Flags)
			out = order.AppendUint64(out, p.Offset)
			out = order.AppendUint64(out, p.VAddr)
			out = order.AppendUint64(out, p.PAddr)
			out = order.AppendUint64(out, p.FileSz)
			out = order.AppendUint64(out, p.MemSz)
			out = order.AppendUint64(out, p.Align)
		}
		out = append(out, make([]byte, e.PhEntPad)...)
	}
	for _, s := range e.Sections {
		out = append(out, s.Data...)
	}
	out = append(out, make([]byte, shoff-len(out))...)

	for i, s := range e.Sections {
		out = order.AppendUint32(out, s.NameOff)
		out = order.AppendUint32(out, s.Type)
		out = e.appendWord(order, out, s.Flags)
		out = e.appendWord(order, out, s.Addr)
		out = e.appendWord(order, out, uint64(offsets[i]))
		out = e.appendWord(order, out, uint64(len(s.Data)))
		out = order.AppendUint32(out, s.Link)
		out = order.AppendUint32(out, s.Info)
		out = e.appendWord(order, out, s.AddrAlign)
		out = e.appendWord(order, out, s.EntSize)
	}
	return out
}

func (e ELF) appendWord(order binary.AppendByteOrder, b []byte, v uint64) []byte {
	if e.Class32 {
		return order.AppendUint32(b, uint32(v)) //nolint:gosec // 32-bit images carry 32-bit words
	}
	return order.AppendUint64(b, v)
}

// MinimalELF returns a 64-bit little-endian image with four program headers
// and two sections. Section 1 is the section name table "\x00.text\x00.data\x00"
// and its own name offset is 1, so it resolves to ".text".
func MinimalELF() ELF {
	phdrs := make([]ELFProgramHeader, 4)
	for i := range phdrs {
		phdrs[i] = ELFProgramHeader{
			Type:   1,
			Flags:  5,
			Offset: uint64(i) * 0x1000,
			VAddr:  0x400000 + uint64(i)*0x1000,
			PAddr:  0x400000 + uint64(i)*0x1000,
			FileSz: 0x100,
			MemSz:  0x100,
			Align:  0x1000,
		}
	}
	return ELF{
		Type:     2,
		Machine:  62,
		Entry:    0x401000,
		ShStrNdx: 1,
		Phdrs:    phdrs,
		Sections: []ELFSection{
			{},
			{NameOff: 1, Type: ELFSectionStrTab, AddrAlign: 1, Data: []byte("\x00.text\x00.data\x00")},
		},
	}
}
