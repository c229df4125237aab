// Package elftest synthesizes small ELF images for tests.
package elftest

import (
	"bytes"
	"debug/elf"

	"github.com/lxhost/lxhost/go/models"
)

// Prog is one program header. Data is placed in the file after the
// headers; Filesz and Memsz default to len(Data).
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Data   []byte

	// Headers maps the start of the file (ELF header and program headers)
	// instead of Data.
	Headers bool
	// Off overrides the computed file offset when nonzero.
	Off uint64
}

// Image describes an ELF file to build.
type Image struct {
	Arch    *models.Arch
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	Progs   []Prog

	// Phdr adds a PT_PHDR entry describing the program header table,
	// which must then be mapped by a Headers segment.
	Phdr bool
	// Edit may patch the encoded file before it is returned.
	Edit func(p []byte)
}

func (img *Image) pack(buf *bytes.Buffer, v interface{}) {
	if err := models.NewStrucStream(buf, img.Arch.Order).Pack(v); err != nil {
		panic(err)
	}
}

// Build encodes the image.
func (img *Image) Build() []byte {
	arch := img.Arch
	if img.Machine == 0 {
		img.Machine = arch.Machine
	}
	if img.Type == 0 {
		img.Type = elf.ET_EXEC
	}
	progs := append([]Prog(nil), img.Progs...)
	if img.Phdr {
		var vaddr uint64
		for _, p := range progs {
			if p.Headers {
				vaddr = p.Vaddr
			}
		}
		progs = append([]Prog{{Type: elf.PT_PHDR, Flags: elf.PF_R, Vaddr: vaddr + arch.EhdrSize}}, progs...)
	}
	phoff := arch.EhdrSize
	headerSize := phoff + uint64(len(progs))*arch.PhdrSize

	// lay out segment data after the headers
	off := models.AlignUp(headerSize, 16)
	var data bytes.Buffer
	for i := range progs {
		p := &progs[i]
		switch {
		case p.Type == elf.PT_PHDR:
			p.Off = phoff
			p.Filesz = uint64(len(progs)) * arch.PhdrSize
			p.Memsz = p.Filesz
		case p.Headers:
			p.Off = 0
			if p.Filesz == 0 {
				p.Filesz = headerSize
			}
		default:
			if p.Off == 0 && len(p.Data) > 0 {
				p.Off = off + uint64(data.Len())
				data.Write(p.Data)
				for data.Len()%16 != 0 {
					data.WriteByte(0)
				}
			}
			if p.Filesz == 0 {
				p.Filesz = uint64(len(p.Data))
			}
		}
		if p.Memsz == 0 {
			p.Memsz = p.Filesz
		}
	}

	var buf bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(arch.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if arch.Class == elf.ELFCLASS64 {
		img.pack(&buf, &elf.Header64{
			Ident: ident, Type: uint16(img.Type), Machine: uint16(img.Machine),
			Version: uint32(elf.EV_CURRENT), Entry: img.Entry, Phoff: phoff,
			Ehsize: uint16(arch.EhdrSize), Phentsize: uint16(arch.PhdrSize), Phnum: uint16(len(progs)),
		})
		for _, p := range progs {
			img.pack(&buf, &elf.Prog64{
				Type: uint32(p.Type), Flags: uint32(p.Flags), Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Vaddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: 0x1000,
			})
		}
	} else {
		img.pack(&buf, &elf.Header32{
			Ident: ident, Type: uint16(img.Type), Machine: uint16(img.Machine),
			Version: uint32(elf.EV_CURRENT), Entry: uint32(img.Entry), Phoff: uint32(phoff),
			Ehsize: uint16(arch.EhdrSize), Phentsize: uint16(arch.PhdrSize), Phnum: uint16(len(progs)),
		})
		for _, p := range progs {
			img.pack(&buf, &elf.Prog32{
				Type: uint32(p.Type), Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Vaddr),
				Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: uint32(p.Flags), Align: 0x1000,
			})
		}
	}
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
	buf.Write(data.Bytes())
	out := buf.Bytes()
	if img.Edit != nil {
		img.Edit(out)
	}
	return out
}

// Interp returns PT_INTERP contents for path.
func Interp(path string) Prog {
	return Prog{Type: elf.PT_INTERP, Flags: elf.PF_R, Data: append([]byte(path), 0)}
}
