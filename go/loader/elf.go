package loader

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/lxhost/lxhost/go/models"
)

// fileHeader is the class-independent view of an ELF header.
type fileHeader struct {
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Ehsize    uint64
	Phentsize uint64
	Phnum     uint64
	Shentsize uint64
}

// progHeader is the class-independent view of a program header.
type progHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

func shdrSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return 64
	}
	return 40
}

func unpack(p []byte, v interface{}) error {
	return models.NewStrucStream(bytes.NewBuffer(p), models.X86.Order).Unpack(v)
}

// readIdent reads and checks e_ident. Magic is checked before length so a
// short non-ELF file reports the right cause.
func readIdent(r io.ReaderAt) ([]byte, error) {
	ident := make([]byte, elf.EI_NIDENT)
	n, _ := r.ReadAt(ident, 0)
	if n < 4 || !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, imageError(ErrInvalidMagic, -1, nil)
	}
	if n < elf.EI_NIDENT {
		return nil, imageError(ErrTruncatedHeader, -1, nil)
	}
	return ident, nil
}

// Probe identifies the architecture an ELF image targets.
func Probe(r io.ReaderAt) (*models.Arch, error) {
	ident, err := readIdent(r)
	if err != nil {
		return nil, err
	}
	arch, err := models.ArchForClass(elf.Class(ident[elf.EI_CLASS]))
	if err != nil {
		return nil, imageError(ErrInvalidClass, -1, err)
	}
	return arch, nil
}

func readHeader(r io.ReaderAt, arch *models.Arch) (*fileHeader, error) {
	ident, err := readIdent(r)
	if err != nil {
		return nil, err
	}
	if elf.Class(ident[elf.EI_CLASS]) != arch.Class {
		return nil, imageError(ErrInvalidClass, -1, nil)
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, imageError(ErrInvalidEncoding, -1, nil)
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, imageError(ErrInvalidVersion, -1, nil)
	}
	raw := make([]byte, arch.EhdrSize)
	if n, _ := r.ReadAt(raw, 0); uint64(n) < arch.EhdrSize {
		return nil, imageError(ErrTruncatedHeader, -1, nil)
	}
	var h fileHeader
	if arch.Class == elf.ELFCLASS64 {
		var eh elf.Header64
		if err := unpack(raw, &eh); err != nil {
			return nil, imageError(ErrTruncatedHeader, -1, err)
		}
		h = fileHeader{
			Type: elf.Type(eh.Type), Machine: elf.Machine(eh.Machine), Version: eh.Version,
			Entry: eh.Entry, Phoff: eh.Phoff, Ehsize: uint64(eh.Ehsize),
			Phentsize: uint64(eh.Phentsize), Phnum: uint64(eh.Phnum), Shentsize: uint64(eh.Shentsize),
		}
	} else {
		var eh elf.Header32
		if err := unpack(raw, &eh); err != nil {
			return nil, imageError(ErrTruncatedHeader, -1, err)
		}
		h = fileHeader{
			Type: elf.Type(eh.Type), Machine: elf.Machine(eh.Machine), Version: eh.Version,
			Entry: uint64(eh.Entry), Phoff: uint64(eh.Phoff), Ehsize: uint64(eh.Ehsize),
			Phentsize: uint64(eh.Phentsize), Phnum: uint64(eh.Phnum), Shentsize: uint64(eh.Shentsize),
		}
	}
	switch {
	case h.Type != elf.ET_EXEC && h.Type != elf.ET_DYN:
		return nil, imageError(ErrInvalidType, -1, nil)
	case h.Machine != arch.Machine:
		return nil, imageError(ErrInvalidMachine, -1, nil)
	case elf.Version(h.Version) != elf.EV_CURRENT:
		return nil, imageError(ErrInvalidVersion, -1, nil)
	case h.Ehsize != arch.EhdrSize:
		return nil, imageError(ErrHeaderFormat, -1, nil)
	case h.Phentsize != 0 && h.Phentsize < arch.PhdrSize:
		return nil, imageError(ErrProgHeaderFormat, -1, nil)
	case h.Shentsize != 0 && h.Shentsize < shdrSize(arch.Class):
		return nil, imageError(ErrSectHeaderFormat, -1, nil)
	}
	return &h, nil
}

func readProgHeaders(r io.ReaderAt, h *fileHeader, arch *models.Arch) ([]progHeader, error) {
	if h.Phnum == 0 {
		return nil, nil
	}
	if h.Phentsize == 0 {
		return nil, imageError(ErrProgHeaderFormat, -1, nil)
	}
	ret := make([]progHeader, h.Phnum)
	raw := make([]byte, arch.PhdrSize)
	for i := range ret {
		off := h.Phoff + uint64(i)*h.Phentsize
		if n, _ := r.ReadAt(raw, int64(off)); uint64(n) < arch.PhdrSize {
			return nil, imageError(ErrImageTruncated, i, nil)
		}
		if arch.Class == elf.ELFCLASS64 {
			var ph elf.Prog64
			if err := unpack(raw, &ph); err != nil {
				return nil, imageError(ErrImageTruncated, i, err)
			}
			ret[i] = progHeader{
				Type: elf.ProgType(ph.Type), Flags: elf.ProgFlag(ph.Flags),
				Off: ph.Off, Vaddr: ph.Vaddr, Filesz: ph.Filesz, Memsz: ph.Memsz,
			}
		} else {
			var ph elf.Prog32
			if err := unpack(raw, &ph); err != nil {
				return nil, imageError(ErrImageTruncated, i, err)
			}
			ret[i] = progHeader{
				Type: elf.ProgType(ph.Type), Flags: elf.ProgFlag(ph.Flags),
				Off: uint64(ph.Off), Vaddr: uint64(ph.Vaddr), Filesz: uint64(ph.Filesz), Memsz: uint64(ph.Memsz),
			}
		}
	}
	return ret, nil
}
