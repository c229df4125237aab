// Package loader maps ELF images into a process address space the way the
// Linux kernel's binfmt_elf does.
package loader

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
)

// segments are copied in chunks of this size
const copyChunk = 0x10000

// Memory is the part of the address space allocator the loader needs.
type Memory interface {
	PageSize() uint64
	Reserve(addr, size uint64) (uint64, error)
	Allocate(addr, size uint64, prot int) (uint64, error)
	Protect(addr, size uint64, prot int) error
	Write(addr uint64, p []byte) (int, error)
}

// Image describes a loaded ELF image. All addresses are final, with the
// load delta applied.
type Image struct {
	Type  elf.Type
	Base  uint64
	Entry uint64

	// zero when the image does not map its own program headers
	ProgramHeaders    uint64
	NumProgramHeaders uint64
	ProgramHeaderSize uint64

	ProgramBreak uint64
	Interp       string

	Segments []Segment
}

// Segment is one mapped PT_LOAD segment.
type Segment struct {
	models.Segment
	Prot int
}

func progProt(flags elf.ProgFlag) int {
	prot := host.PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= host.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= host.PROT_READ | host.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= host.PROT_EXEC
	}
	return prot
}

// Load validates the ELF image in r and maps it into m. Header errors are
// reported before anything is reserved.
func Load(r io.ReaderAt, arch *models.Arch, m Memory) (*Image, error) {
	hdr, err := readHeader(r, arch)
	if err != nil {
		return nil, err
	}
	phdrs, err := readProgHeaders(r, hdr, arch)
	if err != nil {
		return nil, err
	}

	minVaddr, maxVaddr := ^uint64(0), uint64(0)
	for i, ph := range phdrs {
		switch ph.Type {
		case elf.PT_LOAD:
			if ph.Memsz == 0 {
				continue
			}
			if ph.Vaddr < minVaddr {
				minVaddr = ph.Vaddr
			}
			if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
				maxVaddr = end
			}
		case elf.PT_GNU_STACK:
			if ph.Flags&elf.PF_X != 0 {
				return nil, imageError(ErrExecutableStack, i, nil)
			}
		}
	}
	if maxVaddr == 0 {
		return nil, imageError(ErrNoSegments, -1, nil)
	}

	page := m.PageSize()
	lo, hi := models.AlignDown(minVaddr, page), models.AlignUp(maxVaddr, page)
	var delta uint64
	if hdr.Type == elf.ET_EXEC {
		if _, err := m.Reserve(lo, hi-lo); err != nil {
			return nil, imageError(ErrReserveImage, -1, err)
		}
	} else {
		base, err := m.Reserve(0, hi-lo)
		if err != nil {
			return nil, imageError(ErrReserveImage, -1, err)
		}
		delta = base - lo
	}

	img := &Image{
		Type:              hdr.Type,
		Base:              minVaddr + delta,
		ProgramHeaderSize: hdr.Phentsize,
		ProgramBreak:      models.AlignUp(maxVaddr+delta, page),
	}
	if hdr.Entry != 0 {
		img.Entry = hdr.Entry + delta
	}

	committed := lo + delta
	for i, ph := range phdrs {
		switch ph.Type {
		case elf.PT_PHDR:
			if ph.Vaddr >= minVaddr && ph.Vaddr+ph.Memsz >= ph.Vaddr && ph.Vaddr+ph.Memsz <= maxVaddr {
				img.ProgramHeaders = ph.Vaddr + delta
				img.NumProgramHeaders = ph.Memsz / hdr.Phentsize
			}
		case elf.PT_LOAD:
			if ph.Memsz == 0 {
				continue
			}
			seg, err := loadSegment(r, m, &ph, i, delta, &committed)
			if err != nil {
				return nil, err
			}
			img.Segments = append(img.Segments, seg)
		case elf.PT_INTERP:
			if img.Interp, err = readInterp(r, &ph, i); err != nil {
				return nil, err
			}
		}
	}
	// no PT_PHDR: use the table wherever a loaded segment maps it from the file
	if img.ProgramHeaders == 0 && hdr.Phnum > 0 {
		size := hdr.Phnum * hdr.Phentsize
		for _, ph := range phdrs {
			if ph.Type == elf.PT_LOAD && ph.Off <= hdr.Phoff && hdr.Phoff+size <= ph.Off+ph.Filesz {
				img.ProgramHeaders = ph.Vaddr + (hdr.Phoff - ph.Off) + delta
				img.NumProgramHeaders = hdr.Phnum
				break
			}
		}
	}
	return img, nil
}

// loadSegment commits, fills and protects one PT_LOAD segment. Pages below
// *committed were already allocated by an earlier segment sharing them.
func loadSegment(r io.ReaderAt, m Memory, ph *progHeader, index int, delta uint64, committed *uint64) (Segment, error) {
	if ph.Filesz > ph.Memsz {
		return Segment{}, imageError(ErrImageTruncated, index, nil)
	}
	page := m.PageSize()
	vaddr := ph.Vaddr + delta
	start, end := models.AlignDown(vaddr, page), models.AlignUp(vaddr+ph.Memsz, page)
	rw := host.PROT_READ | host.PROT_WRITE

	fresh := start
	if *committed > fresh {
		fresh = *committed
	}
	if fresh < end {
		if _, err := m.Allocate(fresh, end-fresh, rw); err != nil {
			return Segment{}, imageError(ErrCommitSegment, index, err)
		}
		*committed = end
	}
	if start < fresh {
		shared := fresh
		if shared > end {
			shared = end
		}
		if err := m.Protect(start, shared-start, rw); err != nil {
			return Segment{}, imageError(ErrProtectSegment, index, err)
		}
	}

	buf := make([]byte, copyChunk)
	for off := uint64(0); off < ph.Filesz; off += copyChunk {
		n := ph.Filesz - off
		if n > copyChunk {
			n = copyChunk
		}
		if got, _ := r.ReadAt(buf[:n], int64(ph.Off+off)); uint64(got) < n {
			return Segment{}, imageError(ErrImageTruncated, index, nil)
		}
		if _, err := m.Write(vaddr+off, buf[:n]); err != nil {
			return Segment{}, imageError(ErrWriteSegment, index, err)
		}
	}

	// freshly committed pages are already zero; only the tail of the last
	// file page and any page shared with an earlier segment need clearing
	zeroStart, zeroEnd := vaddr+ph.Filesz, models.AlignUp(vaddr+ph.Filesz, page)
	if fresh > zeroEnd {
		zeroEnd = fresh
	}
	if memEnd := vaddr + ph.Memsz; zeroEnd > memEnd {
		zeroEnd = memEnd
	}
	if zeroStart < zeroEnd {
		zero := make([]byte, zeroEnd-zeroStart)
		if _, err := m.Write(zeroStart, zero); err != nil {
			return Segment{}, imageError(ErrWriteSegment, index, err)
		}
	}

	prot := progProt(ph.Flags)
	if err := m.Protect(start, end-start, prot); err != nil {
		return Segment{}, imageError(ErrProtectSegment, index, err)
	}
	return Segment{Segment: models.Segment{Start: start, End: end}, Prot: prot}, nil
}

// maxInterpLen is PATH_MAX, the longest interpreter path Linux accepts.
const maxInterpLen = 4096

func readInterp(r io.ReaderAt, ph *progHeader, index int) (string, error) {
	if ph.Filesz == 0 || ph.Filesz > maxInterpLen {
		return "", imageError(ErrInvalidInterpreter, index, nil)
	}
	p := make([]byte, ph.Filesz)
	if n, _ := r.ReadAt(p, int64(ph.Off)); uint64(n) < ph.Filesz {
		return "", imageError(ErrImageTruncated, index, nil)
	}
	nul := bytes.IndexByte(p, 0)
	if p[len(p)-1] != 0 || nul == 0 {
		return "", imageError(ErrInvalidInterpreter, index, nil)
	}
	return string(p[:nul]), nil
}
