package models

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"
)

// Arch describes one Linux target architecture the host can construct
// processes for.
type Arch struct {
	Name     string
	Bits     int
	Class    elf.Class
	Machine  elf.Machine
	Platform string
	Order    binary.ByteOrder

	// sizes of the ELF header and one program header entry for this class
	EhdrSize uint64
	PhdrSize uint64

	// highest user address a top-down placement may use
	TopDown uint64
}

func (a *Arch) String() string {
	return a.Name
}

// WordSize is the size of a native pointer in bytes.
func (a *Arch) WordSize() int {
	return a.Bits / 8
}

// Mask truncates n to the architecture's pointer width.
func (a *Arch) Mask(n uint64) uint64 {
	if a.Bits >= 64 {
		return n
	}
	return n & (1<<uint(a.Bits) - 1)
}

var X86 = &Arch{
	Name:     "x86",
	Bits:     32,
	Class:    elf.ELFCLASS32,
	Machine:  elf.EM_386,
	Platform: "i686",
	Order:    binary.LittleEndian,
	EhdrSize: 52,
	PhdrSize: 32,
	TopDown:  0x7fff0000,
}

var X86_64 = &Arch{
	Name:     "x86_64",
	Bits:     64,
	Class:    elf.ELFCLASS64,
	Machine:  elf.EM_X86_64,
	Platform: "x86_64",
	Order:    binary.LittleEndian,
	EhdrSize: 64,
	PhdrSize: 56,
	TopDown:  0x7fffffff0000,
}

var Arches = []*Arch{X86, X86_64}

func ArchByName(name string) (*Arch, error) {
	switch strings.ToLower(name) {
	case "x86", "i386", "i686":
		return X86, nil
	case "x86_64", "amd64", "x64":
		return X86_64, nil
	}
	return nil, errors.Errorf("unsupported architecture: %s", name)
}

// ArchForClass maps an ELF identification class to the architecture that
// serves it.
func ArchForClass(class elf.Class) (*Arch, error) {
	for _, a := range Arches {
		if a.Class == class {
			return a, nil
		}
	}
	return nil, errors.Errorf("unsupported ELF class: %d", class)
}

type RegVal struct {
	Name string
	Val  uint64
	Bits int
}

func (r RegVal) String() string {
	return fmt.Sprintf("%s=0x%0*x", r.Name, r.Bits/4, r.Val)
}

type RegVals []RegVal

func (r RegVals) Len() int           { return len(r) }
func (r RegVals) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r RegVals) Less(i, j int) bool { return sortorder.NaturalLess(r[i].Name, r[j].Name) }
