package task

import (
	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
)

const (
	CONTEXT32_CONTROL  = 0x00010001
	CONTEXT32_INTEGER  = 0x00010002
	CONTEXT32_SEGMENTS = 0x00010004
	CONTEXT32_FULL     = 0x00010007
)

const Context32Size = 716

// Context32 is the 32-bit x86 thread context in host layout.
type Context32 struct {
	Flags              uint32
	Dr0, Dr1, Dr2, Dr3 uint32
	Dr6, Dr7           uint32
	FloatSave          [112]byte
	Gs, Fs, Es, Ds     uint32
	Edi, Esi, Ebx, Edx uint32
	Ecx, Eax, Ebp      uint32
	Eip, Cs, Eflags    uint32
	Esp, Ss            uint32
	ExtendedRegisters  [512]byte
}

type X86 struct {
	Context32
}

func (s *X86) sealed()             {}
func (s *X86) Arch() *models.Arch  { return models.X86 }
func (s *X86) Size() int           { return Context32Size }
func (s *X86) PC() uint64          { return uint64(s.Eip) }
func (s *X86) SP() uint64          { return uint64(s.Esp) }
func (s *X86) ReturnValue() uint64 { return uint64(s.Eax) }

func fit32(what string, n uint64) (uint32, error) {
	if n > 0xffffffff {
		return 0, errors.Wrapf(ErrOverflow, "%s %#x", what, n)
	}
	return uint32(n), nil
}

func (s *X86) SetPC(n uint64) (err error) {
	s.Eip, err = fit32("instruction pointer", n)
	return
}

func (s *X86) SetSP(n uint64) (err error) {
	s.Esp, err = fit32("stack pointer", n)
	return
}

func (s *X86) SetReturnValue(n uint64) (err error) {
	s.Eax, err = fit32("return value", n)
	return
}

func (s *X86) CopyTo(p []byte) error {
	return copyTo(&s.Context32, Context32Size, p)
}

func (s *X86) Duplicate() State {
	c := *s
	return &c
}

func (s *X86) Regs() models.RegVals {
	r := func(name string, v uint32) models.RegVal {
		return models.RegVal{Name: name, Val: uint64(v), Bits: 32}
	}
	return sortRegs(models.RegVals{
		r("eax", s.Eax), r("ebx", s.Ebx), r("ecx", s.Ecx), r("edx", s.Edx),
		r("esi", s.Esi), r("edi", s.Edi), r("ebp", s.Ebp), r("esp", s.Esp),
		r("eip", s.Eip), r("eflags", s.Eflags),
		r("cs", s.Cs), r("ds", s.Ds), r("es", s.Es), r("fs", s.Fs), r("gs", s.Gs), r("ss", s.Ss),
		r("dr0", s.Dr0), r("dr1", s.Dr1), r("dr2", s.Dr2), r("dr3", s.Dr3), r("dr6", s.Dr6), r("dr7", s.Dr7),
	})
}
