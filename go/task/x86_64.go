package task

import (
	"encoding/binary"

	"github.com/lxhost/lxhost/go/models"
)

const (
	CONTEXT64_CONTROL        = 0x00100001
	CONTEXT64_INTEGER        = 0x00100002
	CONTEXT64_SEGMENTS       = 0x00100004
	CONTEXT64_FLOATING_POINT = 0x00100008
	CONTEXT64_FULL           = CONTEXT64_CONTROL | CONTEXT64_INTEGER | CONTEXT64_FLOATING_POINT
)

const (
	initialMxCsr = 0x1f80
	initialFpcsr = 0x027f

	// offsets into the FXSAVE area
	fltControlWord = 0
	fltMxCsr       = 24
)

const Context64Size = 1232

// Context64 is the x86_64 thread context in host layout.
type Context64 struct {
	P1Home, P2Home, P3Home uint64
	P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs, SegDs, SegEs uint16
	SegFs, SegGs, SegSs uint16
	EFlags              uint32

	Dr0, Dr1, Dr2, Dr3 uint64
	Dr6, Dr7           uint64

	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64

	FltSave [512]byte

	VectorRegister [416]byte
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

type X86_64 struct {
	Context64
}

func (s *X86_64) sealed()             {}
func (s *X86_64) Arch() *models.Arch  { return models.X86_64 }
func (s *X86_64) Size() int           { return Context64Size }
func (s *X86_64) PC() uint64          { return s.Rip }
func (s *X86_64) SP() uint64          { return s.Rsp }
func (s *X86_64) ReturnValue() uint64 { return s.Rax }

func (s *X86_64) SetPC(n uint64) error          { s.Rip = n; return nil }
func (s *X86_64) SetSP(n uint64) error          { s.Rsp = n; return nil }
func (s *X86_64) SetReturnValue(n uint64) error { s.Rax = n; return nil }

func (s *X86_64) FltControlWord() uint16 {
	return binary.LittleEndian.Uint16(s.FltSave[fltControlWord:])
}

func (s *X86_64) FltMxCsr() uint32 {
	return binary.LittleEndian.Uint32(s.FltSave[fltMxCsr:])
}

func (s *X86_64) setFltControlWord(n uint16) {
	binary.LittleEndian.PutUint16(s.FltSave[fltControlWord:], n)
}

func (s *X86_64) setFltMxCsr(n uint32) {
	binary.LittleEndian.PutUint32(s.FltSave[fltMxCsr:], n)
}

func (s *X86_64) CopyTo(p []byte) error {
	return copyTo(&s.Context64, Context64Size, p)
}

func (s *X86_64) Duplicate() State {
	c := *s
	return &c
}

func (s *X86_64) Regs() models.RegVals {
	r := func(name string, v uint64) models.RegVal {
		return models.RegVal{Name: name, Val: v, Bits: 64}
	}
	seg := func(name string, v uint16) models.RegVal {
		return models.RegVal{Name: name, Val: uint64(v), Bits: 16}
	}
	return sortRegs(models.RegVals{
		r("rax", s.Rax), r("rbx", s.Rbx), r("rcx", s.Rcx), r("rdx", s.Rdx),
		r("rsi", s.Rsi), r("rdi", s.Rdi), r("rbp", s.Rbp), r("rsp", s.Rsp),
		r("r8", s.R8), r("r9", s.R9), r("r10", s.R10), r("r11", s.R11),
		r("r12", s.R12), r("r13", s.R13), r("r14", s.R14), r("r15", s.R15),
		r("rip", s.Rip),
		{Name: "eflags", Val: uint64(s.EFlags), Bits: 32},
		{Name: "mxcsr", Val: uint64(s.MxCsr), Bits: 32},
		seg("cs", s.SegCs), seg("ds", s.SegDs), seg("es", s.SegEs),
		seg("fs", s.SegFs), seg("gs", s.SegGs), seg("ss", s.SegSs),
	})
}
