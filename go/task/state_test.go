package task

import (
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
)

type fakeThread struct {
	ctx []byte
}

func (f *fakeThread) GetContext(p []byte) error {
	if len(p) != len(f.ctx) {
		return errors.New("bad size")
	}
	copy(p, f.ctx)
	return nil
}

func (f *fakeThread) SetContext(p []byte) error {
	if len(p) != len(f.ctx) {
		return errors.New("bad size")
	}
	copy(f.ctx, p)
	return nil
}

func (f *fakeThread) Suspended() bool { return true }
func (f *fakeThread) Resume() error   { return nil }
func (f *fakeThread) Suspend() error  { return nil }

func TestContextSizes(t *testing.T) {
	opts := &struc.Options{Order: binary.LittleEndian}
	if n, err := struc.SizeofWithOptions(&Context32{}, opts); err != nil || n != Context32Size {
		t.Fatalf("Context32 packs to %d (%v), want %d", n, err, Context32Size)
	}
	if n, err := struc.SizeofWithOptions(&Context64{}, opts); err != nil || n != Context64Size {
		t.Fatalf("Context64 packs to %d (%v), want %d", n, err, Context64Size)
	}
}

func TestCreateX86(t *testing.T) {
	s, err := Create(models.X86, 0x08048000, 0xbffff000)
	if err != nil {
		t.Fatal(err)
	}
	x, ok := s.(*X86)
	if !ok {
		t.Fatalf("got %T, want *X86", s)
	}
	if x.PC() != 0x08048000 || x.SP() != 0xbffff000 {
		t.Fatalf("pc=%#x sp=%#x", x.PC(), x.SP())
	}
	p := make([]byte, s.Size())
	if err := s.CopyTo(p); err != nil {
		t.Fatal(err)
	}
	check := []struct {
		name string
		off  int
		val  uint32
	}{
		{"flags", 0, CONTEXT32_INTEGER | CONTEXT32_CONTROL},
		{"eip", 184, 0x08048000},
		{"eflags", 192, 0x200},
		{"esp", 196, 0xbffff000},
	}
	for _, c := range check {
		if v := binary.LittleEndian.Uint32(p[c.off:]); v != c.val {
			t.Errorf("%s at %d = %#x, want %#x", c.name, c.off, v, c.val)
		}
	}
}

func TestCreateX86Overflow(t *testing.T) {
	if _, err := Create(models.X86, 0x100000000, 0x1000); errors.Cause(err) != ErrOverflow {
		t.Fatalf("entry overflow: got %v", err)
	}
	if _, err := Create(models.X86, 0x1000, 0x100000000); errors.Cause(err) != ErrOverflow {
		t.Fatalf("stack overflow: got %v", err)
	}
	s, _ := Create(models.X86, 0x1000, 0x2000)
	if err := s.SetPC(1 << 40); errors.Cause(err) != ErrOverflow {
		t.Fatalf("SetPC overflow: got %v", err)
	}
}

func TestCreateX86_64(t *testing.T) {
	s, err := Create(models.X86_64, 0x7f0000001000, 0x7ffffffde000)
	if err != nil {
		t.Fatal(err)
	}
	x := s.(*X86_64)
	if x.FltControlWord() != 0x27f || x.FltMxCsr() != 0x1f80 || x.MxCsr != 0x1f80 {
		t.Fatalf("fpu state: cw=%#x fltmxcsr=%#x mxcsr=%#x", x.FltControlWord(), x.FltMxCsr(), x.MxCsr)
	}
	p := make([]byte, s.Size())
	if err := s.CopyTo(p); err != nil {
		t.Fatal(err)
	}
	if v := binary.LittleEndian.Uint32(p[48:]); v != CONTEXT64_FULL {
		t.Errorf("flags = %#x", v)
	}
	if v := binary.LittleEndian.Uint32(p[68:]); v != 0x200 {
		t.Errorf("eflags = %#x", v)
	}
	if v := binary.LittleEndian.Uint64(p[152:]); v != 0x7ffffffde000 {
		t.Errorf("rsp = %#x", v)
	}
	if v := binary.LittleEndian.Uint64(p[248:]); v != 0x7f0000001000 {
		t.Errorf("rip = %#x", v)
	}
	if v := binary.LittleEndian.Uint16(p[256:]); v != 0x27f {
		t.Errorf("fpu control word = %#x", v)
	}
}

func TestFromBytesLength(t *testing.T) {
	for _, arch := range models.Arches {
		size := Sizeof(arch)
		for _, n := range []int{0, size - 1, size + 1} {
			if _, err := FromBytes(arch, make([]byte, n)); errors.Cause(err) != ErrInvalidLength {
				t.Errorf("%s: %d bytes accepted: %v", arch, n, err)
			}
		}
		s, _ := Create(arch, 0x1000, 0x2000)
		if err := s.CopyTo(make([]byte, size-1)); errors.Cause(err) != ErrInvalidLength {
			t.Errorf("%s: short CopyTo: %v", arch, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, arch := range models.Arches {
		s, _ := Create(arch, 0x1234, 0x5678)
		s.SetReturnValue(42)
		p := make([]byte, s.Size())
		if err := s.CopyTo(p); err != nil {
			t.Fatal(err)
		}
		s2, err := FromBytes(arch, p)
		if err != nil {
			t.Fatal(err)
		}
		if s2.PC() != 0x1234 || s2.SP() != 0x5678 || s2.ReturnValue() != 42 {
			t.Errorf("%s: round trip lost registers", arch)
		}
	}
}

func TestApplyCapture(t *testing.T) {
	th := &fakeThread{ctx: make([]byte, Context64Size)}
	s, _ := Create(models.X86_64, 0xdead000, 0xbeef000)
	if err := Apply(s, models.X86_64, th); err != nil {
		t.Fatal(err)
	}
	got, err := Capture(models.X86_64, th)
	if err != nil {
		t.Fatal(err)
	}
	if got.PC() != 0xdead000 || got.SP() != 0xbeef000 {
		t.Fatalf("captured pc=%#x sp=%#x", got.PC(), got.SP())
	}
	if err := Apply(s, models.X86, th); errors.Cause(err) != ErrWrongArch {
		t.Fatalf("cross-arch apply: %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	s, _ := Create(models.X86, 0x1000, 0x2000)
	d := s.Duplicate()
	d.SetPC(0x3000)
	if s.PC() != 0x1000 {
		t.Fatal("duplicate shares state")
	}
}

func TestRegsSorted(t *testing.T) {
	s, _ := Create(models.X86_64, 0x1000, 0x2000)
	regs := s.Regs()
	for i := 1; i < len(regs); i++ {
		if !regs.Less(i-1, i) {
			t.Fatalf("regs out of order at %s, %s", regs[i-1].Name, regs[i].Name)
		}
	}
}
