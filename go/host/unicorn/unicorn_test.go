package unicorn

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/mem"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

func TestSections(t *testing.T) {
	p, err := NewProcess(models.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Terminate(0)
	s, err := p.CreateSection(0, 0x20000, host.SECTION_TOP_DOWN)
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr()+s.Size() > models.X86_64.TopDown || s.Addr()%Granularity != 0 {
		t.Fatalf("section %#x+%#x", s.Addr(), s.Size())
	}
	if _, err := p.CreateSection(s.Addr(), 0x10000, 0); errors.Cause(err) != host.ErrOverlap {
		t.Fatalf("overlap: %v", err)
	}
	// raw I/O works on inaccessible pages
	data := []byte("hello")
	if _, err := p.MemWrite(s.Addr(), data); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(data))
	if _, err := p.MemRead(s.Addr(), out); err != nil || !bytes.Equal(out, data) {
		t.Fatalf("read %q %v", out, err)
	}
	if err := p.MemLock(s.Addr(), s.Size()); err != nil {
		t.Fatal(err)
	}
	if err := p.MemLock(s.Addr()+s.Size(), 0x1000); err == nil {
		t.Fatal("locked unmapped memory")
	}
	if _, err := s.View(0, 0x1000, host.PROT_READ); errors.Cause(err) != host.ErrUnsupported {
		t.Fatalf("view: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.MemRead(s.Addr(), out); err == nil {
		t.Fatal("read from closed section")
	}
}

func TestContext(t *testing.T) {
	for _, arch := range models.Arches {
		p, err := NewProcess(arch)
		if err != nil {
			t.Fatal(err)
		}
		state, err := task.Create(arch, 0x401000, 0x7ff000)
		if err != nil {
			t.Fatal(err)
		}
		if err := task.Apply(state, arch, p.MainThread()); err != nil {
			t.Fatal(err)
		}
		got, err := task.Capture(arch, p.MainThread())
		if err != nil {
			t.Fatal(err)
		}
		if got.PC() != 0x401000 || got.SP() != 0x7ff000 {
			t.Fatalf("%s: pc=%#x sp=%#x", arch, got.PC(), got.SP())
		}
		if err := p.MainThread().SetContext(make([]byte, 3)); errors.Cause(err) != host.ErrContextSize {
			t.Fatalf("%s: short context: %v", arch, err)
		}
		p.Terminate(0)
	}
}

func TestMemory(t *testing.T) {
	p, err := NewProcess(models.X86)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Terminate(0)
	m := mem.New(p)
	addr, err := m.Allocate(0, 0x3000, host.PROT_READ|host.PROT_WRITE)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Write(addr, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(addr, 0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(addr, make([]byte, 1)); errors.Cause(err) != mem.ErrNotAllocated {
		t.Fatalf("read released page: %v", err)
	}
	if _, err := m.Map(addr+0x1000, 0x1000, host.PROT_READ); err == nil {
		t.Fatal("mapped a view of unicorn memory")
	}
}
