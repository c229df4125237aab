package native

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/mem"
	"github.com/lxhost/lxhost/go/models"
)

func launch(t *testing.T) host.Process {
	arch := HostArch()
	if arch == nil {
		t.Skip("no guest architecture matches this host")
	}
	p, err := (&Launcher{}).Launch(arch)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLaunchWrongArch(t *testing.T) {
	other := models.X86
	if HostArch() == models.X86 {
		other = models.X86_64
	}
	if _, err := (&Launcher{}).Launch(other); errors.Cause(err) != host.ErrUnsupported {
		t.Fatalf("got %v", err)
	}
}

func TestSection(t *testing.T) {
	p := launch(t)
	defer p.Terminate(0)
	s, err := p.CreateSection(0, 0x20000, host.SECTION_TOP_DOWN)
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr()%Granularity != 0 || s.Size() != 0x20000 {
		t.Fatalf("section %#x+%#x", s.Addr(), s.Size())
	}
	if _, err := p.CreateSection(s.Addr(), 0x10000, 0); errors.Cause(err) != host.ErrOverlap {
		t.Fatalf("overlap: %v", err)
	}

	// raw I/O ignores the inaccessible target mapping
	data := []byte("written through the alias")
	if n, err := p.MemWrite(s.Addr()+0x1000, data); err != nil || n != len(data) {
		t.Fatalf("write %d %v", n, err)
	}
	view, err := s.View(0x1000, 0x1000, host.PROT_READ)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(view, data) {
		t.Fatalf("view %q", view[:len(data)])
	}
	if err := s.ReleaseView(view); err != nil {
		t.Fatal(err)
	}

	if err := p.MemProtect(s.Addr(), 0x1000, host.PROT_READ|host.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	if err := p.MemProtect(s.Addr()+s.Size(), 0x1000, host.PROT_READ); errors.Cause(err) != host.ErrUnmapped {
		t.Fatalf("protect past section: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.MemRead(s.Addr(), make([]byte, 1)); err == nil {
		t.Fatal("read closed section")
	}
}

func TestProcessMemory(t *testing.T) {
	p := launch(t)
	defer p.Terminate(0)
	m := mem.New(p)
	defer m.Close()
	addr, err := m.Allocate(0, 0x4000, host.PROT_READ|host.PROT_WRITE)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Write(addr+0x10, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	v, err := m.Map(addr, 0x1000, host.PROT_READ)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Data[0x10:0x13]) != "abc" {
		t.Fatalf("view %q", v.Data[0x10:0x13])
	}
	if err := m.Unmap(v); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(addr, 0x4000); err != nil {
		t.Fatal(err)
	}
	if len(m.Sections()) != 0 {
		t.Fatal("released section survived")
	}
}
