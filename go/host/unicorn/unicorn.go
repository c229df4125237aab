// Package unicorn hosts guest processes in unicorn-engine. Sections are
// unicorn mappings and the main thread is the CPU's register file.
package unicorn

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

const (
	PageSize    = 0x1000
	Granularity = 0x10000
)

type Launcher struct{}

func (l *Launcher) Launch(arch *models.Arch) (host.Process, error) {
	return NewProcess(arch)
}

type Process struct {
	sync.Mutex
	arch       *models.Arch
	u          uc.Unicorn
	sections   []*Section
	thread     *Thread
	terminated bool
}

func NewProcess(arch *models.Arch) (*Process, error) {
	var mode int
	switch arch {
	case models.X86:
		mode = uc.MODE_32
	case models.X86_64:
		mode = uc.MODE_64
	default:
		return nil, errors.Wrap(host.ErrUnsupported, arch.String())
	}
	u, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	p := &Process{arch: arch, u: u}
	p.thread = &Thread{proc: p, ctx: make([]byte, task.Sizeof(arch))}
	// the thread starts out with a valid, empty context
	if s, err := task.Create(arch, 0, 0); err == nil {
		s.CopyTo(p.thread.ctx)
	}
	return p, nil
}

func (p *Process) Arch() *models.Arch      { return p.arch }
func (p *Process) PageSize() uint64        { return PageSize }
func (p *Process) Granularity() uint64     { return Granularity }
func (p *Process) MainThread() host.Thread { return p.thread }

// Unicorn exposes the engine, e.g. for disassembly or hooks.
func (p *Process) Unicorn() uc.Unicorn { return p.u }

func (p *Process) used() []models.Segment {
	ret := make([]models.Segment, len(p.sections))
	for i, s := range p.sections {
		ret[i] = models.Segment{Start: s.addr, End: s.addr + s.size}
	}
	return ret
}

// mapped reports whether [addr, addr+size) is covered by sections.
func (p *Process) mapped(addr, size uint64) bool {
	end := addr + size
	for _, s := range p.sections {
		if s.addr <= addr && addr < s.addr+s.size {
			addr = s.addr + s.size
			if addr >= end {
				return true
			}
		}
	}
	return addr >= end
}

func (p *Process) CreateSection(addr, size uint64, flags int) (host.Section, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil, errors.WithStack(host.ErrTerminated)
	}
	size = models.AlignUp(size, PageSize)
	if size == 0 || addr%Granularity != 0 {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: errors.New("misaligned section")}
	}
	used := p.used()
	if addr == 0 {
		var ok bool
		addr, ok = host.FindFree(used, size, Granularity, p.arch.TopDown, flags&host.SECTION_TOP_DOWN != 0)
		if !ok {
			return nil, &host.Error{Op: "create section", Size: size, Err: host.ErrNoSpace}
		}
	} else {
		want := models.Segment{Start: addr, End: addr + size}
		if want.End < addr || want.End-1 > p.arch.Mask(^uint64(0)) {
			return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: host.ErrOverlap}
		}
		for i := range used {
			if used[i].Overlaps(&want) {
				return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: host.ErrOverlap}
			}
		}
	}
	if err := p.u.MemMapProt(addr, size, uc.PROT_NONE); err != nil {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: err}
	}
	s := &Section{proc: p, addr: addr, size: size}
	p.sections = append(p.sections, s)
	sort.Slice(p.sections, func(i, j int) bool { return p.sections[i].addr < p.sections[j].addr })
	return s, nil
}

func (p *Process) MemProtect(addr, size uint64, prot int) error {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return errors.WithStack(host.ErrTerminated)
	}
	if err := p.u.MemProtect(addr, size, prot); err != nil {
		return &host.Error{Op: "protect", Addr: addr, Size: size, Err: err}
	}
	return nil
}

// MemRead ignores guest protections, like every unicorn memory read.
func (p *Process) MemRead(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return 0, errors.WithStack(host.ErrTerminated)
	}
	if err := p.u.MemReadInto(b, addr); err != nil {
		return 0, &host.Error{Op: "read", Addr: addr, Size: uint64(len(b)), Err: err}
	}
	return len(b), nil
}

func (p *Process) MemWrite(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return 0, errors.WithStack(host.ErrTerminated)
	}
	if err := p.u.MemWrite(addr, b); err != nil {
		return 0, &host.Error{Op: "write", Addr: addr, Size: uint64(len(b)), Err: err}
	}
	return len(b), nil
}

// MemLock only checks the range: unicorn memory is never paged out.
func (p *Process) MemLock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	if !p.mapped(addr, size) {
		return &host.Error{Op: "lock", Addr: addr, Size: size, Err: host.ErrUnmapped}
	}
	return nil
}

func (p *Process) MemUnlock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	if !p.mapped(addr, size) {
		return &host.Error{Op: "unlock", Addr: addr, Size: size, Err: host.ErrUnmapped}
	}
	return nil
}

func (p *Process) Terminate(code int) error {
	p.thread.Suspend()
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	p.sections = nil
	return errors.Wrap(p.u.Close(), "closing unicorn")
}

type Section struct {
	proc       *Process
	addr, size uint64
}

func (s *Section) Addr() uint64 { return s.addr }
func (s *Section) Size() uint64 { return s.size }

// View is unsupported: unicorn does not expose its guest memory.
func (s *Section) View(off, size uint64, prot int) ([]byte, error) {
	return nil, &host.Error{Op: "view", Addr: s.addr + off, Size: size, Err: host.ErrUnsupported}
}

func (s *Section) ReleaseView(p []byte) error {
	return errors.WithStack(host.ErrUnsupported)
}

func (s *Section) Close() error {
	p := s.proc
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil
	}
	for i, o := range p.sections {
		if o == s {
			p.sections = append(p.sections[:i], p.sections[i+1:]...)
			break
		}
	}
	if err := p.u.MemUnmap(s.addr, s.size); err != nil {
		return &host.Error{Op: "close section", Addr: s.addr, Size: s.size, Err: err}
	}
	return nil
}
