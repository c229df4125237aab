// Package sim is an in-memory host. Sections are plain byte slices, so it
// is deterministic and needs no privileges; the tests build every process
// on it.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

const (
	DefaultPageSize    = 0x1000
	DefaultGranularity = 0x10000
)

type Launcher struct {
	PageSize    uint64
	Granularity uint64

	// Launched records every process handed out, for inspection.
	Launched []*Process
}

func (l *Launcher) Launch(arch *models.Arch) (host.Process, error) {
	p := NewProcess(arch, l.PageSize, l.Granularity)
	l.Launched = append(l.Launched, p)
	return p, nil
}

type Process struct {
	sync.Mutex
	arch *models.Arch
	gran uint64
	mem  MemSim

	thread     *Thread
	terminated bool
	ExitCode   int
}

func NewProcess(arch *models.Arch, pageSize, gran uint64) *Process {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if gran == 0 {
		gran = DefaultGranularity
	}
	return &Process{
		arch:   arch,
		gran:   gran,
		mem:    MemSim{PageSize: pageSize},
		thread: &Thread{ctx: make([]byte, task.Sizeof(arch)), suspended: true},
	}
}

func (p *Process) Arch() *models.Arch  { return p.arch }
func (p *Process) PageSize() uint64    { return p.mem.PageSize }
func (p *Process) Granularity() uint64 { return p.gran }
func (p *Process) MainThread() host.Thread {
	return p.thread
}

func (p *Process) Terminated() bool {
	p.Lock()
	defer p.Unlock()
	return p.terminated
}

// Mappings lists the live sections.
func (p *Process) Mappings() Pages {
	p.Lock()
	defer p.Unlock()
	return append(Pages(nil), p.mem.Mem...)
}

func (p *Process) CreateSection(addr, size uint64, flags int) (host.Section, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil, errors.WithStack(host.ErrTerminated)
	}
	size = models.AlignUp(size, p.mem.PageSize)
	if size == 0 || addr%p.gran != 0 {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: errors.New("misaligned section")}
	}
	if addr == 0 {
		var ok bool
		addr, ok = p.mem.FindFree(size, p.gran, p.arch.TopDown, flags&host.SECTION_TOP_DOWN != 0)
		if !ok {
			return nil, &host.Error{Op: "create section", Size: size, Err: host.ErrNoSpace}
		}
	} else if addr+size < addr || addr+size-1 > p.arch.Mask(^uint64(0)) || !p.mem.Free(addr, size) {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: host.ErrOverlap}
	}
	return &Section{proc: p, page: p.mem.Map(addr, size)}, nil
}

func (p *Process) MemProtect(addr, size uint64, prot int) error {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return errors.WithStack(host.ErrTerminated)
	}
	return p.mem.Prot(addr, size, prot)
}

func (p *Process) MemRead(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return 0, errors.WithStack(host.ErrTerminated)
	}
	return p.mem.Read(addr, b)
}

func (p *Process) MemWrite(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return 0, errors.WithStack(host.ErrTerminated)
	}
	return p.mem.Write(addr, b)
}

func (p *Process) MemLock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	return p.mem.Lock(addr, size, 1)
}

func (p *Process) MemUnlock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	return p.mem.Lock(addr, size, -1)
}

// GuestRead reads memory the way the guest would, faulting on missing
// read permission.
func (p *Process) GuestRead(addr uint64, b []byte) error {
	p.Lock()
	defer p.Unlock()
	return p.mem.Access(addr, b, host.PROT_READ, false)
}

func (p *Process) GuestWrite(addr uint64, b []byte) error {
	p.Lock()
	defer p.Unlock()
	return p.mem.Access(addr, b, host.PROT_WRITE, true)
}

func (p *Process) GuestFetch(addr uint64, b []byte) error {
	p.Lock()
	defer p.Unlock()
	return p.mem.Access(addr, b, host.PROT_EXEC, false)
}

// Prot reports the protection of the page holding addr, or -1 if unmapped.
func (p *Process) Prot(addr uint64) int {
	p.Lock()
	defer p.Unlock()
	if mm := p.mem.Mem.Find(addr); mm != nil {
		return mm.Prot(addr)
	}
	return -1
}

func (p *Process) Locked(addr uint64) bool {
	p.Lock()
	defer p.Unlock()
	if mm := p.mem.Mem.Find(addr); mm != nil {
		return mm.Locked(addr)
	}
	return false
}

func (p *Process) Terminate(code int) error {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	p.ExitCode = code
	p.mem.Mem = nil
	return nil
}

type Section struct {
	proc *Process
	page *Page
}

func (s *Section) Addr() uint64 { return s.page.Addr }
func (s *Section) Size() uint64 { return s.page.Size }

// View aliases the section's backing memory. Local protections are not
// simulated.
func (s *Section) View(off, size uint64, prot int) ([]byte, error) {
	s.proc.Lock()
	defer s.proc.Unlock()
	if off+size > s.page.Size || off+size < off {
		return nil, &host.Error{Op: "view", Addr: s.page.Addr + off, Size: size, Err: host.ErrUnmapped}
	}
	s.page.views++
	return s.page.Data[off : off+size : off+size], nil
}

func (s *Section) ReleaseView(p []byte) error {
	s.proc.Lock()
	defer s.proc.Unlock()
	if s.page.views == 0 {
		return errors.New("no view to release")
	}
	s.page.views--
	return nil
}

func (s *Section) Close() error {
	s.proc.Lock()
	defer s.proc.Unlock()
	s.proc.mem.Unmap(s.page)
	return nil
}

type Thread struct {
	sync.Mutex
	ctx       []byte
	suspended bool
}

func (t *Thread) GetContext(p []byte) error {
	t.Lock()
	defer t.Unlock()
	if len(p) != len(t.ctx) {
		return errors.Wrapf(host.ErrContextSize, "got %d, want %d", len(p), len(t.ctx))
	}
	copy(p, t.ctx)
	return nil
}

func (t *Thread) SetContext(p []byte) error {
	t.Lock()
	defer t.Unlock()
	if len(p) != len(t.ctx) {
		return errors.Wrapf(host.ErrContextSize, "got %d, want %d", len(p), len(t.ctx))
	}
	copy(t.ctx, p)
	return nil
}

func (t *Thread) Suspended() bool {
	t.Lock()
	defer t.Unlock()
	return t.suspended
}

func (t *Thread) Resume() error {
	t.Lock()
	t.suspended = false
	t.Unlock()
	return nil
}

func (t *Thread) Suspend() error {
	t.Lock()
	t.suspended = true
	t.Unlock()
	return nil
}
