package native

import (
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

const Granularity = 0x10000

// HostArch is the architecture guests share with this process.
func HostArch() *models.Arch {
	switch runtime.GOARCH {
	case "amd64":
		return models.X86_64
	case "386":
		return models.X86
	}
	return nil
}

type Launcher struct{}

func (l *Launcher) Launch(arch *models.Arch) (host.Process, error) {
	if arch != HostArch() {
		return nil, errors.Wrapf(host.ErrUnsupported, "%s guest on %s host", arch, runtime.GOARCH)
	}
	p := &Process{arch: arch, pageSize: uint64(unix.Getpagesize())}
	p.thread = &Thread{ctx: make([]byte, task.Sizeof(arch))}
	return p, nil
}

type Process struct {
	sync.Mutex
	arch       *models.Arch
	pageSize   uint64
	sections   []*Section
	thread     *Thread
	terminated bool
}

func (p *Process) Arch() *models.Arch      { return p.arch }
func (p *Process) PageSize() uint64        { return p.pageSize }
func (p *Process) Granularity() uint64     { return Granularity }
func (p *Process) MainThread() host.Thread { return p.thread }

func mmap(addr, size uint64, prot, flags int, fd int) (uint64, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(size), uintptr(prot), uintptr(flags), uintptr(fd), 0)
	if errno != 0 {
		return 0, errno
	}
	return uint64(r), nil
}

func munmap(addr, size uint64) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0); errno != 0 {
		return errno
	}
	return nil
}

func rangeCall(trap uintptr, addr, size uint64, arg int) error {
	if _, _, errno := unix.Syscall(trap, uintptr(addr), uintptr(size), uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// place finds a gran-aligned hole for size bytes by letting the kernel
// place an oversized reservation and trimming it.
func (p *Process) place(size uint64) (uint64, error) {
	addr, err := mmap(0, size+Granularity, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1)
	if err != nil {
		return 0, err
	}
	aligned := models.AlignUp(addr, Granularity)
	munmap(addr, size+Granularity)
	return aligned, nil
}

func (p *Process) CreateSection(addr, size uint64, flags int) (host.Section, error) {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil, errors.WithStack(host.ErrTerminated)
	}
	size = models.AlignUp(size, p.pageSize)
	if size == 0 || addr%Granularity != 0 {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: errors.New("misaligned section")}
	}
	fd, err := unix.MemfdCreate("lxhost-section", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: err}
	}
	s := &Section{proc: p, fd: fd, size: size}
	fail := func(err error) (host.Section, error) {
		s.release()
		return nil, &host.Error{Op: "create section", Addr: addr, Size: size, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fail(err)
	}
	if s.alias, err = unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return fail(err)
	}
	if addr == 0 {
		if addr, err = p.place(size); err != nil {
			return fail(host.ErrNoSpace)
		}
	}
	got, err := mmap(addr, size, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_FIXED_NOREPLACE, fd)
	if err == unix.EEXIST {
		return fail(host.ErrOverlap)
	} else if err != nil {
		return fail(err)
	}
	if got != addr {
		// kernels without MAP_FIXED_NOREPLACE treat addr as a hint
		munmap(got, size)
		return fail(host.ErrOverlap)
	}
	s.addr = addr
	p.sections = append(p.sections, s)
	sort.Slice(p.sections, func(i, j int) bool { return p.sections[i].addr < p.sections[j].addr })
	return s, nil
}

func (p *Process) find(addr uint64) *Section {
	i := sort.Search(len(p.sections), func(i int) bool { return p.sections[i].addr+p.sections[i].size > addr })
	if i < len(p.sections) && p.sections[i].addr <= addr {
		return p.sections[i]
	}
	return nil
}

// each walks [addr, addr+size) section by section, stopping at the first gap.
func (p *Process) each(op string, addr, size uint64, fn func(s *Section, addr, size uint64) error) error {
	if p.terminated {
		return errors.WithStack(host.ErrTerminated)
	}
	end := addr + size
	for addr < end {
		s := p.find(addr)
		if s == nil {
			return &host.Error{Op: op, Addr: addr, Size: end - addr, Err: host.ErrUnmapped}
		}
		stop := s.addr + s.size
		if stop > end {
			stop = end
		}
		if err := fn(s, addr, stop-addr); err != nil {
			return &host.Error{Op: op, Addr: addr, Size: stop - addr, Err: err}
		}
		addr = stop
	}
	return nil
}

func (p *Process) MemProtect(addr, size uint64, prot int) error {
	p.Lock()
	defer p.Unlock()
	return p.each("protect", addr, size, func(s *Section, addr, size uint64) error {
		return rangeCall(unix.SYS_MPROTECT, addr, size, prot)
	})
}

func (p *Process) MemRead(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	n := 0
	err := p.each("read", addr, uint64(len(b)), func(s *Section, addr, size uint64) error {
		o := addr - s.addr
		n += copy(b[n:n+int(size)], s.alias[o:o+size])
		return nil
	})
	return n, err
}

func (p *Process) MemWrite(addr uint64, b []byte) (int, error) {
	p.Lock()
	defer p.Unlock()
	n := 0
	err := p.each("write", addr, uint64(len(b)), func(s *Section, addr, size uint64) error {
		o := addr - s.addr
		n += copy(s.alias[o:o+size], b[n:n+int(size)])
		return nil
	})
	return n, err
}

func (p *Process) MemLock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	return p.each("lock", addr, size, func(s *Section, addr, size uint64) error {
		return rangeCall(unix.SYS_MLOCK, addr, size, 0)
	})
}

func (p *Process) MemUnlock(addr, size uint64) error {
	p.Lock()
	defer p.Unlock()
	return p.each("unlock", addr, size, func(s *Section, addr, size uint64) error {
		return rangeCall(unix.SYS_MUNLOCK, addr, size, 0)
	})
}

func (p *Process) Terminate(code int) error {
	p.Lock()
	defer p.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	var first error
	for _, s := range p.sections {
		if err := s.release(); err != nil && first == nil {
			first = err
		}
	}
	p.sections = nil
	return first
}

type Section struct {
	proc       *Process
	fd         int
	addr, size uint64
	alias      []byte
}

func (s *Section) Addr() uint64 { return s.addr }
func (s *Section) Size() uint64 { return s.size }

// View maps part of the section into this process a third time, with its
// own protection.
func (s *Section) View(off, size uint64, prot int) ([]byte, error) {
	if off+size > s.size || off+size < off || off%s.proc.pageSize != 0 {
		return nil, &host.Error{Op: "view", Addr: s.addr + off, Size: size, Err: host.ErrUnmapped}
	}
	b, err := unix.Mmap(s.fd, int64(off), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &host.Error{Op: "view", Addr: s.addr + off, Size: size, Err: err}
	}
	return b, nil
}

func (s *Section) ReleaseView(p []byte) error {
	return errors.Wrap(unix.Munmap(p), "releasing view")
}

// release unmaps both mappings and closes the memfd.
func (s *Section) release() error {
	var first error
	if s.addr != 0 {
		first = munmap(s.addr, s.size)
		s.addr = 0
	}
	if s.alias != nil {
		if err := unix.Munmap(s.alias); err != nil && first == nil {
			first = err
		}
		s.alias = nil
	}
	if err := unix.Close(s.fd); err != nil && first == nil {
		first = err
	}
	return first
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
	if err := s.release(); err != nil {
		return &host.Error{Op: "close section", Addr: s.addr, Size: s.size, Err: err}
	}
	return nil
}

// Thread holds the context the guest's first thread will start with. The
// in-process host never runs guest code itself.
type Thread struct {
	sync.Mutex
	ctx []byte
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

func (t *Thread) Suspended() bool { return true }
func (t *Thread) Suspend() error  { return nil }

func (t *Thread) Resume() error {
	return errors.Wrap(host.ErrUnsupported, "running guest code in-process")
}
