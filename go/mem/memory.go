// Package mem manages a native process's address space on behalf of a Linux
// guest. Host sections are created committed and inaccessible; allocation
// is tracked per page in a bitmap and expressed to the host only through
// protection changes, so a page is never decommitted while its section
// lives.
package mem

import (
	"sort"
	"sync"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
)

type section struct {
	host.Section
	base, size uint64
	bitmap     bitmap
}

func (s *section) End() uint64 {
	return s.base + s.size
}

// SectionInfo describes one section for dumps and snapshots.
type SectionInfo struct {
	Addr, Size uint64
	Pages      int
	Allocated  int
}

// View is a local mapping of part of one section.
type View struct {
	Addr uint64
	Data []byte

	sec *section
	raw []byte
}

// ProcessMemory is the address space allocator for one native process.
type ProcessMemory struct {
	proc     host.Process
	pageSize uint64
	gran     uint64

	lock     sync.RWMutex
	sections []*section
	views    map[*View]struct{}
}

func New(proc host.Process) *ProcessMemory {
	return &ProcessMemory{
		proc:     proc,
		pageSize: proc.PageSize(),
		gran:     proc.Granularity(),
		views:    make(map[*View]struct{}),
	}
}

func (m *ProcessMemory) Process() host.Process { return m.proc }
func (m *ProcessMemory) PageSize() uint64      { return m.pageSize }
func (m *ProcessMemory) Granularity() uint64   { return m.gran }

// pageRange page-aligns [addr, addr+size), rejecting empty or wrapping
// ranges.
func (m *ProcessMemory) pageRange(op string, addr, size uint64) (uint64, uint64, error) {
	if size == 0 || addr+size < addr {
		return 0, 0, memError(op, addr, size, ErrInvalid, nil)
	}
	end := models.AlignUp(addr+size, m.pageSize)
	if end == 0 {
		return 0, 0, memError(op, addr, size, ErrInvalid, nil)
	}
	return models.AlignDown(addr, m.pageSize), end, nil
}

func (m *ProcessMemory) find(addr uint64) *section {
	i := sort.Search(len(m.sections), func(i int) bool { return m.sections[i].End() > addr })
	if i < len(m.sections) && m.sections[i].base <= addr {
		return m.sections[i]
	}
	return nil
}

// next returns the first section starting at or after addr.
func (m *ProcessMemory) next(addr uint64) *section {
	i := sort.Search(len(m.sections), func(i int) bool { return m.sections[i].base >= addr })
	if i < len(m.sections) {
		return m.sections[i]
	}
	return nil
}

func (m *ProcessMemory) insert(s *section) {
	i := sort.Search(len(m.sections), func(i int) bool { return m.sections[i].base > s.base })
	m.sections = append(m.sections, nil)
	copy(m.sections[i+1:], m.sections[i:])
	m.sections[i] = s
}

func (m *ProcessMemory) remove(s *section) {
	for i, v := range m.sections {
		if v == s {
			m.sections = append(m.sections[:i], m.sections[i+1:]...)
			return
		}
	}
}

func (m *ProcessMemory) pages(s *section, addr, size uint64) (int, int) {
	return int((addr - s.base) / m.pageSize), int(size / m.pageSize)
}

// iterate calls fn for each section-sized chunk of [start, end). A hole
// in the range is ErrNotAllocated.
func (m *ProcessMemory) iterate(start, end uint64, fn func(s *section, addr, size uint64) error) error {
	for addr := start; addr < end; {
		s := m.find(addr)
		if s == nil {
			return ErrNotAllocated
		}
		stop := s.End()
		if stop > end {
			stop = end
		}
		if err := fn(s, addr, stop-addr); err != nil {
			return err
		}
		addr = stop
	}
	return nil
}

func (m *ProcessMemory) ensureAllocated(start, end uint64) error {
	return m.iterate(start, end, func(s *section, addr, size uint64) error {
		if first, count := m.pages(s, addr, size); !s.bitmap.AreBitsSet(first, count) {
			return ErrNotAllocated
		}
		return nil
	})
}

func (m *ProcessMemory) ensureClear(start, end uint64) bool {
	for _, s := range m.sections {
		if s.base >= end || s.End() <= start {
			continue
		}
		lo, hi := start, end
		if lo < s.base {
			lo = s.base
		}
		if hi > s.End() {
			hi = s.End()
		}
		if first, count := m.pages(s, lo, hi-lo); !s.bitmap.AreBitsClear(first, count) {
			return false
		}
	}
	return true
}

func (m *ProcessMemory) createSection(addr, size uint64) (*section, error) {
	flags := host.SECTION_FIXED
	if addr == 0 {
		flags = host.SECTION_TOP_DOWN
	}
	hs, err := m.proc.CreateSection(addr, models.AlignUp(size, m.gran), flags)
	if err != nil {
		return nil, err
	}
	s := &section{
		Section: hs,
		base:    hs.Addr(),
		size:    hs.Size(),
		bitmap:  newBitmap(int(hs.Size() / m.pageSize)),
	}
	m.insert(s)
	return s, nil
}

func (m *ProcessMemory) destroy(s *section) error {
	m.remove(s)
	return s.Close()
}

// reserveRange covers every unreserved part of the granularity-aligned
// range [start, end) with new sections. Sections created before a failure
// are destroyed again.
func (m *ProcessMemory) reserveRange(start, end uint64) error {
	var created []*section
	for addr := start; addr < end; {
		if s := m.find(addr); s != nil {
			addr = s.End()
			continue
		}
		stop := end
		if n := m.next(addr); n != nil && n.base < end {
			stop = n.base
		}
		s, err := m.createSection(addr, stop-addr)
		if err != nil {
			for _, c := range created {
				m.destroy(c)
			}
			return err
		}
		created = append(created, s)
		addr = s.End()
	}
	return nil
}

// Reserve sets aside address space without allocating it. With addr 0 a
// new top-down section of at least size bytes is created and its base
// returned; otherwise the range is covered with sections wherever it is
// not already reserved.
func (m *ProcessMemory) Reserve(addr, size uint64) (uint64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if addr == 0 {
		if size == 0 {
			return 0, memError("reserve", addr, size, ErrInvalid, nil)
		}
		s, err := m.createSection(0, size)
		if err != nil {
			return 0, memError("reserve", addr, size, ErrNoMemory, err)
		}
		return s.base, nil
	}
	start, end, err := m.pageRange("reserve", addr, size)
	if err != nil {
		return 0, err
	}
	if !m.ensureClear(start, end) {
		return 0, memError("reserve", addr, size, ErrAllocated, nil)
	}
	if err := m.reserveRange(models.AlignDown(start, m.gran), models.AlignUp(end, m.gran)); err != nil {
		return 0, memError("reserve", addr, size, ErrNoMemory, err)
	}
	return addr, nil
}

// Allocate reserves and soft-allocates [addr, addr+size) with protection
// prot and returns the page-aligned start. With addr 0 a fresh top-down
// section is used. Allocating over an allocated page is ErrAllocated.
func (m *ProcessMemory) Allocate(addr, size uint64, prot int) (uint64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if addr == 0 {
		if size == 0 {
			return 0, memError("allocate", addr, size, ErrInvalid, nil)
		}
		s, err := m.createSection(0, size)
		if err != nil {
			return 0, memError("allocate", addr, size, ErrNoMemory, err)
		}
		length := models.AlignUp(size, m.pageSize)
		if err := m.proc.MemProtect(s.base, length, prot); err != nil {
			m.destroy(s)
			return 0, memError("allocate", s.base, length, ErrAccess, err)
		}
		first, count := m.pages(s, s.base, length)
		s.bitmap.Set(first, count)
		return s.base, nil
	}
	start, end, err := m.pageRange("allocate", addr, size)
	if err != nil {
		return 0, err
	}
	if !m.ensureClear(start, end) {
		return 0, memError("allocate", addr, size, ErrAllocated, nil)
	}
	if err := m.reserveRange(models.AlignDown(start, m.gran), models.AlignUp(end, m.gran)); err != nil {
		return 0, memError("allocate", addr, size, ErrNoMemory, err)
	}
	err = m.iterate(start, end, func(s *section, addr, size uint64) error {
		if err := m.proc.MemProtect(addr, size, prot); err != nil {
			return memError("allocate", addr, size, ErrAccess, err)
		}
		first, count := m.pages(s, addr, size)
		s.bitmap.Set(first, count)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// Protect changes the protection of an allocated range.
func (m *ProcessMemory) Protect(addr, size uint64, prot int) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	start, end, err := m.pageRange("protect", addr, size)
	if err != nil {
		return err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return memError("protect", addr, size, err, nil)
	}
	if err := m.proc.MemProtect(start, end-start, prot); err != nil {
		return memError("protect", addr, size, ErrAccess, err)
	}
	return nil
}

func (m *ProcessMemory) access(op string, addr uint64, p []byte, write bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	size := uint64(len(p))
	start, end, err := m.pageRange(op, addr, size)
	if err != nil {
		return 0, err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return 0, memError(op, addr, size, err, nil)
	}
	var n int
	if write {
		n, err = m.proc.MemWrite(addr, p)
	} else {
		n, err = m.proc.MemRead(addr, p)
	}
	if err != nil || n != len(p) {
		return n, memError(op, addr, size, ErrAccess, err)
	}
	return n, nil
}

// Read copies allocated memory into p regardless of its protection.
func (m *ProcessMemory) Read(addr uint64, p []byte) (int, error) {
	return m.access("read", addr, p, false)
}

// Write copies p into allocated memory regardless of its protection.
func (m *ProcessMemory) Write(addr uint64, p []byte) (int, error) {
	return m.access("write", addr, p, true)
}

func (m *ProcessMemory) Lock(addr, size uint64) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	start, end, err := m.pageRange("lock", addr, size)
	if err != nil {
		return err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return memError("lock", addr, size, err, nil)
	}
	if err := m.proc.MemLock(start, end-start); err != nil {
		return memError("lock", addr, size, ErrAccess, err)
	}
	return nil
}

func (m *ProcessMemory) Unlock(addr, size uint64) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	start, end, err := m.pageRange("unlock", addr, size)
	if err != nil {
		return err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return memError("unlock", addr, size, err, nil)
	}
	if err := m.proc.MemUnlock(start, end-start); err != nil {
		return memError("unlock", addr, size, ErrAccess, err)
	}
	return nil
}

// Release soft-releases an allocated range. Released pages become
// inaccessible and read back as zero when allocated again. Afterwards every
// section with no allocated pages is destroyed.
func (m *ProcessMemory) Release(addr, size uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	start, end, err := m.pageRange("release", addr, size)
	if err != nil {
		return err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return memError("release", addr, size, err, nil)
	}
	type chunk struct {
		s          *section
		addr, size uint64
	}
	var chunks []chunk
	err = m.iterate(start, end, func(s *section, addr, size uint64) error {
		if err := m.proc.MemProtect(addr, size, host.PROT_NONE); err != nil {
			return memError("release", addr, size, ErrAccess, err)
		}
		first, count := m.pages(s, addr, size)
		s.bitmap.Clear(first, count)
		chunks = append(chunks, chunk{s, addr, size})
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.s.bitmap.Empty() {
			continue
		}
		if _, err := m.proc.MemWrite(c.addr, make([]byte, c.size)); err != nil {
			return memError("release", c.addr, c.size, ErrAccess, err)
		}
	}
	return m.sweep()
}

// sweep destroys every section with no allocated pages, including gap
// sections left behind by Reserve.
func (m *ProcessMemory) sweep() error {
	for _, s := range append([]*section(nil), m.sections...) {
		if !s.bitmap.Empty() {
			continue
		}
		if err := m.destroy(s); err != nil {
			return memError("release", s.base, s.size, ErrAccess, err)
		}
	}
	return nil
}

// Map creates a local view of an allocated range, which must lie within a
// single section.
func (m *ProcessMemory) Map(addr, size uint64, prot int) (*View, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	start, end, err := m.pageRange("map", addr, size)
	if err != nil {
		return nil, err
	}
	if err := m.ensureAllocated(start, end); err != nil {
		return nil, memError("map", addr, size, err, nil)
	}
	s := m.find(start)
	if end > s.End() {
		return nil, memError("map", addr, size, ErrInvalid, nil)
	}
	raw, err := s.View(start-s.base, end-start, prot)
	if err != nil {
		return nil, memError("map", addr, size, ErrAccess, err)
	}
	off := addr - start
	v := &View{Addr: addr, Data: raw[off : off+size], sec: s, raw: raw}
	m.views[v] = struct{}{}
	return v, nil
}

func (m *ProcessMemory) Unmap(v *View) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.views[v]; !ok {
		return memError("unmap", v.Addr, uint64(len(v.Data)), ErrInvalid, nil)
	}
	delete(m.views, v)
	if err := v.sec.ReleaseView(v.raw); err != nil {
		return memError("unmap", v.Addr, uint64(len(v.Data)), ErrAccess, err)
	}
	return nil
}

// Sections lists every live section in address order.
func (m *ProcessMemory) Sections() []SectionInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ret := make([]SectionInfo, len(m.sections))
	for i, s := range m.sections {
		ret[i] = SectionInfo{Addr: s.base, Size: s.size, Pages: s.bitmap.Len(), Allocated: s.bitmap.Count()}
	}
	return ret
}

// Allocated reports whether every page of [addr, addr+size) is allocated.
func (m *ProcessMemory) Allocated(addr, size uint64) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	start, end, err := m.pageRange("query", addr, size)
	return err == nil && m.ensureAllocated(start, end) == nil
}

// Close destroys every section.
func (m *ProcessMemory) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var first error
	for _, s := range m.sections {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.sections = nil
	m.views = make(map[*View]struct{})
	return first
}
