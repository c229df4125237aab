package sim

import (
	"fmt"
	"sort"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
)

// guest fault kinds, numbered like unicorn's memory error hooks
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
)

// MemError is a fault the guest would take on an access.
type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// MemSim is a sorted, non-overlapping list of simulated sections.
type MemSim struct {
	Mem      Pages
	PageSize uint64
}

// RangeValid checks whether [addr, addr+size) is entirely mapped.
// If prot > 0, it also checks every page carries the whole mask.
func (m *MemSim) RangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	first := m.Mem.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, mm := range m.Mem[first:] {
		if !mm.Contains(addr) {
			break
		}
		stop := mm.End()
		if stop > end {
			stop = end
		}
		if prot > 0 {
			for a := models.AlignDown(addr, m.PageSize); a < stop; a += m.PageSize {
				if p := mm.Prot(a); p&prot != prot {
					protGood = false
				}
			}
		}
		addr = stop
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

// Free reports whether no section intersects [addr, addr+size).
func (m *MemSim) Free(addr, size uint64) bool {
	for _, mm := range m.Mem {
		if mm.Overlaps(addr, size) {
			return false
		}
	}
	return true
}

// Map adds a zeroed, inaccessible section. The range must be free.
func (m *MemSim) Map(addr, size uint64) *Page {
	page := newPage(addr, size, m.PageSize)
	m.Mem = append(m.Mem, page)
	sort.Sort(m.Mem)
	return page
}

func (m *MemSim) Unmap(page *Page) {
	tmp := make(Pages, 0, len(m.Mem))
	for _, mm := range m.Mem {
		if mm != page {
			tmp = append(tmp, mm)
		}
	}
	m.Mem = tmp
}

// each walks [addr, addr+size) section by section, stopping at the first gap.
func (m *MemSim) each(addr, size uint64, fn func(mm *Page, addr, size uint64)) error {
	end := addr + size
	for addr < end {
		mm := m.Mem.Find(addr)
		if mm == nil {
			return &host.Error{Op: "access", Addr: addr, Size: end - addr, Err: host.ErrUnmapped}
		}
		stop := mm.End()
		if stop > end {
			stop = end
		}
		fn(mm, addr, stop-addr)
		addr = stop
	}
	return nil
}

func (m *MemSim) Prot(addr, size uint64, prot int) error {
	if ok, _ := m.RangeValid(addr, size, 0); !ok {
		return &host.Error{Op: "protect", Addr: addr, Size: size, Err: host.ErrUnmapped}
	}
	return m.each(addr, size, func(mm *Page, addr, size uint64) {
		first, last := mm.pages(addr, size)
		for i := first; i < last; i++ {
			mm.prot[i] = prot
		}
	})
}

func (m *MemSim) Lock(addr, size uint64, delta int) error {
	if ok, _ := m.RangeValid(addr, size, 0); !ok {
		return &host.Error{Op: "lock", Addr: addr, Size: size, Err: host.ErrUnmapped}
	}
	return m.each(addr, size, func(mm *Page, addr, size uint64) {
		first, last := mm.pages(addr, size)
		for i := first; i < last; i++ {
			if mm.locks[i]+delta >= 0 {
				mm.locks[i] += delta
			}
		}
	})
}

// Read copies out of mapped memory, ignoring protections. It stops at the
// first unmapped byte and reports how much was copied.
func (m *MemSim) Read(addr uint64, p []byte) (int, error) {
	n := 0
	err := m.each(addr, uint64(len(p)), func(mm *Page, addr, size uint64) {
		o := addr - mm.Addr
		n += copy(p[n:n+int(size)], mm.Data[o:o+size])
	})
	return n, err
}

// Write is the raw counterpart of Read.
func (m *MemSim) Write(addr uint64, p []byte) (int, error) {
	n := 0
	err := m.each(addr, uint64(len(p)), func(mm *Page, addr, size uint64) {
		o := addr - mm.Addr
		n += copy(mm.Data[o:o+size], p[n:n+int(size)])
	})
	return n, err
}

// Access performs a guest access, honoring protections.
func (m *MemSim) Access(addr uint64, p []byte, prot int, write bool) error {
	if gmap, gprot := m.RangeValid(addr, uint64(len(p)), prot); !gmap {
		switch {
		case write:
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
		case prot&host.PROT_EXEC != 0:
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_FETCH_UNMAPPED}
		}
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_UNMAPPED}
	} else if !gprot {
		switch {
		case write:
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_PROT}
		case prot&host.PROT_EXEC != 0:
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_FETCH_PROT}
		}
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_PROT}
	}
	var err error
	if write {
		_, err = m.Write(addr, p)
	} else {
		_, err = m.Read(addr, p)
	}
	return err
}

// FindFree places a new section of size bytes; see host.FindFree.
func (m *MemSim) FindFree(size, gran, limit uint64, topDown bool) (uint64, bool) {
	used := make([]models.Segment, len(m.Mem))
	for i, mm := range m.Mem {
		used[i] = models.Segment{Start: mm.Addr, End: mm.End()}
	}
	return host.FindFree(used, size, gran, limit, topDown)
}
