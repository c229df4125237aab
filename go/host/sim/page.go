package sim

import (
	"fmt"
	"strings"

	"github.com/lxhost/lxhost/go/host"
)

// Page is one simulated section: a committed range with per-page
// protections and lock counts.
type Page struct {
	Addr uint64
	Size uint64
	Data []byte
	Desc string

	pageSize uint64
	prot     []int
	locks    []int
	views    int
}

func newPage(addr, size, pageSize uint64) *Page {
	n := size / pageSize
	return &Page{
		Addr:     addr,
		Size:     size,
		Data:     make([]byte, size),
		pageSize: pageSize,
		prot:     make([]int, n),
		locks:    make([]int, n),
	}
}

func (p *Page) String() string {
	// collapse runs of identical protection
	var runs []string
	start := 0
	for i := 1; i <= len(p.prot); i++ {
		if i == len(p.prot) || p.prot[i] != p.prot[start] {
			runs = append(runs, fmt.Sprintf("0x%x-0x%x %s",
				p.Addr+uint64(start)*p.pageSize, p.Addr+uint64(i)*p.pageSize, host.ProtString(p.prot[start])))
			start = i
		}
	}
	desc := strings.Join(runs, ", ")
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) End() uint64 {
	return p.Addr + p.Size
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.Addr+p.Size
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := p.Addr
	end := p.Addr + p.Size
	e2 := addr + size
	if end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) Overlaps(addr, size uint64) bool {
	_, _, ok := p.Intersect(addr, size)
	return ok
}

// Prot returns the protection of the host page holding addr.
func (p *Page) Prot(addr uint64) int {
	return p.prot[(addr-p.Addr)/p.pageSize]
}

// Locked reports whether the host page holding addr is locked.
func (p *Page) Locked(addr uint64) bool {
	return p.locks[(addr-p.Addr)/p.pageSize] > 0
}

// pages returns the index range of host pages covering [addr, addr+size).
func (p *Page) pages(addr, size uint64) (int, int) {
	first := (addr - p.Addr) / p.pageSize
	last := (addr + size - p.Addr + p.pageSize - 1) / p.pageSize
	return int(first), int(last)
}

type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of the region containing addr, if any, else -1
func (p Pages) bsearch(addr uint64) int {
	l := 0
	r := len(p) - 1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	i := p.bsearch(addr)
	if i >= 0 {
		return p[i]
	}
	return nil
}
