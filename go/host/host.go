package host

import (
	"github.com/lxhost/lxhost/go/models"
)

// section creation flags
const (
	SECTION_FIXED    = 0
	SECTION_TOP_DOWN = 1
)

// Launcher creates empty, suspended native processes.
type Launcher interface {
	Launch(arch *models.Arch) (Process, error)
}

// Process is a native process whose address space is driven entirely from
// outside. Every memory primitive is cross-process: the caller never needs
// the target's protections to allow the access.
type Process interface {
	Arch() *models.Arch
	// PageSize is the protection granularity.
	PageSize() uint64
	// Granularity is the alignment of section bases and sizes.
	Granularity() uint64

	// CreateSection creates a committed section of size bytes and maps it
	// into the process at addr with every page inaccessible. An addr of 0
	// lets the host place it, highest free address first when flags has
	// SECTION_TOP_DOWN.
	CreateSection(addr, size uint64, flags int) (Section, error)

	MemProtect(addr, size uint64, prot int) error
	MemRead(addr uint64, p []byte) (int, error)
	MemWrite(addr uint64, p []byte) (int, error)
	MemLock(addr, size uint64) error
	MemUnlock(addr, size uint64) error

	MainThread() Thread
	Terminate(code int) error
}

// Section is one mapped, committed range of a process.
type Section interface {
	Addr() uint64
	Size() uint64
	// View maps [off, off+size) of the section into this process.
	View(off, size uint64, prot int) ([]byte, error)
	ReleaseView(p []byte) error
	// Close unmaps the section from the target and frees it.
	Close() error
}

// Thread is a native thread. Contexts are opaque architecture-sized
// snapshots; see package task for their layout.
type Thread interface {
	GetContext(p []byte) error
	SetContext(p []byte) error
	Suspended() bool
	Resume() error
	Suspend() error
}
