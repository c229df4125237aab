// Package task holds the initial register state of a Linux thread as the
// host thread-context snapshot for its architecture.
package task

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/models"
)

var (
	ErrInvalidLength = errors.New("invalid task state length")
	ErrOverflow      = errors.New("value does not fit the architecture")
	ErrWrongArch     = errors.New("task state architecture mismatch")
	ErrUnsupported   = errors.New("unsupported task state architecture")
)

const eflagsIF = 0x200

// State is a register snapshot for one architecture. The concrete type is
// always *X86 or *X86_64; inspect it with a type switch.
type State interface {
	Arch() *models.Arch
	Size() int

	PC() uint64
	SP() uint64
	ReturnValue() uint64
	SetPC(uint64) error
	SetSP(uint64) error
	SetReturnValue(uint64) error

	// CopyTo serializes the snapshot into p, which must be exactly Size()
	// bytes long.
	CopyTo(p []byte) error
	Regs() models.RegVals
	Duplicate() State

	sealed()
}

// Sizeof returns the snapshot size for arch, or 0 if it has none.
func Sizeof(arch *models.Arch) int {
	switch arch {
	case models.X86:
		return Context32Size
	case models.X86_64:
		return Context64Size
	}
	return 0
}

// Create builds a fresh snapshot that starts executing at entry with the
// given stack pointer and interrupts enabled.
func Create(arch *models.Arch, entry, sp uint64) (State, error) {
	switch arch {
	case models.X86:
		if entry > 0xffffffff {
			return nil, errors.Wrapf(ErrOverflow, "entry point %#x", entry)
		}
		if sp > 0xffffffff {
			return nil, errors.Wrapf(ErrOverflow, "stack pointer %#x", sp)
		}
		s := &X86{}
		s.Flags = CONTEXT32_INTEGER | CONTEXT32_CONTROL
		s.Eip = uint32(entry)
		s.Esp = uint32(sp)
		s.Eflags = eflagsIF
		return s, nil
	case models.X86_64:
		s := &X86_64{}
		s.ContextFlags = CONTEXT64_FULL
		s.Rip = entry
		s.Rsp = sp
		s.EFlags = eflagsIF
		s.MxCsr = initialMxCsr
		s.setFltControlWord(initialFpcsr)
		s.setFltMxCsr(initialMxCsr)
		return s, nil
	}
	return nil, errors.Wrap(ErrUnsupported, arch.String())
}

// FromBytes adopts an existing snapshot. p must be exactly the size of the
// architecture's snapshot.
func FromBytes(arch *models.Arch, p []byte) (State, error) {
	size := Sizeof(arch)
	if size == 0 {
		return nil, errors.Wrap(ErrUnsupported, arch.String())
	}
	if len(p) != size {
		return nil, errors.Wrapf(ErrInvalidLength, "%s snapshot is %d bytes, got %d", arch, size, len(p))
	}
	var s State
	var v interface{}
	switch arch {
	case models.X86:
		x := &X86{}
		s, v = x, &x.Context32
	default:
		x := &X86_64{}
		s, v = x, &x.Context64
	}
	if err := models.NewStrucStream(bytes.NewBuffer(p), binary.LittleEndian).Unpack(v); err != nil {
		return nil, errors.Wrap(err, "unpacking task state")
	}
	return s, nil
}

// Capture reads the current snapshot of a suspended thread.
func Capture(arch *models.Arch, t host.Thread) (State, error) {
	size := Sizeof(arch)
	if size == 0 {
		return nil, errors.Wrap(ErrUnsupported, arch.String())
	}
	p := make([]byte, size)
	if err := t.GetContext(p); err != nil {
		return nil, errors.Wrap(err, "reading thread context")
	}
	return FromBytes(arch, p)
}

// Apply writes s to a suspended thread of the same architecture.
func Apply(s State, arch *models.Arch, t host.Thread) error {
	if s.Arch() != arch {
		return errors.Wrapf(ErrWrongArch, "%s state on %s thread", s.Arch(), arch)
	}
	p := make([]byte, s.Size())
	if err := s.CopyTo(p); err != nil {
		return err
	}
	return errors.Wrap(t.SetContext(p), "writing thread context")
}

func copyTo(v interface{}, size int, p []byte) error {
	if len(p) != size {
		return errors.Wrapf(ErrInvalidLength, "need %d bytes, got %d", size, len(p))
	}
	var buf bytes.Buffer
	buf.Grow(size)
	if err := models.NewStrucStream(&buf, binary.LittleEndian).Pack(v); err != nil {
		return errors.Wrap(err, "packing task state")
	}
	if buf.Len() != size {
		return errors.Wrapf(ErrInvalidLength, "packed %d bytes, want %d", buf.Len(), size)
	}
	copy(p, buf.Bytes())
	return nil
}

func sortRegs(r models.RegVals) models.RegVals {
	sort.Sort(r)
	return r
}
