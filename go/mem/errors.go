package mem

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotAllocated = errors.New("address range not allocated")
	ErrAllocated    = errors.New("address range already allocated")
	ErrNoMemory     = errors.New("out of memory")
	ErrAccess       = errors.New("access denied")
	ErrInvalid      = errors.New("invalid argument")
)

// MemError reports a failed allocator operation. Cause returns one of the
// Err* kinds; Host keeps the underlying host failure, if any.
type MemError struct {
	Op   string
	Addr uint64
	Size uint64
	Err  error
	Host error
}

func (m *MemError) Error() string {
	s := fmt.Sprintf("%s %#x(%#x): %v", m.Op, m.Addr, m.Size, m.Err)
	if m.Host != nil {
		s += ": " + m.Host.Error()
	}
	return s
}

func (m *MemError) Cause() error  { return m.Err }
func (m *MemError) Unwrap() error { return m.Err }

func memError(op string, addr, size uint64, kind, host error) error {
	return errors.WithStack(&MemError{Op: op, Addr: addr, Size: size, Err: kind, Host: host})
}
