package host

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnmapped    = errors.New("address not mapped")
	ErrOverlap     = errors.New("range already mapped")
	ErrNoSpace     = errors.New("no free address range")
	ErrTerminated  = errors.New("process terminated")
	ErrContextSize = errors.New("wrong context size")
	ErrUnsupported = errors.New("operation not supported by host")
)

// Error reports a failed host primitive.
type Error struct {
	Op         string
	Addr, Size uint64
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %#x(%#x): %v", e.Op, e.Addr, e.Size, e.Err)
}

func (e *Error) Cause() error  { return e.Err }
func (e *Error) Unwrap() error { return e.Err }
