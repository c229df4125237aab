package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

// header format errors
var (
	ErrInvalidMagic       = errors.New("invalid ELF magic")
	ErrTruncatedHeader    = errors.New("truncated ELF header")
	ErrInvalidClass       = errors.New("invalid ELF class")
	ErrInvalidEncoding    = errors.New("invalid ELF data encoding")
	ErrInvalidVersion     = errors.New("invalid ELF version")
	ErrInvalidType        = errors.New("invalid ELF type")
	ErrInvalidMachine     = errors.New("invalid ELF machine")
	ErrHeaderFormat       = errors.New("invalid ELF header size")
	ErrProgHeaderFormat   = errors.New("invalid program header entry size")
	ErrSectHeaderFormat   = errors.New("invalid section header entry size")
	ErrImageTruncated     = errors.New("image truncated")
	ErrExecutableStack    = errors.New("executable stack requested")
	ErrInvalidInterpreter = errors.New("invalid interpreter path")
	ErrNoSegments         = errors.New("no loadable segments")
)

// resource errors
var (
	ErrReserveImage   = errors.New("unable to reserve image address range")
	ErrCommitSegment  = errors.New("unable to commit segment")
	ErrWriteSegment   = errors.New("unable to write segment")
	ErrProtectSegment = errors.New("unable to protect segment")
)

// ImageError reports why an image could not be loaded. Cause returns Kind;
// Index is the offending program header, or -1.
type ImageError struct {
	Kind  error
	Index int
	Err   error
}

func (e *ImageError) Error() string {
	s := e.Kind.Error()
	if e.Index >= 0 {
		s = fmt.Sprintf("%s (program header %d)", s, e.Index)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ImageError) Cause() error  { return e.Kind }
func (e *ImageError) Unwrap() error { return e.Kind }

func imageError(kind error, index int, err error) error {
	return errors.WithStack(&ImageError{Kind: kind, Index: index, Err: err})
}
