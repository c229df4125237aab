package models

import (
	"github.com/lunixbochs/ghostrace/ghost/memio"
)

// MemReadWriter is raw process memory addressed by guest address.
type MemReadWriter interface {
	Read(addr uint64, p []byte) (int, error)
	Write(addr uint64, p []byte) (int, error)
}

// NewMemIO exposes process memory through ghostrace's MemIO, which adds
// NUL-terminated string reads and sequential streams on top of
// ReadAt/WriteAt.
func NewMemIO(m MemReadWriter) memio.MemIO {
	return memio.NewMemIO(
		func(p []byte, addr uint64) (int, error) { return m.Read(addr, p) },
		func(p []byte, addr uint64) (int, error) { return m.Write(addr, p) },
	)
}
