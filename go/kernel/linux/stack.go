package linux

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
)

// MaxInfoSize is the default cap on the string/binary area of the stack.
const MaxInfoSize = models.DefaultMaxInfoSize

var (
	ErrInfoTooLarge  = errors.New("argument info block too large")
	ErrStackOverflow = errors.New("stack image does not fit below stack pointer")
	ErrShortWrite    = errors.New("short write of stack image")
	ErrInvalidAuxv   = errors.New("invalid auxiliary vector type")
)

// CapacityError is returned by an append that would grow the info block
// past its cap. Nothing is appended in that case.
type CapacityError struct {
	Attempted uint64
	Max       uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds maximum of %d", ErrInfoTooLarge, e.Attempted, e.Max)
}

func (e *CapacityError) Cause() error  { return ErrInfoTooLarge }
func (e *CapacityError) Unwrap() error { return ErrInfoTooLarge }

type Elf32Auxv struct {
	Type, Val uint32
}

type Elf64Auxv struct {
	Type, Val uint64
}

// auxv entries with a negative type hold an info block offset in Val
type auxvEntry struct {
	Type int64
	Val  uint64
}

// Writer is process memory the stack image is written into.
type Writer interface {
	Write(addr uint64, p []byte) (int, error)
}

// Stack accumulates argv, envp and auxv and lays them out as the Linux
// initial process stack.
type Stack struct {
	Arch *models.Arch
	Max  uint64

	info []byte
	argv []uint64
	envp []uint64
	auxv []auxvEntry
}

func NewStack(arch *models.Arch, max uint64) *Stack {
	if max == 0 {
		max = MaxInfoSize
	}
	return &Stack{Arch: arch, Max: max}
}

// appendInfo copies each part into the info block and returns the offset
// of the first. The cap is checked for all parts before anything is copied.
func (s *Stack) appendInfo(parts ...[]byte) (uint64, error) {
	size := uint64(len(s.info))
	for _, p := range parts {
		size += uint64(len(p))
	}
	if size > s.Max {
		return 0, errors.WithStack(&CapacityError{Attempted: size, Max: s.Max})
	}
	off := uint64(len(s.info))
	for _, p := range parts {
		s.info = append(s.info, p...)
	}
	return off, nil
}

var nul = []byte{0}

func (s *Stack) AppendArgument(arg string) error {
	off, err := s.appendInfo([]byte(arg), nul)
	if err != nil {
		return err
	}
	s.argv = append(s.argv, off)
	return nil
}

// AppendEnvironmentVariable appends an already joined KEY=VALUE string.
func (s *Stack) AppendEnvironmentVariable(kv string) error {
	off, err := s.appendInfo([]byte(kv), nul)
	if err != nil {
		return err
	}
	s.envp = append(s.envp, off)
	return nil
}

func (s *Stack) AppendEnvironment(key, value string) error {
	off, err := s.appendInfo([]byte(key), []byte("="), []byte(value), nul)
	if err != nil {
		return err
	}
	s.envp = append(s.envp, off)
	return nil
}

func (s *Stack) AppendAuxv(typ, val uint64) {
	s.auxv = append(s.auxv, auxvEntry{Type: int64(typ), Val: val})
}

// AppendAuxvString appends a NUL-terminated string to the info block and
// an auxv entry pointing at it.
func (s *Stack) AppendAuxvString(typ uint64, value string) error {
	return s.appendAuxvInfo(typ, []byte(value), nul)
}

// AppendAuxvBytes is AppendAuxvString for binary data, with no terminator.
func (s *Stack) AppendAuxvBytes(typ uint64, value []byte) error {
	return s.appendAuxvInfo(typ, value)
}

func (s *Stack) appendAuxvInfo(typ uint64, parts ...[]byte) error {
	if typ == ELF_AT_NULL || int64(typ) < 0 {
		return errors.Wrapf(ErrInvalidAuxv, "type %d cannot reference the info block", typ)
	}
	off, err := s.appendInfo(parts...)
	if err != nil {
		return err
	}
	s.auxv = append(s.auxv, auxvEntry{Type: -int64(typ), Val: off})
	return nil
}

func (s *Stack) Argc() int        { return len(s.argv) }
func (s *Stack) InfoSize() uint64 { return uint64(len(s.info)) }

// Size returns the number of bytes Image places below an aligned stack
// pointer.
func (s *Stack) Size() uint64 {
	ws := uint64(s.Arch.WordSize())
	words := 1 + uint64(len(s.argv)+1) + uint64(len(s.envp)+1) + 2*uint64(len(s.auxv)+1) + 1
	return models.AlignUp(uint64(len(s.info)), 16) + models.AlignUp(words*ws, 16)
}

// Image lays out the stack for a stack pointer of sp and returns the new
// stack pointer along with the bytes to place there.
func (s *Stack) Image(sp uint64) (uint64, []byte, error) {
	aligned := sp &^ 15
	infoLength := models.AlignUp(uint64(len(s.info)), 16)
	imageLength := s.Size()
	if aligned < imageLength {
		return 0, nil, errors.Wrapf(ErrStackOverflow, "need %#x bytes below %#x", imageLength, aligned)
	}
	if s.Arch.Mask(aligned) != aligned {
		return 0, nil, errors.Wrapf(ErrStackOverflow, "stack pointer %#x out of range for %s", sp, s.Arch)
	}
	infoPointer := aligned - infoLength
	newSP := aligned - imageLength

	var buf bytes.Buffer
	buf.Grow(int(imageLength))
	ws := s.Arch.WordSize()
	word := make([]byte, ws)
	push := func(n uint64) {
		if ws == 4 {
			s.Arch.Order.PutUint32(word, uint32(n))
		} else {
			s.Arch.Order.PutUint64(word, n)
		}
		buf.Write(word)
	}
	stream := models.NewStrucStream(&buf, s.Arch.Order)
	pushAuxv := func(typ, val uint64) error {
		if ws == 4 {
			return stream.Pack(&Elf32Auxv{Type: uint32(typ), Val: uint32(val)})
		}
		return stream.Pack(&Elf64Auxv{Type: typ, Val: val})
	}

	push(uint64(len(s.argv)))
	for _, off := range s.argv {
		push(infoPointer + off)
	}
	push(0)
	for _, off := range s.envp {
		push(infoPointer + off)
	}
	push(0)
	for _, a := range s.auxv {
		typ, val := uint64(a.Type), a.Val
		if a.Type < 0 {
			typ, val = uint64(-a.Type), infoPointer+a.Val
		}
		if err := pushAuxv(typ, val); err != nil {
			return 0, nil, errors.Wrap(err, "packing auxv")
		}
	}
	if err := pushAuxv(ELF_AT_NULL, 0); err != nil {
		return 0, nil, errors.Wrap(err, "packing auxv")
	}
	push(0)

	// pad the vectors out to the info block, then the info block out to
	// the aligned stack pointer
	for uint64(buf.Len()) < imageLength-infoLength {
		buf.WriteByte(0)
	}
	buf.Write(s.info)
	for uint64(buf.Len()) < imageLength {
		buf.WriteByte(0)
	}
	return newSP, buf.Bytes(), nil
}

// WriteStack writes the stack image below sp and returns the new stack
// pointer, which is always 16-byte aligned.
func (s *Stack) WriteStack(w Writer, sp uint64) (uint64, error) {
	newSP, image, err := s.Image(sp)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(newSP, image)
	if err != nil {
		return 0, errors.Wrapf(err, "%v at %#x", ErrShortWrite, newSP)
	}
	if n != len(image) {
		return 0, errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes at %#x", n, len(image), newSP)
	}
	return newSP, nil
}
