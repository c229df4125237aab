package lxhost

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/kernel/linux"
	"github.com/lxhost/lxhost/go/models"
)

// maxStackEntries bounds each pointer vector read from a corrupt stack.
const maxStackEntries = 1 << 16

// InitialStack is the argument block the main thread starts with, read back
// from guest memory.
type InitialStack struct {
	SP   uint64
	Argv []string
	Envp []string
	Auxv map[uint64]uint64
}

// ReadInitialStack parses argc, argv, envp and the auxiliary vector at the
// main thread's stack pointer.
func (p *Process) ReadInitialStack() (*InitialStack, error) {
	mio := models.NewMemIO(p.Mem)
	sp := p.State.SP()
	stream := mio.StreamAt(sp)
	ws := p.Arch.WordSize()
	buf := make([]byte, ws)
	word := func() (uint64, error) {
		if _, err := io.ReadFull(stream, buf); err != nil {
			return 0, errors.Wrap(err, "reading initial stack")
		}
		if ws == 4 {
			return uint64(p.Arch.Order.Uint32(buf)), nil
		}
		return p.Arch.Order.Uint64(buf), nil
	}
	// strs reads a NULL-terminated vector of string pointers.
	strs := func(what string) ([]string, error) {
		var out []string
		for i := 0; ; i++ {
			ptr, err := word()
			if err != nil {
				return nil, err
			}
			if ptr == 0 {
				return out, nil
			}
			if i >= maxStackEntries {
				return nil, errors.Errorf("%s not terminated", what)
			}
			s, err := mio.ReadStrAt(ptr)
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s[%d] @ %#x", what, i, ptr)
			}
			out = append(out, s)
		}
	}
	argc, err := word()
	if err != nil {
		return nil, err
	}
	st := &InitialStack{SP: sp, Auxv: make(map[uint64]uint64)}
	if st.Argv, err = strs("argv"); err != nil {
		return nil, err
	}
	if uint64(len(st.Argv)) != argc {
		return nil, errors.Errorf("argc is %d but argv has %d entries", argc, len(st.Argv))
	}
	if st.Envp, err = strs("envp"); err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		if i >= maxStackEntries {
			return nil, errors.New("auxv not terminated")
		}
		typ, err := word()
		if err != nil {
			return nil, err
		}
		val, err := word()
		if err != nil {
			return nil, err
		}
		if typ == linux.ELF_AT_NULL {
			break
		}
		st.Auxv[typ] = val
	}
	return st, nil
}

func (s *InitialStack) String() string {
	var lines []string
	lines = append(lines, fmt.Sprintf("sp %#x", s.SP))
	for i, arg := range s.Argv {
		lines = append(lines, fmt.Sprintf("argv[%d] %q", i, arg))
	}
	for i, env := range s.Envp {
		lines = append(lines, fmt.Sprintf("envp[%d] %q", i, env))
	}
	types := make([]uint64, 0, len(s.Auxv))
	for typ := range s.Auxv {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		lines = append(lines, fmt.Sprintf("auxv %2d %#x", typ, s.Auxv[typ]))
	}
	return strings.Join(lines, "\n")
}
