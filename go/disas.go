package lxhost

import (
	"encoding/hex"
	"fmt"
	"strings"

	cs "github.com/lunixbochs/capstr"
	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
)

type instruction interface {
	Addr() uint64
	Bytes() []byte
	Mnemonic() string
	OpStr() string
}

func csMode(arch *models.Arch) (int, error) {
	switch arch {
	case models.X86:
		return cs.MODE_32, nil
	case models.X86_64:
		return cs.MODE_64, nil
	}
	return 0, errors.Errorf("no disassembler for %s", arch)
}

// Disas formats the instructions in mem, which was read from addr, one per
// line with their bytes.
func Disas(mem []byte, addr uint64, arch *models.Arch) (string, error) {
	if len(mem) == 0 {
		return "", nil
	}
	mode, err := csMode(arch)
	if err != nil {
		return "", err
	}
	engine, err := cs.New(cs.ARCH_X86, mode)
	if err != nil {
		return "", errors.Wrap(err, "cs.New() failed")
	}
	asm, err := engine.Dis(mem, addr, 0)
	if err != nil {
		return "", errors.Wrap(err, "capstone disassembly failed")
	}
	width := 0
	for _, ins := range asm {
		if n := len(ins.Bytes()); n > width {
			width = n
		}
	}
	var out []string
	for _, ins := range asm {
		var i instruction = ins
		pad := strings.Repeat(" ", (width-len(i.Bytes()))*2)
		out = append(out, fmt.Sprintf("%#x: %s%s %s %s", i.Addr(), hex.EncodeToString(i.Bytes()), pad, i.Mnemonic(), i.OpStr()))
	}
	return strings.Join(out, "\n"), nil
}

// DisasEntry disassembles up to size bytes at the process's entry point.
func (p *Process) DisasEntry(size uint64) (string, error) {
	entry := p.Entry()
	buf := make([]byte, size)
	if _, err := p.Mem.Read(entry, buf); err != nil {
		// retry up to the end of the entry page
		pageEnd := models.AlignUp(entry+1, p.Mem.PageSize())
		if pageEnd-entry >= size {
			return "", err
		}
		buf = buf[:pageEnd-entry]
		if _, err := p.Mem.Read(entry, buf); err != nil {
			return "", err
		}
	}
	return Disas(buf, entry, p.Arch)
}
