package lxhost

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/loader"
	"github.com/lxhost/lxhost/go/models"
)

const (
	// scripts may name scripts this many times before giving up
	maxScriptDepth = 4
	// bytes of a script examined for the interpreter line
	scriptHeaderSize = 260
)

var ErrNoExec = errors.New("exec format error")

var (
	scriptMagic     = []byte("#!")
	scriptMagicUTF8 = []byte("\xef\xbb\xbf#!")
)

// Executable is an ELF binary ready to spawn, along with the arguments and
// environment it runs with. Interpreter scripts are resolved to the binary
// that runs them.
type Executable struct {
	File File
	Arch *models.Arch

	// Filename is the path originally asked for, reported as AT_EXECFN.
	Filename string
	Argv     []string
	Envp     []string
}

func (e *Executable) Close() error {
	return e.File.Close()
}

// OpenExecutable identifies the format of filename and returns the ELF
// binary that executes it.
func OpenExecutable(res Resolver, filename string, argv, envp []string) (*Executable, error) {
	return openExecutable(res, filename, filename, argv, envp, 0)
}

func openExecutable(res Resolver, original, filename string, argv, envp []string, depth int) (*Executable, error) {
	f, err := res.OpenExecutable(filename)
	if err != nil {
		return nil, err
	}
	head := make([]byte, scriptHeaderSize)
	n, _ := f.ReadAt(head, 0)
	head = head[:n]

	if n >= elf.EI_NIDENT && bytes.HasPrefix(head, []byte(elf.ELFMAG)) {
		arch, err := loader.Probe(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(ErrNoExec, "%s: %v", filename, err)
		}
		return &Executable{File: f, Arch: arch, Filename: original, Argv: argv, Envp: envp}, nil
	}
	f.Close()

	var line []byte
	switch {
	case bytes.HasPrefix(head, scriptMagicUTF8):
		line = head[len(scriptMagicUTF8):]
	case bytes.HasPrefix(head, scriptMagic):
		line = head[len(scriptMagic):]
	default:
		return nil, errors.Wrap(ErrNoExec, filename)
	}
	if depth >= maxScriptDepth {
		return nil, errors.Wrapf(ErrNoExec, "%s: too many levels of interpreter scripts", original)
	}
	interp, arg := parseInterpLine(line)
	if interp == "" {
		return nil, errors.Wrapf(ErrNoExec, "%s: missing interpreter", filename)
	}
	args := []string{interp}
	if arg != "" {
		args = append(args, arg)
	}
	args = append(args, filename)
	if len(argv) > 1 {
		args = append(args, argv[1:]...)
	}
	return openExecutable(res, original, interp, args, envp, depth+1)
}

// parseInterpLine splits the first line of a script into the interpreter
// path and at most one argument.
func parseInterpLine(line []byte) (string, string) {
	if i := bytes.IndexAny(line, "\n\x00"); i >= 0 {
		line = line[:i]
	}
	fields := bytes.Fields(line)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return string(fields[0]), ""
	}
	return string(fields[0]), string(fields[1])
}
