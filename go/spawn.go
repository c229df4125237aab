// Package lxhost builds Linux processes inside native host processes: it
// loads an executable and its interpreter, lays out the initial stack and
// sets the main thread's registers so the guest starts as it would under a
// Linux kernel.
package lxhost

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/kernel/linux"
	"github.com/lxhost/lxhost/go/loader"
	"github.com/lxhost/lxhost/go/mem"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

var ErrNoEntry = errors.New("image has no entry point")

// Process is a constructed guest process, suspended at its first
// instruction.
type Process struct {
	Arch   *models.Arch
	Host   host.Process
	Mem    *mem.ProcessMemory
	Image  *loader.Image
	Interp *loader.Image

	Filename     string
	StackBase    uint64
	StackSize    uint64
	ProgramBreak uint64

	// State is the register state the main thread starts with.
	State task.State
}

// Entry is where the main thread starts executing.
func (p *Process) Entry() uint64 {
	return p.State.PC()
}

// Terminate releases the address space and ends the host process.
func (p *Process) Terminate(code int) error {
	merr := p.Mem.Close()
	if err := p.Host.Terminate(code); err != nil {
		return err
	}
	return merr
}

// Spawn creates a suspended process on l and builds exe into it. On any
// failure the host process is terminated.
func Spawn(l host.Launcher, res Resolver, exe *Executable, cfg *models.Config) (p *Process, err error) {
	// defaults go into a copy; the caller's Config is left as passed
	var c models.Config
	if cfg != nil {
		c = *cfg
	}
	cfg = c.Init()
	arch := exe.Arch
	if cfg.ForceArch != "" {
		if arch, err = models.ArchByName(cfg.ForceArch); err != nil {
			return nil, err
		}
	}
	proc, err := l.Launch(arch)
	if err != nil {
		return nil, errors.Wrap(err, "launching host process")
	}
	defer func() {
		if err != nil {
			proc.Terminate(1)
		}
	}()
	m := mem.New(proc)

	img, err := loader.Load(exe.File, arch, m)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", exe.Filename)
	}
	cfg.Printf("[%s loaded @ %#x, break %#x]\n", exe.Filename, img.Base, img.ProgramBreak)

	var interp *loader.Image
	if img.Interp != "" {
		if interp, err = loadInterp(res, img.Interp, arch, m); err != nil {
			return nil, err
		}
		cfg.Printf("[interpreter %s loaded @ %#x]\n", img.Interp, interp.Base)
	}
	entry := img.Entry
	if interp != nil {
		entry = interp.Entry
	}
	if entry == 0 {
		return nil, errors.Wrap(ErrNoEntry, exe.Filename)
	}

	stackBase, err := m.Allocate(0, cfg.StackSize, host.PROT_READ|host.PROT_WRITE)
	if err != nil {
		return nil, errors.Wrap(err, "allocating stack")
	}
	stack := linux.NewStack(arch, cfg.MaxInfoSize)
	for _, arg := range exe.Argv {
		if err := stack.AppendArgument(arg); err != nil {
			return nil, err
		}
	}
	for _, env := range exe.Envp {
		if err := stack.AppendEnvironmentVariable(env); err != nil {
			return nil, err
		}
	}
	err = linux.SetupElfAuxv(stack, &linux.AuxvInfo{
		Image:    img,
		Interp:   interp,
		PageSize: m.PageSize(),
		Platform: cfg.Platform,
		HwCap:    cfg.HwCap,
		Uid:      cfg.Uid,
		Gid:      cfg.Gid,
		ExecFn:   exe.Filename,
	})
	if err != nil {
		return nil, err
	}
	sp, err := stack.WriteStack(m, stackBase+cfg.StackSize)
	if err != nil {
		return nil, errors.Wrap(err, "writing stack")
	}

	state, err := task.Create(arch, entry, sp)
	if err != nil {
		return nil, err
	}
	if err := task.Apply(state, arch, proc.MainThread()); err != nil {
		return nil, errors.Wrap(err, "setting main thread context")
	}

	p = &Process{
		Arch:         arch,
		Host:         proc,
		Mem:          m,
		Image:        img,
		Interp:       interp,
		Filename:     exe.Filename,
		StackBase:    stackBase,
		StackSize:    cfg.StackSize,
		ProgramBreak: img.ProgramBreak,
		State:        state,
	}
	if cfg.Verbose {
		cfg.Printf("[entry point @ %#x]\n", entry)
		buf := make([]byte, stackBase+cfg.StackSize-sp)
		if _, err := m.Read(sp, buf); err == nil {
			cfg.Printf("[stack @ %#x] %s\n", sp, hex.EncodeToString(buf))
		}
		if st, err := p.ReadInitialStack(); err == nil {
			cfg.Printf("[argv %q, %d env, %d auxv]\n", st.Argv, len(st.Envp), len(st.Auxv))
		}
	}
	return p, nil
}

func loadInterp(res Resolver, path string, arch *models.Arch, m *mem.ProcessMemory) (*loader.Image, error) {
	f, err := res.OpenExecutable(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening interpreter %s", path)
	}
	defer f.Close()
	img, err := loader.Load(f, arch, m)
	if err != nil {
		return nil, errors.Wrapf(err, "loading interpreter %s", path)
	}
	return img, nil
}
