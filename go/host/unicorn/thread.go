package unicorn

import (
	"sync"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/task"
)

type reg32 struct {
	enum int
	val  *uint32
}

type reg64 struct {
	enum int
	val  *uint64
}

func x86Regs(s *task.X86) []reg32 {
	return []reg32{
		{uc.X86_REG_EAX, &s.Eax}, {uc.X86_REG_EBX, &s.Ebx}, {uc.X86_REG_ECX, &s.Ecx},
		{uc.X86_REG_EDX, &s.Edx}, {uc.X86_REG_ESI, &s.Esi}, {uc.X86_REG_EDI, &s.Edi},
		{uc.X86_REG_EBP, &s.Ebp}, {uc.X86_REG_ESP, &s.Esp}, {uc.X86_REG_EIP, &s.Eip},
		{uc.X86_REG_EFLAGS, &s.Eflags},
	}
}

func x86_64Regs(s *task.X86_64) ([]reg64, []reg32) {
	r64 := []reg64{
		{uc.X86_REG_RAX, &s.Rax}, {uc.X86_REG_RBX, &s.Rbx}, {uc.X86_REG_RCX, &s.Rcx},
		{uc.X86_REG_RDX, &s.Rdx}, {uc.X86_REG_RSI, &s.Rsi}, {uc.X86_REG_RDI, &s.Rdi},
		{uc.X86_REG_RBP, &s.Rbp}, {uc.X86_REG_RSP, &s.Rsp}, {uc.X86_REG_RIP, &s.Rip},
		{uc.X86_REG_R8, &s.R8}, {uc.X86_REG_R9, &s.R9}, {uc.X86_REG_R10, &s.R10},
		{uc.X86_REG_R11, &s.R11}, {uc.X86_REG_R12, &s.R12}, {uc.X86_REG_R13, &s.R13},
		{uc.X86_REG_R14, &s.R14}, {uc.X86_REG_R15, &s.R15},
	}
	r32 := []reg32{{uc.X86_REG_EFLAGS, &s.EFlags}, {uc.X86_REG_MXCSR, &s.MxCsr}}
	return r64, r32
}

// Thread is the CPU. Context fields unicorn has no register for are kept
// as last set.
type Thread struct {
	sync.Mutex
	proc *Process
	ctx  []byte

	done chan error
	// Err is the result of the last emulation run.
	Err error
}

func (t *Thread) regs(s task.State) ([]reg64, []reg32) {
	switch s := s.(type) {
	case *task.X86:
		return nil, x86Regs(s)
	case *task.X86_64:
		return x86_64Regs(s)
	}
	return nil, nil
}

func (t *Thread) GetContext(p []byte) error {
	t.Lock()
	defer t.Unlock()
	if len(p) != len(t.ctx) {
		return errors.Wrapf(host.ErrContextSize, "got %d, want %d", len(p), len(t.ctx))
	}
	s, err := task.FromBytes(t.proc.arch, t.ctx)
	if err != nil {
		return err
	}
	u := t.proc.u
	r64, r32 := t.regs(s)
	for _, r := range r64 {
		if *r.val, err = u.RegRead(r.enum); err != nil {
			return errors.Wrap(err, "reading registers")
		}
	}
	for _, r := range r32 {
		v, err := u.RegRead(r.enum)
		if err != nil {
			return errors.Wrap(err, "reading registers")
		}
		*r.val = uint32(v)
	}
	return s.CopyTo(p)
}

func (t *Thread) SetContext(p []byte) error {
	t.Lock()
	defer t.Unlock()
	if len(p) != len(t.ctx) {
		return errors.Wrapf(host.ErrContextSize, "got %d, want %d", len(p), len(t.ctx))
	}
	s, err := task.FromBytes(t.proc.arch, p)
	if err != nil {
		return err
	}
	u := t.proc.u
	r64, r32 := t.regs(s)
	for _, r := range r64 {
		if err := u.RegWrite(r.enum, *r.val); err != nil {
			return errors.Wrap(err, "writing registers")
		}
	}
	for _, r := range r32 {
		if err := u.RegWrite(r.enum, uint64(*r.val)); err != nil {
			return errors.Wrap(err, "writing registers")
		}
	}
	copy(t.ctx, p)
	return nil
}

func (t *Thread) Suspended() bool {
	t.Lock()
	defer t.Unlock()
	return t.done == nil
}

// Resume starts emulating at the current instruction pointer until the
// guest faults or Suspend is called.
func (t *Thread) Resume() error {
	t.Lock()
	defer t.Unlock()
	if t.done != nil {
		return nil
	}
	pcReg := uc.X86_REG_EIP
	if t.proc.arch.Bits == 64 {
		pcReg = uc.X86_REG_RIP
	}
	pc, err := t.proc.u.RegRead(pcReg)
	if err != nil {
		return errors.Wrap(err, "reading instruction pointer")
	}
	done := make(chan error, 1)
	t.done = done
	go func() {
		done <- t.proc.u.Start(pc, 0xffffffffffffffff)
	}()
	return nil
}

func (t *Thread) Suspend() error {
	t.Lock()
	done := t.done
	t.Unlock()
	if done == nil {
		return nil
	}
	t.proc.u.Stop()
	err := <-done
	t.Lock()
	t.done = nil
	t.Err = err
	t.Unlock()
	return nil
}
