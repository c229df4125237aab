package lxhost

import (
	"bytes"
	"debug/elf"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/host/sim"
	"github.com/lxhost/lxhost/go/kernel/linux"
	"github.com/lxhost/lxhost/go/loader"
	"github.com/lxhost/lxhost/go/loader/elftest"
	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

func dynamicElf(interp string) []byte {
	img := &elftest.Image{
		Arch:  models.X86_64,
		Type:  elf.ET_DYN,
		Entry: 0x1000,
		Phdr:  true,
		Progs: []elftest.Prog{
			{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0, Headers: true},
			elftest.Interp(interp),
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x1000, Data: exitCode},
		},
	}
	return img.Build()
}

func ldso() []byte {
	img := &elftest.Image{
		Arch:  models.X86_64,
		Type:  elf.ET_DYN,
		Entry: 0x2000,
		Progs: []elftest.Prog{
			{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0, Headers: true},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x2000, Data: exitCode},
		},
	}
	return img.Build()
}

type guestStack struct {
	t    *testing.T
	p    *Process
	addr uint64
}

func (g *guestStack) word() uint64 {
	ws := g.p.Arch.WordSize()
	buf := make([]byte, ws)
	if _, err := g.p.Mem.Read(g.addr, buf); err != nil {
		g.t.Fatal(err)
	}
	g.addr += uint64(ws)
	if ws == 4 {
		return uint64(g.p.Arch.Order.Uint32(buf))
	}
	return g.p.Arch.Order.Uint64(buf)
}

func (g *guestStack) str() string {
	s, err := models.NewMemIO(g.p.Mem).ReadStrAt(g.word())
	if err != nil {
		g.t.Fatal(err)
	}
	return s
}

// readStack walks the initial stack and returns argv, envp and the auxv map.
func readStack(t *testing.T, p *Process) ([]string, []string, map[uint64]uint64) {
	g := &guestStack{t: t, p: p, addr: p.State.SP()}
	argc := g.word()
	var argv, envp []string
	for i := uint64(0); i < argc; i++ {
		argv = append(argv, g.str())
	}
	if g.word() != 0 {
		t.Fatal("argv not terminated")
	}
	for {
		save := g.addr
		if g.word() == 0 {
			break
		}
		g.addr = save
		envp = append(envp, g.str())
	}
	auxv := make(map[uint64]uint64)
	for {
		typ, val := g.word(), g.word()
		if typ == linux.ELF_AT_NULL {
			break
		}
		auxv[typ] = val
	}
	return argv, envp, auxv
}

func spawn(t *testing.T, files map[string][]byte, name string, cfg *models.Config) (*Process, *sim.Launcher) {
	res := &memResolver{files: files}
	exe, err := OpenExecutable(res, name, []string{name, "arg"}, []string{"HOME=/root", "TERM=xterm"})
	if err != nil {
		t.Fatal(err)
	}
	defer exe.Close()
	l := &sim.Launcher{}
	p, err := Spawn(l, res, exe, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p, l
}

func TestSpawnStatic(t *testing.T) {
	p, l := spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86)}, "/bin/true", nil)
	if p.Arch != models.X86 || p.Interp != nil {
		t.Fatalf("arch %s interp %v", p.Arch, p.Interp)
	}
	if p.Entry() != 0x8049000 {
		t.Fatalf("entry %#x", p.Entry())
	}
	sp := p.State.SP()
	if sp%16 != 0 || sp < p.StackBase || sp >= p.StackBase+p.StackSize {
		t.Fatalf("sp %#x outside stack %#x+%#x", sp, p.StackBase, p.StackSize)
	}
	if p.StackSize != models.DefaultStackSize {
		t.Fatalf("stack size %#x", p.StackSize)
	}

	// the main thread holds the same registers
	live, err := task.Capture(models.X86, l.Launched[0].MainThread())
	if err != nil {
		t.Fatal(err)
	}
	if live.PC() != 0x8049000 || live.SP() != sp {
		t.Fatalf("thread pc=%#x sp=%#x", live.PC(), live.SP())
	}
	if !l.Launched[0].MainThread().Suspended() {
		t.Fatal("main thread running")
	}

	argv, envp, auxv := readStack(t, p)
	if strings.Join(argv, " ") != "/bin/true arg" || strings.Join(envp, " ") != "HOME=/root TERM=xterm" {
		t.Fatalf("argv %q envp %q", argv, envp)
	}
	if auxv[linux.ELF_AT_ENTRY] != 0x8049000 || auxv[linux.ELF_AT_PAGESZ] != 0x1000 {
		t.Fatalf("auxv %v", auxv)
	}
	if auxv[linux.ELF_AT_PHDR] != 0x8048000+52 || auxv[linux.ELF_AT_PHNUM] != 4 || auxv[linux.ELF_AT_PHENT] != 32 {
		t.Fatalf("phdr auxv %v", auxv)
	}
	if _, ok := auxv[linux.ELF_AT_BASE]; ok {
		t.Fatal("AT_BASE without interpreter")
	}
	mio := models.NewMemIO(p.Mem)
	if s, _ := mio.ReadStrAt(auxv[linux.ELF_AT_PLATFORM]); s != "i686" {
		t.Fatalf("platform %q", s)
	}
	if s, _ := mio.ReadStrAt(auxv[linux.ELF_AT_EXECFN]); s != "/bin/true" {
		t.Fatalf("execfn %q", s)
	}
	if auxv[linux.ELF_AT_CLKTCK] != 100 {
		t.Fatalf("clock tick %d", auxv[linux.ELF_AT_CLKTCK])
	}
	random := auxv[linux.ELF_AT_RANDOM]
	if random <= sp || random >= p.StackBase+p.StackSize {
		t.Fatalf("AT_RANDOM %#x not in stack", random)
	}
}

func TestSpawnInterp(t *testing.T) {
	files := map[string][]byte{
		"/bin/app":                    dynamicElf("/lib64/ld-linux-x86-64.so.2"),
		"/lib64/ld-linux-x86-64.so.2": ldso(),
	}
	p, _ := spawn(t, files, "/bin/app", &models.Config{Platform: "haswell", Uid: 1000, Gid: 1000})
	if p.Arch != models.X86_64 || p.Interp == nil {
		t.Fatal("interpreter not loaded")
	}
	if p.Entry() != p.Interp.Base+0x2000 {
		t.Fatalf("entry %#x, interp base %#x", p.Entry(), p.Interp.Base)
	}
	if p.Image.Base == p.Interp.Base {
		t.Fatal("image and interpreter share a base")
	}
	_, _, auxv := readStack(t, p)
	if auxv[linux.ELF_AT_BASE] != p.Interp.Base {
		t.Fatalf("AT_BASE %#x", auxv[linux.ELF_AT_BASE])
	}
	if auxv[linux.ELF_AT_ENTRY] != p.Image.Base+0x1000 {
		t.Fatalf("AT_ENTRY %#x, image base %#x", auxv[linux.ELF_AT_ENTRY], p.Image.Base)
	}
	if auxv[linux.ELF_AT_UID] != 1000 || auxv[linux.ELF_AT_EGID] != 1000 {
		t.Fatalf("ids %v", auxv)
	}
	if s, _ := models.NewMemIO(p.Mem).ReadStrAt(auxv[linux.ELF_AT_PLATFORM]); s != "haswell" {
		t.Fatalf("platform %q", s)
	}
	x64, ok := p.State.(*task.X86_64)
	if !ok {
		t.Fatalf("state is %T", p.State)
	}
	if x64.MxCsr != 0x1f80 || x64.EFlags&0x200 == 0 {
		t.Fatalf("mxcsr %#x eflags %#x", x64.MxCsr, x64.EFlags)
	}
}

func TestSpawnScript(t *testing.T) {
	files := map[string][]byte{
		"/bin/sh":     staticElf(models.X86),
		"/bin/script": []byte("#!/bin/sh -e\n"),
	}
	p, _ := spawn(t, files, "/bin/script", nil)
	argv, _, auxv := readStack(t, p)
	if strings.Join(argv, " ") != "/bin/sh -e /bin/script arg" {
		t.Fatalf("argv %q", argv)
	}
	if s, _ := models.NewMemIO(p.Mem).ReadStrAt(auxv[linux.ELF_AT_EXECFN]); s != "/bin/script" {
		t.Fatalf("execfn %q", s)
	}
}

func TestSpawnVerbose(t *testing.T) {
	var out bytes.Buffer
	spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86)}, "/bin/true", &models.Config{Verbose: true, Output: &out})
	for _, want := range []string{"[/bin/true loaded @ 0x8048000", "[entry point @ 0x8049000]", "[stack @ 0x", `[argv ["/bin/true" "arg"], 2 env, `} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log missing %q:\n%s", want, out.String())
		}
	}
}

func TestSpawnLeavesConfigUnchanged(t *testing.T) {
	var out bytes.Buffer
	cfg := &models.Config{Platform: "haswell", Output: &out}
	spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86)}, "/bin/true", cfg)
	want := models.Config{Platform: "haswell", Output: &out}
	if *cfg != want {
		t.Fatalf("config modified: %+v", *cfg)
	}
}

func TestReadInitialStack(t *testing.T) {
	p, _ := spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86_64)}, "/bin/true", nil)
	argv, envp, auxv := readStack(t, p)
	st, err := p.ReadInitialStack()
	if err != nil {
		t.Fatal(err)
	}
	if st.SP != p.State.SP() {
		t.Errorf("sp = %#x, want %#x", st.SP, p.State.SP())
	}
	if strings.Join(st.Argv, " ") != strings.Join(argv, " ") || strings.Join(st.Envp, " ") != strings.Join(envp, " ") {
		t.Fatalf("argv %q envp %q, want %q %q", st.Argv, st.Envp, argv, envp)
	}
	if len(st.Auxv) != len(auxv) {
		t.Fatalf("auxv has %d entries, want %d", len(st.Auxv), len(auxv))
	}
	for typ, val := range auxv {
		if st.Auxv[typ] != val {
			t.Errorf("auxv[%d] = %#x, want %#x", typ, st.Auxv[typ], val)
		}
	}
	if !strings.Contains(st.String(), `argv[1] "arg"`) {
		t.Errorf("String() = %s", st)
	}
}

func TestReadInitialStackBadArgc(t *testing.T) {
	p, _ := spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86_64)}, "/bin/true", nil)
	buf := make([]byte, 8)
	p.Arch.Order.PutUint64(buf, 5)
	if _, err := p.Mem.Write(p.State.SP(), buf); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReadInitialStack(); err == nil {
		t.Fatal("mismatched argc accepted")
	}
}

func TestSpawnFailureTerminates(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
		cfg   *models.Config
		cause error
	}{
		{"missing interpreter", map[string][]byte{"/bin/app": dynamicElf("/lib/missing.so")}, nil, nil},
		{"bad interpreter", map[string][]byte{
			"/bin/app":   dynamicElf("/lib/ld.so"),
			"/lib/ld.so": []byte("\x7fELF garbage that is long enough"),
		}, nil, loader.ErrInvalidClass},
		{"info too large", map[string][]byte{"/bin/app": staticElf(models.X86)}, &models.Config{MaxInfoSize: 8}, linux.ErrInfoTooLarge},
		{"stack too large", map[string][]byte{"/bin/app": staticElf(models.X86)}, &models.Config{StackSize: 1 << 40}, nil},
		{"wrong forced arch", map[string][]byte{"/bin/app": staticElf(models.X86)}, &models.Config{ForceArch: "x86_64"}, loader.ErrInvalidClass},
	}
	for _, test := range tests {
		res := &memResolver{files: test.files}
		exe, err := OpenExecutable(res, "/bin/app", []string{"app", "a long argument"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		l := &sim.Launcher{}
		_, err = Spawn(l, res, exe, test.cfg)
		if err == nil {
			t.Errorf("%s: spawned", test.name)
			continue
		}
		if test.cause != nil && errors.Cause(err) != test.cause {
			t.Errorf("%s: got %v, want %v", test.name, err, test.cause)
		}
		if len(l.Launched) != 1 || !l.Launched[0].Terminated() {
			t.Errorf("%s: host process not terminated", test.name)
		}
	}
}

func TestProcessTerminate(t *testing.T) {
	p, l := spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86)}, "/bin/true", nil)
	if err := p.Terminate(0); err != nil {
		t.Fatal(err)
	}
	if !l.Launched[0].Terminated() || len(p.Mem.Sections()) != 0 {
		t.Fatal("process still alive")
	}
	if l.Launched[0].Prot(0x8049000) != -1 {
		t.Fatal("image still mapped")
	}
	if _, err := p.Host.MemRead(0x8049000, make([]byte, 1)); errors.Cause(err) != host.ErrTerminated {
		t.Fatalf("read after terminate: %v", err)
	}
}
