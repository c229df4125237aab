package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	lxhost "github.com/lxhost/lxhost/go"
	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/host/sim"
	"github.com/lxhost/lxhost/go/host/unicorn"
	"github.com/lxhost/lxhost/go/models"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// fileConfig is the subset of models.Config read from config.json.
type fileConfig struct {
	Host      string
	Prefix    string
	StackSize uint64
	MaxInfo   uint64
	Platform  string
	HwCap     uint64
	Verbose   bool
}

// readConfig merges name from every config folder. Folders earlier in
// configdir's search order win.
func readConfig(name string) (*fileConfig, error) {
	var fc fileConfig
	folders := configdir.New("lxhost", "lxhost").QueryFolders(configdir.All)
	for i := len(folders) - 1; i >= 0; i-- {
		data, err := folders[i].ReadFile(name)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", filepath.Join(folders[i].Path, name))
		}
	}
	return &fc, nil
}

var launchers = map[string]func() host.Launcher{
	"sim":     func() host.Launcher { return &sim.Launcher{} },
	"unicorn": func() host.Launcher { return &unicorn.Launcher{} },
}

func Launcher(name string) (host.Launcher, error) {
	if fn, ok := launchers[name]; ok {
		return fn(), nil
	}
	return nil, errors.Errorf("unknown host %q", name)
}

type LxCmd struct {
	Config   *models.Config
	Launcher host.Launcher

	SetupFlags func() error
	RunProcess func(p *lxhost.Process) error

	NoExe bool

	Flags *flag.FlagSet
}

func NewLxCmd() *LxCmd {
	return &LxCmd{Flags: flag.NewFlagSet("cli", flag.ExitOnError)}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func (c *LxCmd) PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if err, ok := err.(stackTracer); ok {
		// parse full path and method name for each stack frame
		var frames [][]string
		for _, f := range err.StackTrace() {
			fullpath := ""
			fileline := fmt.Sprintf("%s:%d", f, f)
			method := fmt.Sprintf("%n", f)

			frame := fmt.Sprintf("%+s", f)
			tmp := strings.SplitN(frame, "\n", 3)
			if len(tmp) == 2 {
				pathsplit := strings.Split(tmp[0], "/")
				method = pathsplit[len(pathsplit)-1]
				fullpath = strings.TrimSpace(tmp[1])
			}
			frames = append(frames, []string{fullpath, fileline, method})
			if method == "main.main" {
				break
			}
		}
		widths := make([]int, 3)
		for _, f := range frames {
			for i, s := range f {
				if len(s) > widths[i] {
					widths[i] = len(s)
				}
			}
		}
		for _, f := range frames {
			for i := 0; i < 2; i++ {
				if widths[i] > 0 {
					pad := strings.Repeat(" ", widths[i]-len(f[i]))
					fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
				}
			}
			fmt.Fprintf(os.Stderr, "%s()\n", f[2])
		}
	}
}

// Run parses argv, builds the process described by the remaining
// arguments and hands it to RunProcess. It returns the exit code.
func (c *LxCmd) Run(argv, env []string) int {
	fc, err := readConfig("config.json")
	if err != nil {
		c.PrintError(err)
		return 1
	}
	if fc.Host == "" {
		fc.Host = "unicorn"
	}
	fs := c.Flags
	verbose := fs.Bool("v", fc.Verbose, "verbose output")
	prefix := fs.String("prefix", fc.Prefix, "library load prefix")
	hostName := fs.String("host", fc.Host, "process host: "+strings.Join(hostNames(), ", "))
	arch := fs.String("arch", "", "force guest architecture")
	stackSize := fs.Uint64("stack", fc.StackSize, "stack size in bytes (0 uses the default)")
	maxInfo := fs.Uint64("maxinfo", fc.MaxInfo, "limit on argument, environment and auxv string bytes")
	platform := fs.String("platform", fc.Platform, "AT_PLATFORM string (default: architecture name)")
	hwcap := fs.Uint64("hwcap", fc.HwCap, "AT_HWCAP value")
	outfile := fs.String("o", "", "redirect verbose output to file (default stderr)")

	var envSet strslice
	var envUnset strslice
	fs.Var(&envSet, "set", "set environment var in the form name=value")
	fs.Var(&envUnset, "unset", "unset environment variable")

	fs.Usage = func() {
		usage := "Usage: %s [options]"
		if !c.NoExe {
			usage += " <exe> [args...]"
		}
		usage += "\n\nOptions:\n"
		fmt.Fprintf(os.Stderr, usage, argv[0])
		var flags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
		models.PrintFlags(os.Stderr, flags)
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	fs.Parse(argv[1:])

	absPrefix := ""
	if *prefix != "" {
		if absPrefix, err = filepath.Abs(*prefix); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	config := &models.Config{
		ForceArch:   *arch,
		LoadPrefix:  absPrefix,
		StackSize:   *stackSize,
		MaxInfoSize: *maxInfo,
		Platform:    *platform,
		HwCap:       *hwcap,
		Uid:         os.Getuid(),
		Gid:         os.Getgid(),
		Verbose:     *verbose,
	}
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			c.PrintError(err)
			return 1
		}
		defer out.Close()
		config.Output = out
	}
	c.Config = config.Init()
	if c.Launcher == nil {
		if c.Launcher, err = Launcher(*hostName); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	if c.NoExe {
		if err := c.RunProcess(nil); err != nil {
			c.PrintError(err)
			return 1
		}
		return 0
	}

	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		return 1
	}
	env = mergeEnv(env, envSet, envUnset)

	cwd, _ := os.Getwd()
	res := &lxhost.HostResolver{Config: c.Config, Dir: cwd}
	exe, err := lxhost.OpenExecutable(res, args[0], args, env)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	defer exe.Close()
	p, err := lxhost.Spawn(c.Launcher, res, exe, c.Config)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	defer p.Terminate(0)
	if c.RunProcess != nil {
		if err := c.RunProcess(p); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	return 0
}

// mergeEnv applies -set and -unset to the host environment.
func mergeEnv(env, set, unset []string) []string {
	skip := make(map[string]bool)
	var out []string
	for _, v := range set {
		if strings.Contains(v, "=") {
			skip[strings.SplitN(v, "=", 2)[0]] = true
			out = append(out, v)
		} else {
			fmt.Fprintf(os.Stderr, "warning: skipping invalid env set %#v\n", v)
		}
	}
	for _, v := range unset {
		skip[v] = true
	}
	for _, v := range env {
		if strings.Contains(v, "=") {
			if !skip[strings.SplitN(v, "=", 2)[0]] {
				out = append(out, v)
			}
		}
	}
	return out
}
