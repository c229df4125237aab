package models

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultStackSize   = 8 << 20
	DefaultMaxInfoSize = 2 << 20
	DefaultClockTick   = 100
)

type Config struct {
	ForceArch   string
	LoadPrefix  string
	StackSize   uint64
	MaxInfoSize uint64
	HwCap       uint64
	Platform    string
	Uid, Gid    int
	Verbose     bool

	Output io.Writer
}

// Init fills unset fields with their defaults.
func (c *Config) Init() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.MaxInfoSize == 0 {
		c.MaxInfoSize = DefaultMaxInfoSize
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	return c
}

// Printf writes to Output when Verbose is set.
func (c *Config) Printf(format string, args ...interface{}) {
	if !c.Verbose {
		return
	}
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, format, args...)
}

func (c *Config) resolveSymlink(path, target string, force bool) string {
	link, err := os.Lstat(target)
	if err == nil && link.Mode()&os.ModeSymlink != 0 {
		if linked, err := os.Readlink(target); err == nil {
			if !strings.HasPrefix(linked, "/") {
				return filepath.Join(filepath.Dir(target), linked)
			}
			return c.PrefixPath(linked, force)
		}
	}
	exists := !os.IsNotExist(err)
	if force || exists {
		return target
	}
	return path
}

// PrefixPath rebases an absolute guest path under LoadPrefix. Paths that do
// not exist under the prefix fall back to the host path unless force is set.
func (c *Config) PrefixPath(path string, force bool) string {
	if c.LoadPrefix == "" {
		return path
	}
	target := path
	if filepath.IsAbs(path) {
		target = filepath.Join(c.LoadPrefix, path)
	}
	return c.resolveSymlink(path, target, force)
}
