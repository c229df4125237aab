package load

import (
	"fmt"
	"os"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	lxhost "github.com/lxhost/lxhost/go"
	"github.com/lxhost/lxhost/go/cmd"
	"github.com/lxhost/lxhost/go/models"
)

var mapColor = ansi.ColorCode("cyan")

func Main(args []string) {
	c := cmd.NewLxCmd()
	var dis *uint64
	var save *string
	var color, stack *bool
	c.SetupFlags = func() error {
		dis = c.Flags.Uint64("dis", 0, "disassemble this many bytes at the entry point")
		save = c.Flags.String("save", "", "write a snapshot of the constructed process to <file>")
		color = c.Flags.Bool("color", true, "color the register dump")
		stack = c.Flags.Bool("stack", false, "print argv, envp and auxv read back from the initial stack")
		return nil
	}
	c.RunProcess = func(p *lxhost.Process) error {
		for _, m := range p.Mappings() {
			s := m.String()
			if *color {
				s = mapColor + s + ansi.Reset
			}
			fmt.Println(s)
		}
		fmt.Println()
		fmt.Println(models.FormatRegs(p.State.Regs(), 4, *color))
		if *stack {
			st, err := p.ReadInitialStack()
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", st)
		}
		if *dis > 0 {
			asm, err := p.DisasEntry(*dis)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", asm)
		}
		if *save != "" {
			f, err := os.Create(*save)
			if err != nil {
				return errors.Wrap(err, "creating snapshot")
			}
			defer f.Close()
			if err := p.Save(f); err != nil {
				return err
			}
		}
		return nil
	}
	os.Exit(c.Run(args, os.Environ()))
}

func init() { cmd.Register("load", "construct a process and print its initial state", Main) }
