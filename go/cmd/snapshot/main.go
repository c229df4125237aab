package snapshot

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	lxhost "github.com/lxhost/lxhost/go"
	"github.com/lxhost/lxhost/go/cmd"
	"github.com/lxhost/lxhost/go/models"
)

func Main(args []string) {
	c := cmd.NewLxCmd()
	c.NoExe = true
	var in *string
	c.SetupFlags = func() error {
		in = c.Flags.String("i", "", "snapshot file to print")
		return nil
	}
	c.RunProcess = func(*lxhost.Process) error {
		if *in == "" {
			c.Flags.Usage()
			return errors.New("missing -i")
		}
		f, err := os.Open(*in)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		snap, err := lxhost.ReadSnapshot(f)
		if err != nil {
			return err
		}
		fmt.Printf("%s process, stack %#x-%#x, break %#x\n", snap.Arch, snap.StackBase, snap.StackBase+snap.StackSize, snap.ProgramBreak)
		for _, sec := range snap.Sections {
			fmt.Printf("  section %#x-%#x, %d pages\n", sec.Addr, sec.Addr+sec.Size, len(sec.Pages))
		}
		fmt.Println(models.FormatRegs(snap.State.Regs(), 4, false))
		return nil
	}
	os.Exit(c.Run(args, os.Environ()))
}

func init() { cmd.Register("snapshot", "print a saved process snapshot", Main) }
