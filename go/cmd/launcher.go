package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
)

type command struct {
	name, desc string
	main       func(args []string)
}

var commands = make(map[string]*command)
var order []string
var pad int

// Register adds a subcommand. Subcommand packages call it from init.
func Register(name, desc string, main func(args []string)) {
	if len(name) > pad {
		pad = len(name)
	}
	commands[name] = &command{name, desc, main}
	order = append(order, name)
}

func usage(w io.Writer, prog string) {
	fmt.Fprintln(w, "Commands:")
	fstr := fmt.Sprintf("%%-%ds | %%s\n", pad)
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(w, fstr, cmd.name, cmd.desc)
	}
	fmt.Fprintf(w, "\nExample: %s load -v -host sim /bin/true\n\n", prog)
}

// dispatch finds the subcommand named by argv[1] and rewrites argv so the
// subcommand sees "prog name" as its program name.
func dispatch(argv []string) (*command, []string) {
	if len(argv) < 2 {
		return nil, nil
	}
	cmd, ok := commands[argv[1]]
	if !ok {
		return nil, nil
	}
	return cmd, append([]string{strings.Join(argv[:2], " ")}, argv[2:]...)
}

func Main() {
	cmd, args := dispatch(os.Args)
	if cmd == nil {
		if len(os.Args) >= 2 {
			fmt.Fprintf(os.Stderr, "Command '%s' not found.\n\n", os.Args[1])
		}
		usage(os.Stderr, os.Args[0])
		os.Exit(1)
	}
	cmd.main(args)
}
