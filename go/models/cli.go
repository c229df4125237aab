package models

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

const usageWidth = 80

// wrap splits s into lines of at most width bytes, breaking at the last
// space or newline when there is one.
func wrap(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	var lines []string
	for len(s) > width {
		cut, skip := width, 0
		if i := strings.LastIndexAny(s[:width], " \n"); i > 0 {
			cut, skip = i, 1
		}
		lines = append(lines, s[:cut])
		s = s[cut+skip:]
	}
	return append(lines, s)
}

// PrintFlags writes flag usage to w as aligned name, default and
// description columns wrapped at 80 columns.
func PrintFlags(w io.Writer, flags []*flag.Flag) {
	name, def := 0, 0
	for _, f := range flags {
		if len(f.Name) > name {
			name = len(f.Name)
		}
		if len(f.DefValue) > def {
			def = len(f.DefValue)
		}
	}
	indent := strings.Repeat(" ", name+def+7)
	for _, f := range flags {
		dv := ""
		if f.DefValue != "" && f.DefValue != "[]" {
			dv = "(" + f.DefValue + ")"
		}
		fmt.Fprintf(w, "  -%-*s %-*s ", name, f.Name, def+2, dv)
		for i, line := range wrap(f.Usage, usageWidth-len(indent)) {
			if i > 0 {
				fmt.Fprint(w, indent)
			}
			fmt.Fprintln(w, line)
		}
	}
}
