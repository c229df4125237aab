package models

import (
	"strings"

	"github.com/mgutz/ansi"
)

var chSame = ansi.ColorCode("default:default")
var chSet = ansi.ColorCode("default+bu:default")

func colorPad(s, color string, pad int) string {
	length := len(s)
	s = color + s + ansi.Reset
	if length < pad {
		s = strings.Repeat(" ", pad-length) + s
	}
	return s
}

// FormatRegs lays out regs in rows of cols columns. With color, registers
// holding a non-zero value are highlighted.
func FormatRegs(regs RegVals, cols int, color bool) string {
	if cols <= 0 {
		cols = 4
	}
	name, val := 0, 0
	for _, r := range regs {
		if len(r.Name) > name {
			name = len(r.Name)
		}
		if w := r.Bits / 4; w > val {
			val = w
		}
	}
	var lines []string
	var line []string
	for i, r := range regs {
		s := RegVal{Val: r.Val, Bits: val * 4}.String()[1:]
		if color {
			c := chSame
			if r.Val != 0 {
				c = chSet
			}
			s = colorPad(s, c, 0)
		}
		line = append(line, strings.Repeat(" ", name-len(r.Name))+r.Name+" "+s)
		if (i+1)%cols == 0 || i == len(regs)-1 {
			lines = append(lines, strings.Join(line, "  "))
			line = nil
		}
	}
	return strings.Join(lines, "\n")
}
