package models

import (
	"strings"
	"testing"

	"github.com/mgutz/ansi"
)

func TestFormatRegs(t *testing.T) {
	regs := RegVals{
		{Name: "eax", Val: 0x10, Bits: 32},
		{Name: "eip", Val: 0, Bits: 32},
		{Name: "r8", Val: 1, Bits: 64},
	}
	out := FormatRegs(regs, 2, false)
	want := "eax 0x0000000000000010  eip 0x0000000000000000\n r8 0x0000000000000001"
	if out != want {
		t.Fatalf("got\n%s\nwant\n%s", out, want)
	}
	colored := FormatRegs(regs[:2], 4, true)
	if !strings.Contains(colored, chSet+"0x00000010"+ansi.Reset) || !strings.Contains(colored, chSame+"0x00000000") {
		t.Fatalf("colors missing: %q", colored)
	}
}

func TestRegValString(t *testing.T) {
	tests := []struct {
		reg  RegVal
		want string
	}{
		{RegVal{"eax", 0x10, 32}, "eax=0x00000010"},
		{RegVal{"rip", 0x401000, 64}, "rip=0x0000000000401000"},
		{RegVal{"fs", 0, 16}, "fs=0x0000"},
	}
	for _, tt := range tests {
		if got := tt.reg.String(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.reg.Name, got, tt.want)
		}
	}
}
