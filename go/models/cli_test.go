package models

import (
	"bytes"
	"flag"
	"strings"
	"testing"
)

func TestPrintFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Bool("v", false, "verbose output")
	fs.String("prefix", "", strings.Repeat("word ", 30))
	var flags []*flag.Flag
	fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })

	var buf bytes.Buffer
	PrintFlags(&buf, flags)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) < 3 {
		t.Fatalf("usage not wrapped:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[0], "  -prefix") || !strings.HasPrefix(lines[len(lines)-1], "  -v      (false) verbose output") {
		t.Fatalf("got:\n%s", buf.String())
	}
	for _, line := range lines {
		if len(line) > 80 {
			t.Fatalf("line too long: %q", line)
		}
	}
}

func TestWrap(t *testing.T) {
	tests := []struct {
		in    string
		width int
		out   []string
	}{
		{"short", 10, []string{"short"}},
		{"one two three", 7, []string{"one", "two", "three"}},
		{"abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"line\nbreak here", 10, []string{"line", "break here"}},
	}
	for _, test := range tests {
		if got := wrap(test.in, test.width); strings.Join(got, "|") != strings.Join(test.out, "|") {
			t.Errorf("wrap(%q, %d) = %q, want %q", test.in, test.width, got, test.out)
		}
	}
}
