package cmd

import (
	"reflect"
	"testing"

	"github.com/lxhost/lxhost/go/host/sim"
)

func TestMergeEnv(t *testing.T) {
	env := []string{"HOME=/root", "PATH=/bin", "TERM=xterm", "junk"}
	got := mergeEnv(env, []string{"PATH=/usr/bin", "bad"}, []string{"TERM"})
	want := []string{"PATH=/usr/bin", "HOME=/root"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLauncher(t *testing.T) {
	l, err := Launcher("sim")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*sim.Launcher); !ok {
		t.Fatalf("got %T", l)
	}
	if _, err := Launcher("qemu"); err == nil {
		t.Fatal("unknown host accepted")
	}
	names := hostNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
