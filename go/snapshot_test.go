package lxhost

import (
	"bytes"
	"testing"

	"github.com/lxhost/lxhost/go/models"
)

func TestSnapshotRoundTrip(t *testing.T) {
	p, _ := spawn(t, map[string][]byte{"/bin/true": staticElf(models.X86)}, "/bin/true", nil)
	var buf bytes.Buffer
	if err := p.Save(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte(SNAPSHOT_MAGIC)) {
		t.Fatalf("header %q", buf.Bytes()[:4])
	}
	snap, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Arch != models.X86 || snap.State.PC() != p.Entry() || snap.State.SP() != p.State.SP() {
		t.Fatalf("snapshot arch %s pc %#x sp %#x", snap.Arch, snap.State.PC(), snap.State.SP())
	}
	if snap.StackBase != p.StackBase || snap.StackSize != p.StackSize || snap.ProgramBreak != p.ProgramBreak {
		t.Fatalf("snapshot %+v", snap)
	}
	sections := p.Mem.Sections()
	if len(snap.Sections) != len(sections) {
		t.Fatalf("%d sections, want %d", len(snap.Sections), len(sections))
	}
	var found bool
	for i, sec := range snap.Sections {
		if sec.Addr != sections[i].Addr || len(sec.Pages) != sections[i].Allocated {
			t.Fatalf("section %d: %#x with %d pages", i, sec.Addr, len(sec.Pages))
		}
		for _, page := range sec.Pages {
			if page.Addr == 0x8049000 {
				found = bytes.HasPrefix(page.Data, exitCode)
			}
		}
	}
	if !found {
		t.Fatal("text page missing from snapshot")
	}
}

func TestReadSnapshotErrors(t *testing.T) {
	if _, err := ReadSnapshot(bytes.NewReader([]byte("nope"))); err == nil {
		t.Fatal("read a truncated header")
	}
	bad := make([]byte, 40)
	copy(bad, "LXSX")
	if _, err := ReadSnapshot(bytes.NewReader(bad)); err == nil {
		t.Fatal("accepted bad magic")
	}
	copy(bad, SNAPSHOT_MAGIC)
	bad[7] = SNAPSHOT_VERSION + 1
	if _, err := ReadSnapshot(bytes.NewReader(bad)); err == nil {
		t.Fatal("accepted a future version")
	}
}
