package lxhost

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
	"github.com/lxhost/lxhost/go/task"
)

// snapshot format:
//
// header (uncompressed)
// [4]byte magic ("LXSS"), uint32(format version), [32]byte arch name
//
// remainder is snappy-compressed, big endian
// uint32(context length), <task context>
// uint64(stack base), uint64(stack size), uint64(program break)
// uint32(number of sections)
// 1..num: uint64(addr), uint64(size), uint32(number of allocated pages)
//   1..pages: uint64(addr), uint32(len), <raw page bytes>

const (
	SNAPSHOT_MAGIC   = "LXSS"
	SNAPSHOT_VERSION = 1
)

type snapshotHeader struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Arch    string `struc:"[32]byte"`
}

type snapshotTask struct {
	Size         uint32 `struc:"sizeof=Context"`
	Context      []byte
	StackBase    uint64
	StackSize    uint64
	ProgramBreak uint64
	Sections     uint32
}

type snapshotSection struct {
	Addr, Size uint64
	Pages      uint32
}

type snapshotPage struct {
	Addr uint64
	Size uint32 `struc:"sizeof=Data"`
	Data []byte
}

// Snapshot is a saved process: its registers and every allocated page.
type Snapshot struct {
	Arch  *models.Arch
	State task.State

	StackBase    uint64
	StackSize    uint64
	ProgramBreak uint64
	Sections     []SnapshotSection
}

type SnapshotSection struct {
	Addr, Size uint64
	Pages      []SnapshotPage
}

type SnapshotPage struct {
	Addr uint64
	Data []byte
}

// Save writes a snapshot of p to w.
func (p *Process) Save(w io.Writer) error {
	state, err := task.Capture(p.Arch, p.Host.MainThread())
	if err != nil {
		return errors.Wrap(err, "capturing main thread")
	}
	ctx := make([]byte, state.Size())
	if err := state.CopyTo(ctx); err != nil {
		return err
	}
	var buf bytes.Buffer
	s := models.NewStrucStream(&buf, binary.BigEndian)
	sections := p.Mem.Sections()
	err = s.Pack(&snapshotTask{
		Context:      ctx,
		StackBase:    p.StackBase,
		StackSize:    p.StackSize,
		ProgramBreak: p.ProgramBreak,
		Sections:     uint32(len(sections)),
	})
	if err != nil {
		return errors.Wrap(err, "packing registers")
	}
	pageSize := p.Mem.PageSize()
	for _, sec := range sections {
		if err := s.Pack(&snapshotSection{Addr: sec.Addr, Size: sec.Size, Pages: uint32(sec.Allocated)}); err != nil {
			return errors.Wrap(err, "packing section")
		}
		for addr := sec.Addr; addr < sec.Addr+sec.Size; addr += pageSize {
			if !p.Mem.Allocated(addr, pageSize) {
				continue
			}
			data := make([]byte, pageSize)
			if _, err := p.Mem.Read(addr, data); err != nil {
				return errors.Wrapf(err, "reading page %#x", addr)
			}
			if err := s.Pack(&snapshotPage{Addr: addr, Data: data}); err != nil {
				return errors.Wrap(err, "packing page")
			}
		}
	}

	header := &snapshotHeader{Magic: SNAPSHOT_MAGIC, Version: SNAPSHOT_VERSION, Arch: p.Arch.Name}
	if err := struc.PackWithOptions(w, header, &struc.Options{Order: binary.BigEndian}); err != nil {
		return errors.Wrap(err, "failed to pack header")
	}
	zw := snappy.NewBufferedWriter(w)
	if _, err := buf.WriteTo(zw); err != nil {
		return errors.Wrap(err, "compressing snapshot")
	}
	return errors.Wrap(zw.Close(), "compressing snapshot")
}

// ReadSnapshot reads a snapshot written by Process.Save.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var header snapshotHeader
	if err := struc.UnpackWithOptions(r, &header, &struc.Options{Order: binary.BigEndian}); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if header.Magic != SNAPSHOT_MAGIC {
		return nil, errors.New("invalid snapshot magic")
	}
	if header.Version != SNAPSHOT_VERSION {
		return nil, errors.Errorf("unsupported snapshot version %d", header.Version)
	}
	arch, err := models.ArchByName(strings.TrimRight(header.Arch, "\x00"))
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(snappy.NewReader(r)); err != nil {
		return nil, errors.Wrap(err, "decompressing snapshot")
	}
	s := models.NewStrucStream(&body, binary.BigEndian)
	var st snapshotTask
	if err := s.Unpack(&st); err != nil {
		return nil, errors.Wrap(err, "unpacking registers")
	}
	state, err := task.FromBytes(arch, st.Context)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Arch:         arch,
		State:        state,
		StackBase:    st.StackBase,
		StackSize:    st.StackSize,
		ProgramBreak: st.ProgramBreak,
	}
	for i := uint32(0); i < st.Sections; i++ {
		var ss snapshotSection
		if err := s.Unpack(&ss); err != nil {
			return nil, errors.Wrap(err, "unpacking section")
		}
		sec := SnapshotSection{Addr: ss.Addr, Size: ss.Size}
		for j := uint32(0); j < ss.Pages; j++ {
			var sp snapshotPage
			if err := s.Unpack(&sp); err != nil {
				return nil, errors.Wrap(err, "unpacking page")
			}
			sec.Pages = append(sec.Pages, SnapshotPage{Addr: sp.Addr, Data: sp.Data})
		}
		snap.Sections = append(snap.Sections, sec)
	}
	return snap, nil
}
