package lxhost

import (
	"fmt"
	"sort"

	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/loader"
	"github.com/lxhost/lxhost/go/models"
)

// Mapping is one named range of a constructed process.
type Mapping struct {
	models.Segment
	Prot int
	File string
	Desc string
}

func (m *Mapping) String() string {
	desc := fmt.Sprintf("%#x-%#x %s", m.Start, m.End, host.ProtString(m.Prot))
	if m.File != "" {
		desc += " " + m.File
	}
	if m.Desc != "" {
		desc += fmt.Sprintf(" [%s]", m.Desc)
	}
	return desc
}

// Mappings lists the image segments, the interpreter segments and the
// stack in address order.
func (p *Process) Mappings() []Mapping {
	var ret []Mapping
	add := func(img *loader.Image, file string) {
		for _, s := range img.Segments {
			ret = append(ret, Mapping{Segment: s.Segment, Prot: s.Prot, File: file})
		}
	}
	add(p.Image, p.Filename)
	if p.Interp != nil {
		add(p.Interp, p.Image.Interp)
	}
	ret = append(ret, Mapping{
		Segment: models.Segment{Start: p.StackBase, End: p.StackBase + p.StackSize},
		Prot:    host.PROT_READ | host.PROT_WRITE,
		Desc:    "stack",
	})
	sort.Slice(ret, func(i, j int) bool { return ret[i].Start < ret[j].Start })
	return ret
}
