package host

import (
	"testing"

	"github.com/lxhost/lxhost/go/models"
)

func TestFindFree(t *testing.T) {
	const gran = 0x10000
	tests := []struct {
		name    string
		used    []models.Segment
		size    uint64
		limit   uint64
		topDown bool
		addr    uint64
		ok      bool
	}{
		{"empty", nil, 0x1000, 0x100000, false, 0x10000, true},
		{"empty top", nil, 0x20000, 0x100000, true, 0xe0000, true},
		{"after", []models.Segment{{Start: 0x10000, End: 0x30000}}, 0x10000, 0x100000, false, 0x30000, true},
		{"unaligned end", []models.Segment{{Start: 0x10000, End: 0x31000}}, 0x1000, 0x100000, false, 0x40000, true},
		{"gap", []models.Segment{{Start: 0x10000, End: 0x20000}, {Start: 0x40000, End: 0x50000}}, 0x20000, 0x100000, false, 0x20000, true},
		{"gap too small", []models.Segment{{Start: 0x10000, End: 0x20000}, {Start: 0x40000, End: 0x50000}}, 0x30000, 0x100000, false, 0x50000, true},
		{"below top", []models.Segment{{Start: 0xe0000, End: 0x100000}}, 0x10000, 0x100000, true, 0xd0000, true},
		{"top gap", []models.Segment{{Start: 0x20000, End: 0x30000}, {Start: 0xe0000, End: 0xf0000}}, 0x10000, 0x100000, true, 0xf0000, true},
		{"full", nil, 0x20000, 0x20000, false, 0, false},
		{"full top", nil, 0x20000, 0x20000, true, 0, false},
		{"last granule", nil, 0x10000, 0x20000, true, 0x10000, true},
	}
	for _, test := range tests {
		addr, ok := FindFree(test.used, test.size, gran, test.limit, test.topDown)
		if ok != test.ok || addr != test.addr {
			t.Errorf("%s: got (%#x, %v), want (%#x, %v)", test.name, addr, ok, test.addr, test.ok)
		}
	}
}
