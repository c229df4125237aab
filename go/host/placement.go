package host

import (
	"github.com/lxhost/lxhost/go/models"
)

// FindFree picks a gran-aligned free range of size bytes below limit among
// the sorted, non-overlapping used ranges, scanning from the top when
// topDown is set. The first granule is never handed out.
func FindFree(used []models.Segment, size, gran, limit uint64, topDown bool) (uint64, bool) {
	if topDown {
		top := models.AlignDown(limit, gran)
		for i := len(used) - 1; i >= 0; i-- {
			s := used[i]
			end := models.AlignUp(s.End, gran)
			if end <= top && top-end >= size {
				return top - size, true
			}
			if s.Start < top {
				top = models.AlignDown(s.Start, gran)
			}
		}
		if top >= size && top-size >= gran {
			return top - size, true
		}
		return 0, false
	}
	addr := gran
	for _, s := range used {
		if s.Start >= addr+size {
			break
		}
		if end := models.AlignUp(s.End, gran); end > addr {
			addr = end
		}
	}
	if addr+size <= limit {
		return addr, true
	}
	return 0, false
}
