package mem

import (
	"math/bits"
)

// bitmap tracks one bit per host page of a section.
type bitmap struct {
	words []uint64
	n     int
}

func newBitmap(n int) bitmap {
	return bitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitmap) Len() int {
	return b.n
}

// span walks [first, first+count) a word at a time, handing fn each word
// index and the mask of bits that fall inside the run.
func (b *bitmap) span(first, count int, fn func(i int, mask uint64) bool) bool {
	for count > 0 {
		i, off := first/64, uint(first%64)
		take := 64 - int(off)
		if take > count {
			take = count
		}
		mask := ^uint64(0)
		if take < 64 {
			mask = (1<<uint(take) - 1) << off
		}
		if !fn(i, mask) {
			return false
		}
		first += take
		count -= take
	}
	return true
}

func (b *bitmap) Set(first, count int) {
	b.span(first, count, func(i int, mask uint64) bool {
		b.words[i] |= mask
		return true
	})
}

func (b *bitmap) Clear(first, count int) {
	b.span(first, count, func(i int, mask uint64) bool {
		b.words[i] &^= mask
		return true
	})
}

func (b *bitmap) AreBitsSet(first, count int) bool {
	return b.span(first, count, func(i int, mask uint64) bool {
		return b.words[i]&mask == mask
	})
}

func (b *bitmap) AreBitsClear(first, count int) bool {
	return b.span(first, count, func(i int, mask uint64) bool {
		return b.words[i]&mask == 0
	})
}

func (b *bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b *bitmap) Empty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}
