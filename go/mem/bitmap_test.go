package mem

import (
	"testing"
)

func TestBitmapSetClear(t *testing.T) {
	b := newBitmap(200)
	if !b.Empty() || b.Len() != 200 {
		t.Fatal("new bitmap not empty")
	}
	b.Set(60, 10)
	if !b.AreBitsSet(60, 10) {
		t.Fatal("bits 60-69 not set across word boundary")
	}
	if b.AreBitsSet(59, 2) || !b.AreBitsClear(0, 60) || !b.AreBitsClear(70, 130) {
		t.Fatal("neighbors of set run are wrong")
	}
	if b.Count() != 10 {
		t.Fatalf("count = %d, want 10", b.Count())
	}
	b.Clear(62, 3)
	if b.AreBitsSet(60, 10) || !b.AreBitsSet(60, 2) || !b.AreBitsSet(65, 5) {
		t.Fatal("partial clear")
	}
	b.Clear(0, 200)
	if !b.Empty() {
		t.Fatal("bitmap not empty after clearing everything")
	}
}

func TestBitmapFullWords(t *testing.T) {
	b := newBitmap(256)
	b.Set(0, 256)
	if !b.AreBitsSet(0, 256) || b.Count() != 256 {
		t.Fatal("full set")
	}
	b.Clear(64, 64)
	if !b.AreBitsClear(64, 64) || !b.AreBitsSet(0, 64) || !b.AreBitsSet(128, 128) {
		t.Fatal("word-aligned clear")
	}
}

func BenchmarkBitmapSet(b *testing.B) {
	bm := newBitmap(4096)
	for i := 0; i < b.N; i++ {
		bm.Set(i%4000, 90)
		bm.Clear(i%4000, 90)
	}
}
