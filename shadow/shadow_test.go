package shadow

import "testing"

const (
	testShadowBase = uintptr(0x700000000000)
	testBase       = uintptr(0x710000000000)
	testSize       = uintptr(1 << 20)
	testGran       = uintptr(4096)
)

func TestFixedGetSet(t *testing.T) {
	f := New(testShadowBase, testBase, testSize, testGran)
	if !f.IsMine(testBase) {
		t.Fatalf("expected IsMine(base) true")
	}
	if f.IsMine(testBase - 1) {
		t.Fatalf("expected IsMine(base-1) false")
	}
	if f.IsMine(testBase + testSize) {
		t.Fatalf("expected IsMine(base+size) false")
	}

	addr := testBase + testGran*3
	f.Set(addr, 0xAB)
	if v := f.Get(addr); v != 0xAB {
		t.Fatalf("expected 0xAB, got %#x", v)
	}
}

func TestFixedSetRange(t *testing.T) {
	f := New(testShadowBase+testSize, testBase+testSize, testSize, testGran)
	beg := testBase + testSize
	f.SetRange(beg, testGran*4, 0x5)
	for i := uintptr(0); i < 4; i++ {
		if v := f.Get(beg + i*testGran); v != 0x5 {
			t.Fatalf("chunk %v: expected 0x5, got %#x", i, v)
		}
	}
}

func TestFixedUnalignedPanics(t *testing.T) {
	f := New(testShadowBase+2*testSize, testBase+2*testSize, testSize, testGran)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unaligned Set")
		}
	}()
	f.Set(testBase+2*testSize+1, 0x1)
}
