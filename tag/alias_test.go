package tag

import "testing"
import "unsafe"

import "github.com/prataprc/memtagalloc/internal/layout"

func TestAliasApplyAndGetAddressTagRoundTrip(t *testing.T) {
	a := NewAliasTBI(layout.Range0Base, layout.AllocatorSize/2)
	var x uint32
	ptr := unsafe.Pointer(&x)

	for tagv := uint8(0); tagv < 16; tagv++ {
		tagged := a.ApplyAddressTag(ptr, tagv)
		if got := a.GetAddressTag(tagged); got != tagv {
			t.Errorf("tag %v: round trip got %v", tagv, got)
		}
	}
}

func TestAliasApplyAddressTagMasksToNibble(t *testing.T) {
	a := NewAliasTBI(layout.Range0Base, layout.AllocatorSize/2)
	var x uint32
	ptr := unsafe.Pointer(&x)

	tagged := a.ApplyAddressTag(ptr, 0xFD)
	if got := a.GetAddressTag(tagged); got != 0xD {
		t.Errorf("expected tag masked to nibble 0xD, got %v", got)
	}
}

func TestAliasApplyAddressTagZeroLeavesUntaggedBitsAlone(t *testing.T) {
	a := NewAliasTBI(layout.Range0Base, layout.AllocatorSize/2)
	var x uint32
	ptr := unsafe.Pointer(&x)

	tagged := a.ApplyAddressTag(ptr, 0)
	if uintptr(tagged) != uintptr(ptr) {
		t.Errorf("expected tag 0 to leave the pointer unchanged, got %#x want %#x",
			uintptr(tagged), uintptr(ptr))
	}
}

func TestAliasMapWindowsSharesPhysicalPages(t *testing.T) {
	const base = uintptr(0x500000000000)
	const size = uintptr(4096)

	engine := NewAliasTBI(base, size)
	a := engine.(*aliasTBI)
	a.MapWindows()

	primary := (*uint64)(unsafe.Pointer(base))
	*primary = 0xdeadbeef

	for i := uintptr(1); i < numAliasWindows; i++ {
		window := (*uint64)(unsafe.Pointer(base + i*layout.AliasWindowStride))
		if *window != 0xdeadbeef {
			t.Errorf("window %v: expected to alias the primary write, got %#x", i, *window)
		}
	}

	window3 := (*uint64)(unsafe.Pointer(base + 3*layout.AliasWindowStride))
	*window3 = 0xcafef00d
	if *primary != 0xcafef00d {
		t.Errorf("expected write through window 3 to be visible at the primary address")
	}
}

func TestAliasMemoryTagIsNoop(t *testing.T) {
	a := NewAliasTBI(layout.Range0Base, layout.AllocatorSize/2)
	var x uint32
	ptr := unsafe.Pointer(&x)
	a.SetMemoryTag(ptr, 5)
	if got := a.GetMemoryTag(ptr); got != 0 {
		t.Errorf("expected alias engine's memory tag to stay a no-op, got %v", got)
	}
}
