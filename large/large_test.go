package large

import "testing"

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a := &Allocator{Fence: false}
	ptr := a.Allocate(1<<20, 0)
	if ptr == nil {
		t.Fatalf("expected a 1MiB allocation to succeed")
	}
	if size := a.GetChunkSize(ptr); size < 1<<20 {
		t.Errorf("expected chunk size >= 1MiB, got %v", size)
	}

	// the payload must be writable.
	*(*byte)(ptr) = 0x42
	if got := *(*byte)(ptr); got != 0x42 {
		t.Errorf("expected to read back the byte just written, got %v", got)
	}

	a.Deallocate(ptr)
}

func TestAllocateHonorsAlignment(t *testing.T) {
	a := &Allocator{Fence: false}
	const alignment = 1 << 16
	ptr := a.Allocate(4096, alignment)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	if uintptr(ptr)%alignment != 0 {
		t.Errorf("expected pointer %#x to be aligned to %#x", ptr, alignment)
	}
	a.Deallocate(ptr)
}

func TestDeallocateWithFenceSucceeds(t *testing.T) {
	a := &Allocator{Fence: true, Verbose: false}
	ptr := a.Allocate(4096, 0)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	// Under fencing the header page is remapped PROT_NONE along with the
	// payload, so nothing after this may read ptr or its header again --
	// Deallocate itself must succeed without needing to touch either.
	a.Deallocate(ptr)
}
