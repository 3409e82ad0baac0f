package heap

import "math"
import "testing"
import "unsafe"

func TestCheckedMulDetectsOverflow(t *testing.T) {
	if _, overflow := CheckedMul(16, 4); overflow {
		t.Errorf("expected 16*4 to not overflow")
	}
	if _, overflow := CheckedMul(math.MaxInt64, 2); !overflow {
		t.Errorf("expected MaxInt64*2 to overflow")
	}
	if _, overflow := CheckedMul(-1, 4); !overflow {
		t.Errorf("expected a negative operand to report overflow")
	}
}

func TestCallocZeroesAndOverflowReturnsNil(t *testing.T) {
	a := Get()
	w := a.NewWorker()

	ptr := a.Calloc(w, 4, 16)
	if ptr == nil {
		t.Fatalf("expected calloc to succeed")
	}
	b := unsafe.Slice((*byte)(ptr), 64)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected every byte zeroed, byte %d was %d", i, v)
		}
	}
	a.Deallocate(ptr)

	if ptr := a.Calloc(w, math.MaxInt64, 2); ptr != nil {
		t.Errorf("expected an overflowing calloc to return nil")
	}
}

func TestReallocCopiesAndFreesOld(t *testing.T) {
	a := Get()
	w := a.NewWorker()

	ptr := a.Allocate(w, 16)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	b := unsafe.Slice((*byte)(ptr), 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	grown := a.Realloc(w, ptr, 64)
	if grown == nil {
		t.Fatalf("expected realloc to succeed")
	}
	gb := unsafe.Slice((*byte)(grown), 16)
	for i := range gb {
		if gb[i] != byte(i+1) {
			t.Errorf("byte %d: expected %d, got %d", i, i+1, gb[i])
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected the old pointer to be freed by Realloc")
		}
	}()
	a.Deallocate(ptr)
}

func TestPosixMemalignRejectsBadAlignment(t *testing.T) {
	a := Get()
	w := a.NewWorker()
	if _, err := a.PosixMemalign(w, 3, 32); err == nil {
		t.Errorf("expected a non-power-of-two alignment to error")
	}
}

func TestPosixMemalignSmallAlignmentUsesSizeClasses(t *testing.T) {
	a := Get()
	w := a.NewWorker()
	ptr, err := a.PosixMemalign(w, 16, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr == nil {
		t.Fatalf("expected a 16-byte-aligned, 32-byte request to be satisfied directly")
	}
	a.Deallocate(ptr)
}

func TestPosixMemalignWideAlignmentDefersToCaller(t *testing.T) {
	a := Get()
	w := a.NewWorker()
	ptr, err := a.PosixMemalign(w, 4096, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr != nil {
		t.Errorf("expected a size class to decline a page-aligned request, got %v", ptr)
	}
}

func TestFreeWithoutQuarantineDeallocatesImmediately(t *testing.T) {
	a := Get()
	w := a.NewWorker()
	ptr := a.Allocate(w, 32)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	a.Free(w, ptr, 0, func() { t.Errorf("scan should not run when quarantining is disabled") })

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected a second Deallocate to panic once Free has released the chunk")
		}
	}()
	a.Deallocate(ptr)
}
