package superpage

import "testing"
import "unsafe"

import "github.com/prataprc/memtagalloc/internal/memmap"
import "github.com/prataprc/memtagalloc/shadow"
import "github.com/prataprc/memtagalloc/sizeclass"
import "github.com/prataprc/memtagalloc/tag"

const (
	testRegionBase     = uintptr(0x400000000000)
	testSizeIndexBase  = uintptr(0x410000000000)
	testRange1MetaBase = uintptr(0x420000000000)
	testNumSuperPages  = uintptr(4)
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	size := testNumSuperPages * sizeclass.SuperPageSize
	memmap.ReserveFixed(testRegionBase, size, 0)
	table := sizeclass.Init()
	sizeIndex := shadow.New(testSizeIndexBase, testRegionBase, size, sizeclass.SuperPageSize)
	range1 := shadow.New(testRange1MetaBase, testRegionBase, size, sizeclass.SecondRangeAlignment)
	return &Registry{Classes: table, SizeIndex: sizeIndex, Range1State: range1, Tags: tag.None()}
}

func firstClassOfRange(t *testing.T, reg *Registry, rng int8) int {
	t.Helper()
	for i := 0; i < reg.Classes.NumClasses(); i++ {
		if reg.Classes.Descr(i).Range == rng {
			return i
		}
	}
	t.Fatalf("no size class found for range %v", rng)
	return -1
}

func superPageAt(slot uintptr) SuperPage {
	return SuperPage(testRegionBase + slot*sizeclass.SuperPageSize)
}

func TestTryAllocateAndDeallocateRange0(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase, uint8(idx))
	sp := superPageAt(0)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected TryAllocate to succeed on a fresh super-page")
	}
	if ptr == nil {
		t.Fatalf("expected non-nil chunk pointer")
	}
	sp.Deallocate(reg, ptr)

	// re-allocate to prove the chunk is Available again.
	ptr2, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected re-allocation to succeed after Deallocate")
	}
	_ = ptr2
}

func TestTryAllocateExhaustsSuperPage(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(1)
	d := sp.Descr(reg)

	var hint uint32
	for i := int32(0); i < d.NumChunks; i++ {
		if _, ok := sp.TryAllocate(reg, false, &hint); !ok {
			t.Fatalf("chunk %v: expected allocation to succeed", i)
		}
	}
	if _, ok := sp.TryAllocate(reg, false, &hint); ok {
		t.Fatalf("expected allocation to fail once every chunk is used")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+2*sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(2)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	sp.Deallocate(reg, ptr)

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic on double-free")
		}
	}()
	sp.Deallocate(reg, ptr)
}

func TestQuarantineThenScanSweepsUnmarked(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+3*sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(3)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	freed := sp.Quarantine(reg, ptr, 0)
	if freed == 0 {
		t.Fatalf("expected Quarantine to report a non-zero byte count")
	}
	if sp.CountState(reg, Quarantined) != 1 {
		t.Fatalf("expected exactly one quarantined chunk")
	}

	surviving := sp.MoveFromQuarantineToAvailable(reg)
	if surviving != 0 {
		t.Errorf("expected no quarantined bytes to survive an unmarked sweep, got %v", surviving)
	}
	if sp.CountState(reg, Available) != int(sp.Descr(reg).NumChunks) {
		t.Errorf("expected every chunk Available after an unmarked sweep")
	}
}

func TestMarkSurvivesOneSweep(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase, uint8(idx))
	sp := superPageAt(0)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	sp.Quarantine(reg, ptr, 0)
	sp.Mark(reg, uintptr(ptr))
	if sp.CountState(reg, Marked) != 1 {
		t.Fatalf("expected Mark to promote the quarantined chunk")
	}

	sp.MoveFromQuarantineToAvailable(reg)
	if sp.CountState(reg, Quarantined) != 1 {
		t.Errorf("expected a marked chunk to survive one sweep as quarantined")
	}
	sp.MoveFromQuarantineToAvailable(reg)
	if sp.CountState(reg, Available) != int(sp.Descr(reg).NumChunks) {
		t.Errorf("expected the chunk to become available on the next unmarked sweep")
	}
}

// rotatingTag is a minimal api.TagEngine stub that actually remembers the
// tag it was last given, unlike tag.None() -- Quarantine's tagKind
// shortcut only fires once the rotated tag wraps back to the "safe"
// value, so exercising it needs a backend that isn't a stub constant.
type rotatingTag struct{ tag uint8 }

func (r *rotatingTag) SetMemoryTag(_ unsafe.Pointer, t uint8)            { r.tag = t }
func (r *rotatingTag) GetMemoryTag(unsafe.Pointer) uint8                 { return r.tag }
func (r *rotatingTag) ApplyAddressTag(p unsafe.Pointer, _ uint8) unsafe.Pointer { return p }
func (r *rotatingTag) GetAddressTag(unsafe.Pointer) uint8                { return 0 }

func TestQuarantineGoesStraightToAvailableOnSafeNibbleTag(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Tags = &rotatingTag{tag: 0xF} // one increment wraps the nibble to 0
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(1)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	freed := sp.Quarantine(reg, ptr, 1)
	if freed != 0 {
		t.Errorf("expected tagKind=1 quarantine to skip straight to Available, got freed=%v", freed)
	}
	if sp.CountState(reg, Available) != int(sp.Descr(reg).NumChunks) {
		t.Errorf("expected every chunk Available")
	}
}

func TestQuarantineGoesStraightToAvailableOnSafeByteTag(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Tags = &rotatingTag{tag: 0xFF} // one increment wraps the full byte to 0
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(1)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	freed := sp.Quarantine(reg, ptr, 2)
	if freed != 0 {
		t.Errorf("expected tagKind=2 quarantine to skip straight to Available, got freed=%v", freed)
	}
	if sp.CountState(reg, Available) != int(sp.Descr(reg).NumChunks) {
		t.Errorf("expected every chunk Available")
	}
}

func TestQuarantineKeepsUnsafeByteTagQuarantined(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Tags = &rotatingTag{tag: 0x10} // increments to 0x11: neither nibble nor byte is 0
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(1)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	freed := sp.Quarantine(reg, ptr, 2)
	if freed == 0 {
		t.Errorf("expected tagKind=2 quarantine to stay quarantined when the full byte isn't 0")
	}
}

func TestMaybeReleaseToOsRequiresAllAvailable(t *testing.T) {
	reg := newTestRegistry(t)
	idx := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase+2*sizeclass.SuperPageSize, uint8(idx))
	sp := superPageAt(2)

	var hint uint32
	ptr, ok := sp.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}

	released := false
	err := sp.MaybeReleaseToOs(reg, func(uintptr, uintptr) error {
		released = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Errorf("expected MaybeReleaseToOs to decline while a chunk is in use")
	}

	sp.Deallocate(reg, ptr)
	if err := sp.MaybeReleaseToOs(reg, func(addr, length uintptr) error {
		released = true
		return memmap.DontNeed(addr, length)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !released {
		t.Errorf("expected MaybeReleaseToOs to release once every chunk is Available")
	}
	if sp.CountState(reg, Available) != int(sp.Descr(reg).NumChunks) {
		t.Errorf("expected every chunk Available again after release")
	}
}

func TestMarkAllLivePointersFindsQuarantinedTarget(t *testing.T) {
	reg := newTestRegistry(t)
	rng0 := firstClassOfRange(t, reg, 0)
	reg.SizeIndex.Set(testRegionBase, uint8(rng0))
	reg.SizeIndex.Set(testRegionBase+sizeclass.SuperPageSize, uint8(rng0))
	holder := superPageAt(0)
	target := superPageAt(1)

	var hint uint32
	targetPtr, ok := target.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation on target super-page")
	}
	target.Quarantine(reg, targetPtr, 0)

	holderPtr, ok := holder.TryAllocate(reg, false, &hint)
	if !ok {
		t.Fatalf("expected allocation on holder super-page")
	}
	*(*uintptr)(holderPtr) = uintptr(targetPtr)

	regionBase := [2]uintptr{testRegionBase, testRegionBase}
	regionSize := [2]uintptr{testNumSuperPages * sizeclass.SuperPageSize, 0}

	marked := map[uintptr]bool{}
	holder.MarkAllLivePointers(reg, regionBase, regionSize, func(addr uintptr, value uintptr) {
		SuperPage(addr).Mark(reg, value)
		marked[addr] = true
	})

	if target.CountState(reg, Marked) != 1 {
		t.Errorf("expected MarkAllLivePointers to mark the quarantined target chunk")
	}
	if !marked[uintptr(target)] {
		t.Errorf("expected the target super-page to be visited")
	}
	_ = unsafe.Pointer(holderPtr)
}
