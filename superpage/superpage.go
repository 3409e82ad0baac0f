// Package superpage implements the 512 KiB chunk arena every size class is
// carved from: per-chunk state transitions via CAS, the quarantine and
// mark-sweep operations the scan package drives, and best-effort release of
// fully idle super-pages back to the OS. Grounded on
// _examples/original_source/mtmalloc/src/mtmalloc.h's SuperPage struct.
package superpage

import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/shadow"
import "github.com/prataprc/memtagalloc/sizeclass"

// State is a chunk's lifecycle value. The numbering (0, then all-odd)
// mirrors mtmalloc.h's enum verbatim: Available must stay 0 and every
// other state must stay odd for the original's SIMD fast paths, carried
// forward here as a documented invariant even though this port's findByte
// is a plain scan rather than a PEXT/AVX bitmask trick.
type State uint8

const (
	Available   State = 0
	UsedMixed   State = 1
	UsedData    State = 3
	Quarantined State = 5
	Marked      State = 7
	Releasing   State = 255
)

// Registry bundles the lookups every SuperPage method needs: which size
// class owns a given super-page, where its per-chunk state array lives,
// and the tag engine seeding and checking per-chunk tags. heap.Allocator
// owns one Registry per process and passes it into every SuperPage call --
// the Go stand-in for mtmalloc.h's SuperPageMetadata/SecondRangeMeta/Tags
// namespace-scope globals, made an explicit value instead of a global so
// more than one Registry (and more than one Allocator) can coexist in a
// process if a caller wants that.
type Registry struct {
	Classes     *sizeclass.Table
	SizeIndex   *shadow.Fixed // super-page addr -> size-class index, 1 byte/super-page
	Range1State *shadow.Fixed // range-1 external per-chunk state arrays
	Tags        api.TagEngine
}

// SuperPage is the address of a 512 KiB, sizeclass.SuperPageSize-aligned
// chunk arena, carrying no other state itself -- every SuperPage method is
// really just typed pointer arithmetic into memory the Registry's caller
// (heap.Allocator) already owns.
type SuperPage uintptr

// FromAddr rounds addr down to its owning super-page's base address. addr
// must already be canonical -- the caller (heap.Allocator) is responsible
// for stripping any address tag first via
// reg.Tags.ApplyAddressTag(ptr, 0), since a tagged pointer under the
// page-alias backend points at a different virtual window than the one
// the metadata shadows (reg.SizeIndex, reg.Range1State) are indexed by.
func FromAddr(addr uintptr) SuperPage {
	return SuperPage(addr &^ (sizeclass.SuperPageSize - 1))
}

func (sp SuperPage) addr() uintptr { return uintptr(sp) }
func (sp SuperPage) end() uintptr  { return sp.addr() + sizeclass.SuperPageSize }

// ClassIndex returns the size-class index this super-page was created for.
func (sp SuperPage) ClassIndex(reg *Registry) int {
	return int(reg.SizeIndex.Get(sp.addr()))
}

// Descr returns the size-class descriptor for this super-page.
func (sp SuperPage) Descr(reg *Registry) sizeclass.Descr {
	return reg.Classes.Descr(sp.ClassIndex(reg))
}

// stateArray returns the live view of this super-page's per-chunk state
// bytes: the inline tail for range 0, or the external shadow's run of
// bytes for range 1. Mutating through this slice goes through
// loadState/storeState/casState, never a plain Go read/write.
func (sp SuperPage) stateArray(reg *Registry, d sizeclass.Descr) []byte {
	if d.Range == 1 {
		ptr := reg.Range1State.ShadowPtr(sp.addr())
		return unsafe.Slice((*byte)(ptr), int(d.NumChunks))
	}
	metaSize := sizeclass.InlineMetaSize(d.NumChunks, d.Range)
	ptr := unsafe.Pointer(sp.end() - uintptr(metaSize))
	return unsafe.Slice((*byte)(ptr), int(d.NumChunks))
}

// AddressOfChunk returns chunk idx's address within this super-page.
func (sp SuperPage) AddressOfChunk(idx int, d sizeclass.Descr) unsafe.Pointer {
	return unsafe.Pointer(sp.addr() + uintptr(idx)*uintptr(d.ChunkSize))
}

// chunkIndex inverts AddressOfChunk via the multiply-shift reciprocal,
// trapping on a misaligned pointer exactly as mtmalloc.h's ComputeStatePtr
// does -- a pointer that doesn't land on a chunk boundary is never one
// memtagalloc handed out.
func (sp SuperPage) chunkIndex(ptr unsafe.Pointer, d sizeclass.Descr) int {
	offset := uint32(uintptr(ptr) - sp.addr())
	idx := sizeclass.DivByMul(offset, d.Recip)
	if int64(idx)*d.ChunkSize != int64(offset) {
		panic(api.ErrInvalidPointer)
	}
	if int32(idx) >= d.NumChunks {
		panic(api.ErrInvalidPointer)
	}
	return int(idx)
}

func setChunkTag(tags api.TagEngine, ptr unsafe.Pointer, size int64, t uint8) {
	if rt, ok := tags.(api.RangeTagger); ok {
		rt.SetMemoryTagRange(ptr, uintptr(size), t)
		return
	}
	tags.SetMemoryTag(ptr, t)
}

// TryAllocate scans this super-page's state array starting at *hint for an
// Available chunk and CASes it to UsedData (dataOnly) or UsedMixed,
// seeding the new chunk's address tag from whatever memory tag it already
// carries from its last free. Returns ok=false if the super-page has no
// Available chunk left -- the caller (heap.Allocator) then moves on to
// another super-page or creates a new one.
func (sp SuperPage) TryAllocate(reg *Registry, dataOnly bool, hint *uint32) (unsafe.Pointer, bool) {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	newState := byte(UsedMixed)
	if dataOnly {
		newState = byte(UsedData)
	}

	pos := findByte(states, byte(Available), int(*hint), func(idx int) bool {
		return casState(&states[idx], byte(Available), newState)
	})
	if pos < 0 {
		return nil, false
	}
	*hint = uint32(pos + 1)

	ptr := sp.AddressOfChunk(pos, d)
	tagged := reg.Tags.ApplyAddressTag(ptr, reg.Tags.GetMemoryTag(ptr))
	return tagged, true
}

// updateMemoryTagOnFree bumps ptr's memory tag by one, so a dangling
// pointer captured before this free carries a now-stale tag, and returns
// the new tag -- mtmalloc.h's UpdateMemoryTagOnFree. tagKind==2 (the
// MTM_USE_TAG eight-bit mode) keeps the full byte; every other mode wraps
// at the 4-bit nibble, matching the address tag's width under the alias
// and hardware-MTE backends.
func (sp SuperPage) updateMemoryTagOnFree(reg *Registry, ptr unsafe.Pointer, size int64, tagKind int) uint8 {
	old := reg.Tags.GetMemoryTag(ptr)
	newTag := old + 1
	if tagKind != 2 {
		newTag &= 0xF
	}
	setChunkTag(reg.Tags, ptr, size, newTag)
	return newTag
}

// exchangeAndCheckForDoubleFree loads the current state, stores newValue,
// and panics if the loaded state was not UsedMixed or UsedData --
// mtmalloc.h deliberately uses load-then-store here instead of an atomic
// exchange (documented race window: two concurrent frees of the same
// pointer can both observe UsedData and both "succeed", rather than one
// detecting the double-free deterministically); this port keeps that
// window rather than silently tightening it.
func exchangeAndCheckForDoubleFree(ptr unsafe.Pointer, s *byte, newValue byte) {
	old := loadState(s)
	storeState(s, newValue)
	if old != byte(UsedMixed) && old != byte(UsedData) {
		panic(api.ErrDoubleFree)
	}
}

// Deallocate returns ptr to Available, bumping its memory tag so any
// lingering dangling pointer is now tag-stale.
func (sp SuperPage) Deallocate(reg *Registry, ptr unsafe.Pointer) {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	idx := sp.chunkIndex(ptr, d)
	sp.updateMemoryTagOnFree(reg, ptr, d.ChunkSize, 0)
	exchangeAndCheckForDoubleFree(ptr, &states[idx], byte(Available))
}

// Quarantine moves ptr to Quarantined instead of Available so a later
// scan gets a chance to detect any conservative pointer still referencing
// it, unless tagKind is in effect (MTM_USE_TAG 1 or 2) and the just-rotated
// tag happens to be the "safe" tag -- low nibble 0 for tagKind==1, the
// whole byte 0 for tagKind==2 -- in which case any future dangling access
// would already be caught by the tag check alone, so quarantine adds
// nothing and the chunk goes straight back to Available. Returns the
// chunk size added to the quarantine byte count, or 0 if it went straight
// to Available.
func (sp SuperPage) Quarantine(reg *Registry, ptr unsafe.Pointer, tagKind int) int64 {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	idx := sp.chunkIndex(ptr, d)
	newTag := sp.updateMemoryTagOnFree(reg, ptr, d.ChunkSize, tagKind)

	newValue := byte(Quarantined)
	switch tagKind {
	case 1:
		if newTag&0xF == 0 {
			newValue = byte(Available)
		}
	case 2:
		if newTag == 0 {
			newValue = byte(Available)
		}
	}
	exchangeAndCheckForDoubleFree(ptr, &states[idx], newValue)
	if newValue == byte(Available) {
		return 0
	}
	return d.ChunkSize
}

// Mark conservatively treats value as a pointer that may reference a
// quarantined chunk on this super-page, promoting it to Marked if so.
// No-op for any other chunk state (in particular Available and
// already-Marked), mirroring mtmalloc.h's SuperPage::Mark.
func (sp SuperPage) Mark(reg *Registry, value uintptr) {
	d := sp.Descr(reg)
	offset := uint32(value - sp.addr())
	idx := sizeclass.DivByMul(offset, d.Recip)
	if int32(idx) >= d.NumChunks {
		return
	}
	states := sp.stateArray(reg, d)
	s := &states[idx]
	if loadState(s) == byte(Quarantined) {
		storeState(s, byte(Marked))
	}
}

// MarkAllLivePointers conservatively scans every UsedMixed chunk on this
// super-page word by word, treating every word whose value falls inside
// either range's reserved span as a possible pointer and calling Mark on
// the super-page that value would belong to. regionBase/regionSize name
// both ranges' [base, base+numSuperPages*SuperPageSize) spans, mirroring
// mtmalloc.h's MarkAllLivePointers(NumSuperPages[2]).
func (sp SuperPage) MarkAllLivePointers(
	reg *Registry,
	regionBase [2]uintptr, regionSize [2]uintptr,
	markSuperPage func(addr uintptr, value uintptr),
) {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	chunkSize := uintptr(d.ChunkSize)
	for idx, st := range states {
		if st != byte(UsedMixed) {
			continue
		}
		base := sp.addr() + uintptr(idx)*chunkSize
		for off := uintptr(0); off < chunkSize; off += unsafe.Sizeof(uintptr(0)) {
			value := *(*uintptr)(unsafe.Pointer(base + off))
			in0 := value-regionBase[0] < regionSize[0]
			in1 := value-regionBase[1] < regionSize[1]
			if !in0 && !in1 {
				continue
			}
			markSuperPage(value&^(sizeclass.SuperPageSize-1), value)
		}
	}
}

// MoveFromQuarantineToAvailable runs once per super-page after a scan's
// mark phase completes: anything still Quarantined (nothing referenced
// it) becomes Available; anything Marked (something did) becomes
// Quarantined again, surviving to the next scan. Returns the byte total
// of chunks still Quarantined after this demotion -- the survivors, not
// the ones just freed to Available -- mirroring mtmalloc.h's PostScan,
// which sums ChunkSize*CountQuarantined() taken *after* the Marked->
// Quarantined move.
func (sp SuperPage) MoveFromQuarantineToAvailable(reg *Registry) (survivingBytes int64) {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	for i := range states {
		switch loadState(&states[i]) {
		case byte(Quarantined):
			storeState(&states[i], byte(Available))
		case byte(Marked):
			storeState(&states[i], byte(Quarantined))
			survivingBytes += d.ChunkSize
		}
	}
	return survivingBytes
}

// CountState returns how many chunks on this super-page currently hold
// value, for statistics and MaybeReleaseToOs.
func (sp SuperPage) CountState(reg *Registry, value State) int {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	n := 0
	for _, s := range states {
		if State(s) == value {
			n++
		}
	}
	return n
}

// MaybeReleaseToOs hands this super-page's physical pages back to the OS
// via MADV_DONTNEED if and only if every chunk is Available, using the
// same two-phase CAS dance mtmalloc.h's MaybeReleaseToOs does: first try
// to CAS every Available chunk to Releasing (a sentinel state that can't
// be confused with anything an allocation path writes), and only call
// madvise if ALL of them made it, since any chunk that raced into Used*
// instead means we can't safely drop the page. On success, range-1
// super-pages get their external state reset to Available immediately
// (the page that would have held Available bytes was never mapped to
// their inline tail, so there's nothing to re-zero there); range-0
// super-pages get the Available state for free once DONTNEED zeroes them
// on next touch.
func (sp SuperPage) MaybeReleaseToOs(reg *Registry, release func(addr, length uintptr) error) error {
	d := sp.Descr(reg)
	states := sp.stateArray(reg, d)
	if sp.CountState(reg, Available) != len(states) {
		return nil
	}

	ready := 0
	for i := range states {
		if casState(&states[i], byte(Available), byte(Releasing)) {
			ready++
		}
	}
	if ready != len(states) {
		for i := range states {
			if loadState(&states[i]) == byte(Releasing) {
				storeState(&states[i], byte(Available))
			}
		}
		return nil
	}

	if err := release(sp.addr(), sizeclass.SuperPageSize); err != nil {
		for i := range states {
			storeState(&states[i], byte(Available))
		}
		return err
	}
	if d.Range == 1 {
		for i := range states {
			storeState(&states[i], byte(Available))
		}
	}
	return nil
}
