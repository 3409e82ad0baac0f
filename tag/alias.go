package tag

import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/internal/layout"
import "github.com/prataprc/memtagalloc/internal/memmap"

// numAliasWindows is the 16-way fan-out: a nibble's worth of address tags,
// one physical backing mapped at 16 different virtual addresses so that
// embedding a 4-bit tag at bit 40 of a pointer still resolves to the same
// physical memory.
const numAliasWindows = 16

// aliasBitPos is the bit position the address tag is stored at. mtmalloc.h
// hard-codes a single constant (40) here, which the memtagmalloc variant
// points out is only correct if it equals log2 of the reserved region
// size -- otherwise embedding a tag nibble at that bit does not land the
// pointer in the aliased window at primaryBase+tag*regionSize, it lands
// somewhere inside (or past) the wrong window. Since layout.AllocatorSize
// is 1<<40, aliasBitPos must be 40 to match. Real ARM TBI hardware doesn't
// have this constraint -- see hardware_arm64.go, which uses bit 56
// regardless of region size.
const aliasBitPos = 40

// aliasTBI emulates top-byte-ignore tagging on hardware that doesn't
// support it, by mapping the same memfd at numAliasWindows different fixed
// virtual addresses so they all back the same physical pages.
// ApplyAddressTag then just rewrites the pointer's bits instead of
// touching any mapping.
type aliasTBI struct {
	primaryBase uintptr
	regionSize  uintptr
}

// NewAliasTBI creates the alias-window address-tag engine for a region of
// regionSize bytes already reserved at primaryBase. The caller
// (heap.newAllocator) must call MapWindows once after the primary mapping exists, before any
// tagged pointer is handed out.
func NewAliasTBI(primaryBase, regionSize uintptr) api.TagEngine {
	return &aliasTBI{primaryBase: primaryBase, regionSize: regionSize}
}

// MapWindows backs the primary region and the 15 additional alias windows
// -- each layout.AliasWindowStride apart -- with the same memfd, so all 16
// virtual ranges resolve to the same physical pages. This replaces
// whatever anonymous placeholder mapping heap.Region reserved at
// primaryBase before handing the region to the tag engine, the Go
// equivalent of mtmalloc.h's AllocateSuperPage alias-remapping step,
// generalized to the whole region up front instead of one super-page at a
// time since Go reserves the whole region eagerly rather than lazily
// touching it.
func (a *aliasTBI) MapWindows() {
	fd := memmap.CreateAliasFd(a.regionSize)
	memmap.MapFixedFd(a.primaryBase, a.regionSize, fd)
	for i := uintptr(1); i < numAliasWindows; i++ {
		windowAddr := a.primaryBase + i*layout.AliasWindowStride
		memmap.MapFixedFd(windowAddr, a.regionSize, fd)
	}
}

func (a *aliasTBI) SetMemoryTag(unsafe.Pointer, uint8) {}
func (a *aliasTBI) GetMemoryTag(unsafe.Pointer) uint8  { return 0 }

// ApplyAddressTag embeds tag's low nibble at aliasBitPos, routing the
// pointer to one of the 16 aliased windows. Mirrors
// AddressAndMemoryTags::ApplyAddressTag's non-ARM-TBI branch exactly,
// including the tag&15 masking spec.md's REDESIGN FLAGS calls out.
func (a *aliasTBI) ApplyAddressTag(ptr unsafe.Pointer, tag uint8) unsafe.Pointer {
	p := uintptr(ptr)
	t := uintptr(tag&addrTagMask) << aliasBitPos
	mask := uintptr(addrTagMask) << aliasBitPos
	return unsafe.Pointer((p &^ mask) | t)
}

// GetAddressTag extracts the nibble ApplyAddressTag embedded.
func (a *aliasTBI) GetAddressTag(ptr unsafe.Pointer) uint8 {
	return uint8((uintptr(ptr) >> aliasBitPos) & addrTagMask)
}
