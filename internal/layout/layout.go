// Package layout centralizes the fixed virtual-address constants every
// reservation in memtagalloc (the heap region, its two shadow maps, and
// the tag engines' shadow/alias spaces) is placed at, mirroring the layout
// mtmalloc.h hard-codes as namespace-scope constants.
package layout

import "github.com/prataprc/memtagalloc/sizeclass"

const (
	// AllocatorSpace is the base address of the reserved heap region.
	// mtmalloc.h's kAllocatorSpace, chosen (per its own comment) to avoid
	// a QEMU mmap bug with larger addresses.
	AllocatorSpace = uintptr(0x600000000000)

	// AllocatorSize is the total size of the reserved heap region, split
	// evenly between range 0 and range 1. spec.md specifies 1 TiB for
	// this Go rewrite, larger than mtmalloc.h's 1<<37 (128 GiB) baseline.
	AllocatorSize = uintptr(1) << 40

	// Range0Base and Range1Base hold the base address of each range's
	// super-page area.
	Range0Base = AllocatorSpace
	Range1Base = AllocatorSpace + AllocatorSize/2

	// PrimaryMetaSpace backs the size-class-index shadow every super-page
	// in either range is recorded in, one byte per super-page -- this is
	// not the per-chunk state array (range 0 keeps that inline in its
	// super-page tail; range 1 keeps it in SecondRangeMeta below).
	// Mirrors mtmalloc.h's SuperPageMetadata, which spans the whole
	// kAllocatorSpace/kAllocatorSize region, not just range 0.
	PrimaryMetaSpace = uintptr(0x700000000000)

	// SecondRangeMeta backs range 1's per-chunk state array, externally
	// shadowed at SecondRangeAlignment-byte granularity.
	SecondRangeMeta = uintptr(0x710000000000)

	// SmallMemoryTagSpace / LargeMemoryTagSpace back the software tag
	// engine's two shadow maps, mtmalloc_tags.h's kSmallMemoryTagSpace /
	// kLargeMemoryTagSpace.
	SmallMemoryTagSpace = uintptr(0x720000000000)
	LargeMemoryTagSpace = uintptr(0x730000000000)

	// AliasWindowStride is how far apart each of the 16 alias windows
	// sits in address space. It must equal AllocatorSize exactly: the
	// address-tag bit position (tag.aliasBitPos) is log2(AllocatorSize),
	// so that embedding a tag nibble into a pointer's high bits is
	// arithmetically the same as adding tag*AliasWindowStride to an
	// untagged pointer -- which is what routes the access to window
	// number `tag`'s aliased mapping instead of the primary one.
	AliasWindowStride = AllocatorSize
)

// PrimaryMetaGranularity and SecondRangeGranularity are the shadow
// granularities for the size-class index and range 1's per-chunk state
// array, respectively -- one entry per super-page of either range for the
// size-class index, one entry per sizeclass.SecondRangeAlignment bytes
// for range 1's state array.
const (
	PrimaryMetaGranularity  = sizeclass.SuperPageSize
	SecondRangeGranularity  = sizeclass.SecondRangeAlignment
	SmallTagGranularity     = 16
	LargeTagGranularity     = sizeclass.SecondRangeAlignment
)
