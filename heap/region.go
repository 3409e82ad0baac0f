// Package heap owns the reserved virtual-address region, the size-classed
// super-page arenas carved from it, and the per-goroutine allocation fast
// path. Grounded on _examples/original_source/mtmalloc/src/mtmalloc.h's
// Allocator struct.
package heap

import "github.com/prataprc/memtagalloc/internal/layout"
import "github.com/prataprc/memtagalloc/internal/memmap"
import "github.com/prataprc/memtagalloc/sizeclass"
import "github.com/prataprc/memtagalloc/superpage"

// Region is the fixed 1 TiB virtual-address reservation split evenly into
// range 0 and range 1, mirroring mtmalloc.h's kAllocatorSpace/
// kAllocatorSize/kFirstSuperPage split. Unlike InitAll's PROT_NONE
// reservation followed by a PROT_READ|WRITE remap per super-page in
// AllocateSuperPage, newRegion reserves the whole span read-write up
// front via memmap.ReserveFixed (itself MAP_NORESERVE, so the kernel
// still defers physical page commitment to first touch) -- the frontier
// tracked by Allocator.numSuperPages, not page protection, is what keeps
// an unclaimed super-page from being treated as live, so the extra
// PROT_NONE round-trip buys no correctness this port depends on.
type Region struct {
	Base [2]uintptr
	Size [2]uintptr
}

func newRegion() *Region {
	memmap.ReserveFixed(layout.AllocatorSpace, layout.AllocatorSize, 0)
	return &Region{
		Base: [2]uintptr{layout.Range0Base, layout.Range1Base},
		Size: [2]uintptr{layout.AllocatorSize / 2, layout.AllocatorSize / 2},
	}
}

// SuperPageAt returns the idx'th super-page of the given range, mtmalloc.h's
// GetSuperPage.
func (r *Region) SuperPageAt(rangeNum int, idx int64) superpage.SuperPage {
	return superpage.SuperPage(r.Base[rangeNum] + uintptr(idx)*sizeclass.SuperPageSize)
}
