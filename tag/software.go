package tag

import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/internal/layout"
import "github.com/prataprc/memtagalloc/log"
import "github.com/prataprc/memtagalloc/shadow"

// softwareShadow is the HWASAN-style software memory-tag engine, grounded
// on mtmalloc_tags.h's AddressAndMemoryTags: two shadow maps, one at
// 16-byte granularity covering range 0 (SmallShadow), one at
// sizeclass.SecondRangeAlignment-byte granularity covering range 1
// (LargeShadow). It implements only the memory-tag half of api.TagEngine;
// callers Compose it with an address-tag engine (aliasTBI, or
// tag.None() when address tagging is disabled).
type softwareShadow struct {
	small *shadow.Fixed
	large *shadow.Fixed
}

// NewSoftwareShadow builds the two-shadow memory-tag engine.
func NewSoftwareShadow() api.TagEngine {
	s := &softwareShadow{
		small: shadow.New(layout.SmallMemoryTagSpace, layout.Range0Base,
			layout.AllocatorSize/2, layout.SmallTagGranularity),
		large: shadow.New(layout.LargeMemoryTagSpace, layout.Range1Base,
			layout.AllocatorSize/2, layout.LargeTagGranularity),
	}
	log.Verbosef("tag: software shadow granularity small=%d large=%d\n",
		s.small.Granularity(), s.large.Granularity())
	return s
}

func (s *softwareShadow) SetMemoryTag(ptr unsafe.Pointer, t uint8) {
	addr := uintptr(ptr)
	switch {
	case s.small.IsMine(addr):
		s.small.Set(addr, t&addrTagMask)
	case s.large.IsMine(addr):
		s.large.Set(addr, t&addrTagMask)
	default:
		panic(api.ErrInvalidPointer)
	}
}

// SetMemoryTagRange tags every granularity-sized block covering
// [ptr, ptr+size), mirroring AddressAndMemoryTags::SetMemoryTag's
// SetRange call -- the path superpage's Deallocate/Quarantine use to
// re-tag a whole chunk at once rather than one granule at a time.
func (s *softwareShadow) SetMemoryTagRange(ptr unsafe.Pointer, size uintptr, t uint8) {
	addr := uintptr(ptr)
	switch {
	case s.small.IsMine(addr):
		s.small.SetRange(addr, size, t&addrTagMask)
	case s.large.IsMine(addr):
		s.large.SetRange(addr, size, t&addrTagMask)
	default:
		panic(api.ErrInvalidPointer)
	}
}

func (s *softwareShadow) GetMemoryTag(ptr unsafe.Pointer) uint8 {
	addr := uintptr(ptr)
	switch {
	case s.small.IsMine(addr):
		return s.small.Get(addr)
	case s.large.IsMine(addr):
		return s.large.Get(addr)
	default:
		panic(api.ErrInvalidPointer)
	}
}

func (softwareShadow) ApplyAddressTag(ptr unsafe.Pointer, _ uint8) unsafe.Pointer { return ptr }
func (softwareShadow) GetAddressTag(unsafe.Pointer) uint8                        { return 0 }
