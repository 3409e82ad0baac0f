// Package shadow implements the fixed linear projection used throughout
// memtagalloc to back a covered address range with one byte (or nibble, via
// the granularity parameter) per granularity-sized block: the per-chunk
// state array for range-1 super-pages, and both tag engines' shadow memory.
package shadow

import "unsafe"

import "github.com/prataprc/memtagalloc/internal/memmap"

// Fixed is a shadow map over [base, base+size) at the given granularity,
// itself backed by a reserved byte array at shadowBase. Grounded on
// mtmalloc_shadow.h's FixedShadow template: same four parameters, same
// Init/IsMine/Get/Set/SetRange contract, translated from a constexpr
// template instantiation to a runtime-constructed value since Go has no
// non-type template parameters.
type Fixed struct {
	shadowBase  uintptr
	base        uintptr
	size        uintptr
	granularity uintptr
	shadowSize  uintptr
}

// New reserves the shadow region via a fixed mmap and returns the
// descriptor. shadowBase must not overlap any other mapping memtagalloc
// owns; callers pick shadowBase far from the covered range, exactly as
// mtmalloc.h lays out kPrimaryMetaSpace / kSecondRangeMeta relative to
// kAllocatorSpace.
func New(shadowBase, base, size, granularity uintptr) *Fixed {
	if granularity == 0 || size%granularity != 0 {
		panic("shadow: size not a multiple of granularity")
	}
	f := &Fixed{
		shadowBase:  shadowBase,
		base:        base,
		size:        size,
		granularity: granularity,
		shadowSize:  size / granularity,
	}
	memmap.ReserveFixed(shadowBase, f.shadowSize, 0)
	return f
}

// IsMine reports whether val falls within the covered range.
func (f *Fixed) IsMine(val uintptr) bool {
	return val >= f.base && val < f.base+f.size
}

// Get returns the shadow byte for val.
func (f *Fixed) Get(val uintptr) uint8 {
	return *f.ptr(val)
}

// Set stores shadow for the granularity-sized block containing val.
func (f *Fixed) Set(val uintptr, shadow uint8) {
	f.check(val)
	*f.ptr(val) = shadow
}

// SetRange fills every shadow byte covering [beg, beg+size) with shadowVal.
func (f *Fixed) SetRange(beg, size uintptr, shadowVal uint8) {
	f.check(beg)
	f.check(size)
	start := f.ptr(beg)
	n := size / f.granularity
	s := unsafe.Slice(start, n)
	for i := range s {
		s[i] = shadowVal
	}
}

// Granularity returns the block size one shadow byte covers.
func (f *Fixed) Granularity() uintptr { return f.granularity }

// ShadowPtr returns the address of the shadow byte for val, for callers
// that need to build a multi-byte view starting there -- superpage.SuperPage
// uses this to address a whole per-chunk state array, one contiguous run
// of shadow bytes starting at the super-page's own shadow byte rather than
// a single value.
func (f *Fixed) ShadowPtr(val uintptr) unsafe.Pointer {
	return unsafe.Pointer(f.ptr(val))
}

func (f *Fixed) ptr(val uintptr) *uint8 {
	if !f.IsMine(val) {
		panic("shadow: value outside the covered range")
	}
	off := (val - f.base) / f.granularity
	return (*uint8)(unsafe.Pointer(f.shadowBase + off))
}

func (f *Fixed) check(val uintptr) {
	if val%f.granularity != 0 {
		panic("shadow: value not aligned to granularity")
	}
}
