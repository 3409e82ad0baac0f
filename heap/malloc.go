package heap

import "math"
import "math/bits"
import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/lib"

// CheckedMul multiplies nmemb and size the way Calloc needs to before
// sizing an allocation, reporting overflow instead of letting it wrap --
// mtmalloc.cpp's calloc has the same unchecked int64 multiply this guards
// against.
func CheckedMul(nmemb, size int64) (total int64, overflow bool) {
	if nmemb < 0 || size < 0 {
		return 0, true
	}
	hi, lo := bits.Mul64(uint64(nmemb), uint64(size))
	if hi != 0 || lo > uint64(math.MaxInt64) {
		return 0, true
	}
	return int64(lo), false
}

// Calloc allocates nmemb*sz bytes, overflow-checked via CheckedMul, and
// zeroes them. Returns nil on overflow or if the product exceeds this
// Allocator's largest size class -- the same "caller falls back to the
// large-object allocator" contract Allocate already has.
func (a *Allocator) Calloc(w *Worker, nmemb, sz int64) unsafe.Pointer {
	n, overflow := CheckedMul(nmemb, sz)
	if overflow {
		return nil
	}
	ptr := a.Allocate(w, n)
	if ptr == nil {
		return nil
	}
	b := unsafe.Slice((*byte)(ptr), n)
	for i := range b {
		b[i] = 0
	}
	return ptr
}

// Realloc resizes a chunk this Allocator owns, copying min(oldSize, n)
// bytes into a freshly allocated chunk and freeing the old one. p must
// already belong to this Allocator (or be nil); a caller fronting more
// than one allocator family, like the cgo shim, is responsible for
// routing a large-object pointer to that collaborator's own resize
// instead. Mirrors mtmalloc.cpp's realloc.
func (a *Allocator) Realloc(w *Worker, p unsafe.Pointer, n int64) unsafe.Pointer {
	if p == nil {
		return a.Allocate(w, n)
	}
	oldSize := a.GetPtrChunkSize(p)
	newPtr := a.Allocate(w, n)
	if newPtr == nil {
		return nil
	}
	copySize := n
	if oldSize < copySize {
		copySize = oldSize
	}
	if copySize > 0 {
		lib.Memcpy(newPtr, p, int(copySize))
	}
	a.Deallocate(p)
	return newPtr
}

// PosixMemalign returns a chunk aligned to align bytes, or (nil, nil) if
// size classes can't directly satisfy the request -- every chunk is only
// guaranteed aligned to its own size-class boundary, which covers every
// align<=16 request since every class size is itself a multiple of 16.
// The caller (the cgo shim) falls back to the large package's explicit
// alignment support when it gets (nil, nil) back. Returns a non-nil error
// only for a malformed alignment.
func (a *Allocator) PosixMemalign(w *Worker, align, size int64) (unsafe.Pointer, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, api.ErrAlignment
	}
	if align > 16 {
		return nil, nil
	}
	return a.Allocate(w, size), nil
}

// Free implements the documented malloc-family Go API's free: deallocate
// ptr straight to Available when quarantining is disabled
// (maxQuarantineSize==0), otherwise quarantine it and let scan run once
// the process-wide quarantine total crosses maxQuarantineSize bytes past
// the last scan's survivor count. A thin rename over
// Deallocate/QuarantineAndMaybeScan's existing split, so a caller reaches
// one entry point per malloc-family operation instead of picking between
// the two lower-level methods itself.
func (a *Allocator) Free(w *Worker, ptr unsafe.Pointer, maxQuarantineSize int64, scan func()) {
	if maxQuarantineSize == 0 {
		a.Deallocate(ptr)
		return
	}
	a.QuarantineAndMaybeScan(w, ptr, maxQuarantineSize, scan)
}
