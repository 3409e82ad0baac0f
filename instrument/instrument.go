// Package instrument is memtagalloc's compiler-instrumentation hook: the
// body every TSan read/write shim forwards an access to. Grounded on
// _examples/original_source/mtmalloc/src/mtmalloc.cpp's __mtm_access,
// which every __tsan_read*/__tsan_write* ALIAS calls.
package instrument

import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/heap"
import "github.com/prataprc/memtagalloc/log"

// Access records ptr against w's access counters, then -- if ptr falls
// inside the heap -- checks the tag embedded in ptr's pointer bits
// against the tag actually stored for the block backing it, panicking on
// a mismatch the way __mtm_access traps: this is the use-after-free/
// double-free detector's second half, catching a stale pointer whose
// memory has since been reused and re-tagged, not just a pointer outside
// the heap entirely (that's CountAccess/IsMine's job, one layer down).
func Access(a *heap.Allocator, w *heap.Worker, ptr unsafe.Pointer) {
	a.CountAccess(w, ptr)
	if !a.IsMine(ptr) {
		return
	}

	tags := a.Registry().Tags
	addressTag := tags.GetAddressTag(ptr) & 0xf
	canon := tags.ApplyAddressTag(ptr, 0)
	memoryTag := tags.GetMemoryTag(canon) & 0xf
	if addressTag != memoryTag {
		log.Errorf("instrument.Access: %v %p address=%x memory=%x\n",
			api.ErrTagMismatch, ptr, addressTag, memoryTag)
		panic(api.ErrTagMismatch)
	}
}
