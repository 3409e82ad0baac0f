//go:build cgo

// Package ctools builds memtagalloc into a C ABI shared library (go build
// -buildmode=c-shared ./ctools), exporting malloc/free/calloc/realloc/
// posix_memalign and the TSan read/write shims a -fsanitize=thread
// -mllvm -tsan-instrument-atomics=0 build calls on every instrumented
// access. Grounded on
// _examples/original_source/mtmalloc/src/mtmalloc.cpp's extern "C" block.
package main

/*
#include <stddef.h>
*/
import "C"

import "sync"
import "unsafe"

import "golang.org/x/sys/unix"

import "github.com/prataprc/memtagalloc/config"
import "github.com/prataprc/memtagalloc/heap"
import "github.com/prataprc/memtagalloc/instrument"
import "github.com/prataprc/memtagalloc/large"
import "github.com/prataprc/memtagalloc/lib"
import "github.com/prataprc/memtagalloc/log"
import "github.com/prataprc/memtagalloc/scan"

var (
	alloc      = heap.Get()
	largeAlloc = large.New()
	coord      = scan.New(alloc)

	// quarantineMaxBytes mirrors Config.QuarantineSize << 20: a size in
	// MiB from settings, converted once to the byte units
	// QuarantineAndMaybeScan wants.
	quarantineMaxBytes = config.Defaultsettings().Int64("quarantine.size_mb") << 20

	// workers maps each calling OS thread's tid to the heap.Worker it
	// keeps using across calls, the Go substitute for mtmalloc.cpp's
	// pthread_key_t TSD slot -- a cgo export call runs pinned to the C
	// thread that made it for the call's duration, so unix.Gettid() is a
	// stable-enough key per call even though goroutines in general
	// aren't pinned to OS threads.
	workers sync.Map
)

func workerForThread() *heap.Worker {
	tid := unix.Gettid()
	if w, ok := workers.Load(tid); ok {
		return w.(*heap.Worker)
	}
	w := alloc.NewWorker()
	workers.Store(tid, w)
	return w
}

//export malloc
func malloc(size C.size_t) unsafe.Pointer {
	n := int64(size)
	if n < 8 {
		n = 1
	}
	if n > alloc.Classes().MaxSize() {
		return largeAlloc.Allocate(n, 0)
	}
	return alloc.Allocate(workerForThread(), n)
}

//export free
func free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if alloc.IsMine(ptr) {
		alloc.Free(workerForThread(), ptr, quarantineMaxBytes, coord.Scan)
		return
	}
	largeAlloc.Deallocate(ptr)
}

//export calloc
func calloc(nmemb, size C.size_t) unsafe.Pointer {
	n, overflow := heap.CheckedMul(int64(nmemb), int64(size))
	if overflow {
		return nil
	}
	if n <= alloc.Classes().MaxSize() {
		return alloc.Calloc(workerForThread(), int64(nmemb), int64(size))
	}
	res := largeAlloc.Allocate(n, 0)
	if res != nil {
		b := unsafe.Slice((*byte)(res), n)
		for i := range b {
			b[i] = 0
		}
	}
	return res
}

//export realloc
func realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	w := workerForThread()
	if ptr == nil {
		return malloc(size)
	}
	if alloc.IsMine(ptr) {
		return alloc.Realloc(w, ptr, int64(size))
	}

	oldSize := largeAlloc.GetChunkSize(ptr)
	newPtr := malloc(size)
	n := int64(size)
	if oldSize < n {
		n = oldSize
	}
	if n > 0 {
		// ptr came from outside Go's runtime (an mmap'd large mapping),
		// exactly the case lib.Memcpy exists for.
		lib.Memcpy(newPtr, ptr, int(n))
	}
	largeAlloc.Deallocate(ptr)
	return newPtr
}

//export posix_memalign
func posix_memalign(memptr *unsafe.Pointer, alignment, size C.size_t) C.int {
	ptr, err := alloc.PosixMemalign(workerForThread(), int64(alignment), int64(size))
	if err != nil {
		log.Errorf("ctools.posix_memalign: %v (got %d)\n", err, alignment)
		return 1 // EINVAL: alignment must be a non-zero power of two
	}
	if ptr == nil {
		// Size classes only guarantee a chunk lands on its own chunk-size
		// boundary, not on an arbitrary caller-requested one, so anything
		// past the minimal 16-byte case routes to large.Allocate's
		// explicit alignment parameter instead.
		ptr = largeAlloc.Allocate(int64(size), int64(alignment))
	}
	*memptr = ptr
	return 0
}

func tsanAccess(p unsafe.Pointer) {
	instrument.Access(alloc, workerForThread(), p)
}

//export __tsan_read1
func __tsan_read1(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_read2
func __tsan_read2(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_read4
func __tsan_read4(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_read8
func __tsan_read8(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_write1
func __tsan_write1(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_write2
func __tsan_write2(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_write4
func __tsan_write4(p unsafe.Pointer) { tsanAccess(p) }

//export __tsan_write8
func __tsan_write8(p unsafe.Pointer) { tsanAccess(p) }

//export __bsa_dataonly_scope
func __bsa_dataonly_scope(scopeLevel C.int) {
	alloc.DataOnlyScope(int(scopeLevel))
}

func main() {}
