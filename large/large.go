// Package large handles allocations too big for sizeclass.Table's chunk
// classes: plain page-aligned (or caller-aligned) mmap regions, each
// preceded by a guard-page header that carries the mapping's true extent.
// Grounded on
// _examples/original_source/memtagmalloc/src/mtmalloc_large.h's
// LargeAllocator, the variant with the alignment parameter (the base
// mtmalloc variant only ever rounds up to a page).
package large

import "encoding/binary"
import "unsafe"

import "golang.org/x/sys/unix"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/config"
import "github.com/prataprc/memtagalloc/log"

const cpuPageSize = 1 << 12

// Header magic words, unchanged from LargeAllocator's kLeftHeaderMagic/
// kRightHeaderMagic -- GetChunkSize/Deallocate trap on a pointer whose
// header doesn't carry both, the same guard against a caller handing back
// a pointer this allocator never produced.
const leftHeaderMagic = 0x039C823525B0237E
const rightHeaderMagic = 0x1C2C5300098D85AD

const headerSize = 24 // three uint64 words: left magic, mmap size, right magic

// Allocator is memtagalloc's large-object path, one per process (wired up
// by heap.Allocator the same way it wires the size-classed region).
type Allocator struct {
	Fence   bool
	Verbose bool
}

// New reads large.fence/large.verbose from config.Defaultsettings and
// builds an Allocator against them.
func New() *Allocator {
	setts := config.Defaultsettings()
	return &Allocator{Fence: setts.Bool("large.fence"), Verbose: setts.Bool("large.verbose")}
}

// Allocate reserves enough anonymous memory to satisfy size bytes at the
// given alignment (rounded up to at least a page), preceded by a
// guard-page header, and returns a pointer to the payload.
//
// Mirrors LargeAllocator::Allocate: mmap more than what's strictly needed
// (SizeWithHeader plus slack for any alignment wider than a page), find
// where inside that oversize mapping the header/payload actually land,
// then munmap whatever slack fell outside that window on either side
// instead of keeping it reserved.
func (a *Allocator) Allocate(size int64, alignment int64) unsafe.Pointer {
	if alignment < cpuPageSize {
		alignment = cpuPageSize
	}
	rounded := roundUpTo(size, cpuPageSize)
	sizeWithHeader := rounded + cpuPageSize
	sizeWithSlack := sizeWithHeader
	if alignment > cpuPageSize {
		sizeWithSlack += alignment
	}

	mapped, err := unix.Mmap(-1, 0, int(sizeWithSlack),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		log.Errorf("large.Allocate: mmap failed: %v\n", err)
		panic(api.ErrOutOfMemory)
	}

	base := uintptr(unsafe.Pointer(&mapped[0]))
	endMap := base + uintptr(sizeWithSlack)

	ret := roundUpTo(int64(base+1), alignment)
	end := ret + rounded
	hdr := ret - cpuPageSize

	if base < uintptr(hdr) {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, uintptr(hdr)-base, 0); errno != 0 {
			panic("large: munmap of left slack failed: " + errno.Error())
		}
	}
	if uintptr(end) < endMap {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(end), endMap-uintptr(end), 0); errno != 0 {
			panic("large: munmap of right slack failed: " + errno.Error())
		}
	}

	writeHeader(uintptr(hdr), sizeWithHeader)

	if a.Verbose {
		log.Infof("large.Allocate: %#x sizeWithHeader %d alignment %d\n",
			hdr, sizeWithHeader, alignment)
	}
	return unsafe.Pointer(uintptr(ret))
}

// GetChunkSize returns the number of payload bytes behind ptr, excluding
// the guard-page header.
func (a *Allocator) GetChunkSize(ptr unsafe.Pointer) int64 {
	hdr := headerAddr(ptr)
	_, mmapSize := readHeader(hdr)
	return mmapSize - cpuPageSize
}

// Deallocate hands ptr's mapping back. If protect (large.fence) is set,
// the region is remapped PROT_NONE instead of unmapped, so a
// use-after-free through this pointer segfaults immediately rather than
// silently landing in whatever the kernel hands the address range to
// next. Mirrors LargeAllocator::Deallocate's Protect branch.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	hdr := headerAddr(ptr)
	_, mmapSize := readHeader(hdr)
	b := unsafe.Slice((*byte)(unsafe.Pointer(hdr)), mmapSize)

	if a.Verbose {
		mode := "recycle"
		if a.Fence {
			mode = "protect"
		}
		log.Infof("large.Deallocate: %#x %d %s\n", hdr, mmapSize, mode)
	}

	if a.Fence {
		if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
			panic("large: mprotect failed: " + err.Error())
		}
		return
	}
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, hdr, uintptr(mmapSize), 0); errno != 0 {
		panic("large: munmap failed: " + errno.Error())
	}
}

// headerAddr locates ptr's header and traps (via readHeader) if its magic
// words don't match, the same guard GetHeader gives LargeAllocator against
// a pointer it never handed out.
func headerAddr(ptr unsafe.Pointer) uintptr {
	hdr := uintptr(ptr) - cpuPageSize
	readHeader(hdr)
	return hdr
}

func writeHeader(hdr uintptr, mmapSize int64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(hdr)), headerSize)
	binary.LittleEndian.PutUint64(b[0:8], leftHeaderMagic)
	binary.LittleEndian.PutUint64(b[8:16], uint64(mmapSize))
	binary.LittleEndian.PutUint64(b[16:24], rightHeaderMagic)
}

func readHeader(hdr uintptr) (left uint64, mmapSize int64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(hdr)), headerSize)
	left = binary.LittleEndian.Uint64(b[0:8])
	mmapSize = int64(binary.LittleEndian.Uint64(b[8:16]))
	right := binary.LittleEndian.Uint64(b[16:24])
	if left != leftHeaderMagic || right != rightHeaderMagic {
		panic(api.ErrInvalidPointer)
	}
	return left, mmapSize
}

func roundUpTo(n int64, to int64) int64 {
	return (n + to - 1) &^ (to - 1)
}
