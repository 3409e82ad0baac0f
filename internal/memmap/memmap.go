// Package memmap wraps the low-level mmap/memfd/madvise calls memtagalloc
// needs to reserve fixed virtual address ranges, create page aliases, and
// release memory back to the OS. golang.org/x/sys/unix's safe Mmap/Munmap
// wrappers always let the kernel pick the address and never let the caller
// choose one, let alone force one with MAP_FIXED, so the fixed-address paths go through the raw syscall; Madvise
// and MemfdCreate go through the safe wrappers.
package memmap

import "unsafe"

import "golang.org/x/sys/unix"

// ReserveFixed maps length bytes of anonymous memory at the exact address
// addr, panicking if the kernel placed it elsewhere. Used for every
// region/shadow reservation memtagalloc makes, grounded on
// mtmalloc_shadow.h's FixedShadow::Init() and mtmalloc.h's AllocateSuperPage.
func ReserveFixed(addr, length uintptr, extraFlags int) {
	flags := unix.MAP_FIXED | unix.MAP_ANONYMOUS | unix.MAP_PRIVATE | unix.MAP_NORESERVE | extraFlags
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP, addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 || got != addr {
		panic("memmap: fixed mmap failed for reserved region")
	}
}

// CreateAliasFd creates an anonymous, memory-backed file of size bytes via
// memfd_create and returns its descriptor. Two MAP_SHARED mappings of the
// same fd at different virtual addresses back the same physical pages --
// unlike two independent MAP_ANONYMOUS|MAP_SHARED mmaps, which never
// actually share memory outside of fork -- the primitive the 16-way
// page-alias TBI emulation in tag.aliasTBI needs.
func CreateAliasFd(size uintptr) int {
	fd, err := unix.MemfdCreate("memtagalloc-alias", 0)
	if err != nil {
		panic("memmap: memfd_create failed: " + err.Error())
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		panic("memmap: ftruncate on alias fd failed: " + err.Error())
	}
	return fd
}

// MapFixedFd maps length bytes of fd, MAP_SHARED, at the exact address addr.
func MapFixedFd(addr, length uintptr, fd int) {
	flags := unix.MAP_FIXED | unix.MAP_SHARED
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP, addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(flags), uintptr(fd), 0)
	if errno != 0 || got != addr {
		panic("memmap: fixed fd-backed mmap failed for alias window")
	}
}

// DontNeed advises the kernel that [addr, addr+length) can be discarded and
// re-zeroed on next touch, the mechanism release.Daemon and
// SuperPage.MaybeReleaseToOs use to hand pages back to the OS without
// unmapping the virtual range (the region stays reserved forever).
func DontNeed(addr, length uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
