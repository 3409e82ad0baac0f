//go:build arm64 && cgo

package tag

/*
#cgo CFLAGS: -march=armv8.5-a+memtag
#include <arm_acle.h>

static void mtm_set_tag(void *tagged_addr) {
	__arm_mte_set_tag(tagged_addr);
}

static void *mtm_get_tag(void *addr) {
	return __arm_mte_get_tag(addr);
}
*/
import "C"

import "unsafe"

import "golang.org/x/sys/unix"

import "github.com/prataprc/memtagalloc/api"

// hardwareMTEBitPos is where a real ARM TBI/MTE pointer keeps its tag --
// the top byte, bit 56 up, ignored by the MMU on dereference. Unlike
// aliasBitPos in alias.go this never depends on the reserved region size:
// the hardware ignores those bits unconditionally once tagging is enabled.
const hardwareMTEBitPos = 56

// prSetTaggedAddrCtrl and its flags mirror the kernel's prctl.h values
// directly -- golang.org/x/sys/unix does not name them -- the same raw
// prctl(2) call mtmalloc_tags.h's EnableSyncMTE makes.
const (
	prSetTaggedAddrCtrl = 55
	prTaggedAddrEnable  = 1 << 0
	prMteTcfSync        = 1 << 1
	prMteTagMask        = 0xFFFF << 3
)

// hardwareMTE drives real ARM Memory Tagging Extension hardware through
// the ACLE intrinsics in arm_acle.h (__arm_mte_set_tag / __arm_mte_get_tag):
// tags live in the pointer's top byte and in per-granule shadow state the
// CPU checks on every load/store, trapping synchronously on mismatch once
// EnableSyncMTE has run. Grounded on mtmalloc_tags.h's AddressAndMemoryTags
// MTE branch and the memtagmalloc diff that fixed its tag bit position.
type hardwareMTE struct{}

// NewHardwareMTE enables synchronous MTE tag-check faults for this process
// and returns the engine. Panics if the kernel or CPU doesn't support MTE,
// mirroring EnableSyncMTE's prctl failure path.
func NewHardwareMTE() api.TagEngine {
	mask := uintptr(prTaggedAddrEnable | prMteTcfSync | prMteTagMask)
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetTaggedAddrCtrl, mask, 0); errno != 0 {
		panic("tag: hardware MTE not available: " + errno.Error())
	}
	return hardwareMTE{}
}

// SetMemoryTag embeds t into ptr's top byte and stores that tag into the
// hardware's per-granule shadow state for the memory it points at.
func (h hardwareMTE) SetMemoryTag(ptr unsafe.Pointer, t uint8) {
	tagged := h.ApplyAddressTag(ptr, t)
	C.mtm_set_tag(tagged)
}

// GetMemoryTag loads the hardware tag for ptr's granule into a pointer's
// top byte and extracts it.
func (h hardwareMTE) GetMemoryTag(ptr unsafe.Pointer) uint8 {
	tagged := C.mtm_get_tag(ptr)
	return h.GetAddressTag(tagged)
}

func (hardwareMTE) ApplyAddressTag(ptr unsafe.Pointer, t uint8) unsafe.Pointer {
	p := uintptr(ptr)
	mask := uintptr(addrTagMask) << hardwareMTEBitPos
	tagged := uintptr(t&addrTagMask) << hardwareMTEBitPos
	return unsafe.Pointer((p &^ mask) | tagged)
}

func (hardwareMTE) GetAddressTag(ptr unsafe.Pointer) uint8 {
	return uint8((uintptr(ptr) >> hardwareMTEBitPos) & addrTagMask)
}
