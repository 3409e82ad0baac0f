package superpage

import "sync/atomic"
import "unsafe"

// Go's sync/atomic has no single-byte compare-and-swap the way C's
// __atomic_compare_exchange_n(uint8_t*, ...) does, but a state array
// (whether the range-0 inline tail or the range-1 external shadow) is
// always backed by a plain mmap'd byte slice, so a byte's containing
// 4-byte-aligned word is always valid memory to load and CAS -- the
// other up to three bytes in that word just belong to neighboring chunks'
// state slots and are preserved across the read-modify-write. This is the
// one place the translation from per-byte atomics needs a structural
// adaptation rather than a one-to-one syntax swap; see DESIGN.md.

func wordAndShift(p *byte) (*uint32, uint32) {
	addr := uintptr(unsafe.Pointer(p))
	word := (*uint32)(unsafe.Pointer(addr &^ 3))
	shift := uint32(addr&3) * 8
	return word, shift
}

func loadState(p *byte) byte {
	word, shift := wordAndShift(p)
	return byte(atomic.LoadUint32(word) >> shift)
}

func storeState(p *byte, v byte) {
	word, shift := wordAndShift(p)
	mask := uint32(0xFF) << shift
	for {
		old := atomic.LoadUint32(word)
		updated := (old &^ mask) | (uint32(v) << shift)
		if atomic.CompareAndSwapUint32(word, old, updated) {
			return
		}
	}
}

// casState implements the AVAILABLE->Used* CAS TryAllocate relies on, and
// the AVAILABLE<->RELEASING dance MaybeReleaseToOs relies on.
func casState(p *byte, old, new byte) bool {
	word, shift := wordAndShift(p)
	mask := uint32(0xFF) << shift
	for {
		cur := atomic.LoadUint32(word)
		if byte(cur>>shift) != old {
			return false
		}
		updated := (cur &^ mask) | (uint32(new) << shift)
		if atomic.CompareAndSwapUint32(word, cur, updated) {
			return true
		}
	}
}
