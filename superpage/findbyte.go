package superpage

// findByte scans states for the first index, starting at hint and
// wrapping around, whose byte equals value and for which cb reports
// success -- mtmalloc.h's FindByte_Plain, restructured around the
// Available/Used*/Quarantined/Marked state-byte convention instead of
// malloc/freebits.go's dedicated free/used bitmap: that teacher code scans
// a packed bitmap of 1-bit flags with Findfirstset, this scans a byte
// array of multi-valued states with an equality test per position, since
// a chunk's state is not a single free/used bit here but one of six
// values used to detect double-free and drive the mark-sweep.
//
// Returns -1 if no index satisfies both the equality test and cb.
func findByte(states []byte, value byte, hint int, cb func(idx int) bool) int {
	n := len(states)
	if hint > n {
		panic("superpage: findByte hint beyond state array")
	}
	for i := 0; i < n; i++ {
		idx := i + hint
		if idx >= n {
			idx -= n
		}
		if states[idx] == value && cb(idx) {
			return idx
		}
	}
	return -1
}
