// Package sizeclass builds the immutable size-class table memtagalloc's
// super-pages are carved by, and the division-by-constant-via-multiply-shift
// trick used to turn a chunk offset into a chunk index without a divide.
package sizeclass

// SuperPageSize is the fixed size and alignment of every super-page.
// mtmalloc.h uses 1<<19, 512 KiB, matched here verbatim.
const SuperPageSize = 1 << 19 // 512 KiB

// stateArrayAlignment matches mtmalloc.h's kStateArrayAlignment: range-0
// super-pages keep their state array at the tail, rounded up to this many
// bytes so it never straddles the CAS-friendly word boundary superpage
// needs for its 4-byte-aligned atomic scan.
const stateArrayAlignment = 32

// SecondRangeAlignment is the external-shadow granularity for range-1
// (mtmalloc.h's kSizeAlignmentForSecondRange): one state byte per this many
// bytes of a range-1 super-page, stored outside the super-page itself.
const SecondRangeAlignment = 1024

// divMulShift is the shift ComputeMulForDiv/DivByMul use; mtmalloc.h's
// kDivMulShift, chosen so the multiply-shift trick holds for every chunk
// size in SCArray up to SuperPageSize.
const divMulShift = 35

// scArray is SCArray from mtmalloc_size_classes.h, verbatim: every multiple
// of 16 from 16 to 256, then a hand-picked geometric-ish progression up to
// 262144. All entries are 0 mod 16 so SizeToClass's <=256 shortcut and the
// IsCorrectDivToMul check both hold.
var scArray = [...]int64{
	1 * 16, 2 * 16, 3 * 16, 4 * 16, 5 * 16, 6 * 16, 7 * 16, 8 * 16,
	9 * 16, 10 * 16, 11 * 16, 12 * 16, 13 * 16, 14 * 16, 15 * 16, 16 * 16,
	272, 288, 336, 368, 448, 480, 512, 576,
	640, 704, 768, 896, 1024, 1152, 1280, 1408,
	1536, 1792, 2048, 2304, 2688, 2816, 3200, 3456,
	3584, 4096, 4736, 5376, 6144, 6528, 7168, 8192,
	9216, 10240, 12288, 14336, 16384, 20480, 24576, 28672,
	32768, 40960, 49152, 57344, 65536, 73728, 81920, 98304,
	106496, 131072, 147456, 164864, 183296, 207872, 230400, 262144,
}

// Descr describes one size class: its chunk size, how many chunks fit a
// super-page of this class, which range it belongs to, and the
// precomputed multiply-shift reciprocal for DivByMul. Mirrors
// mtmalloc.h's bitfield SizeClassDescr, as plain fields -- Go has no packed
// bitfields, and there is no hot-path reason to pack these four into one
// word the way the original did for cache-line economy across a global
// array; NumChunks/ChunkSize are read once per allocation, not per chunk.
type Descr struct {
	Range     int8 // 0 or 1
	NumChunks int32
	ChunkSize int64
	Recip     uint32 // multiply-by-this, then >>divMulShift, to divide by ChunkSize
}

// Table is the full, immutable size-class table, built once by Init.
type Table struct {
	descrs []Descr
}

// Init builds the size-class table: computes NumChunks and the
// SizeOfInlineMeta-bounded chunk count per class, picks Range (0 for
// classes that fit inline tail metadata, 1 for classes whose external
// shadow-backed state array is cheaper), and computes each Recip,
// verifying it against IsCorrectDivToMul the same way mtmalloc.h's
// static initialization effectively does (there, via static_assert and
// hand-verified constants; here, verified programmatically at Init time
// since the entries are a Go slice, not compile-time constants).
func Init() *Table {
	t := &Table{descrs: make([]Descr, len(scArray))}
	for i, size := range scArray {
		rng := int8(0)
		if size >= SuperPageSize/64 {
			// Large chunk sizes get few chunks per super-page; inline
			// tail metadata would waste a disproportionate fraction of
			// the super-page, so push them to the range-1, externally
			// shadowed state array.
			rng = 1
		}
		numChunks := computeNumChunks(size, rng)
		mul := computeMulForDiv(uint32(size), divMulShift)
		if !isCorrectDivToMul(uint32(size), mul, divMulShift, uint32(SuperPageSize)) {
			panic("sizeclass: reciprocal verification failed for chunk size")
		}
		t.descrs[i] = Descr{
			Range:     rng,
			NumChunks: int32(numChunks),
			ChunkSize: size,
			Recip:     mul,
		}
	}
	return t
}

// NumClasses returns the number of size classes in the table.
func (t *Table) NumClasses() int { return len(t.descrs) }

// Descr returns the descriptor for size class idx.
func (t *Table) Descr(idx int) Descr { return t.descrs[idx] }

// SizeToClass maps a requested allocation size to its size class index,
// or -1 if size exceeds the largest class (the caller should route to the
// large-object allocator instead). Mirrors mtmalloc.h's SizeToSizeClass:
// a direct (size+15)/16-1 computation for size<=256 (every size class up
// to 256 is a multiple of 16, one-to-one with chunk sizes), linear scan
// above that.
func (t *Table) SizeToClass(size int64) int {
	if size <= 0 {
		return 0
	}
	if size <= 256 {
		return int((size+15)/16 - 1)
	}
	for idx, d := range t.descrs {
		if size <= d.ChunkSize {
			return idx
		}
	}
	return -1
}

// MaxSize is the largest size this table's classes can satisfy.
func (t *Table) MaxSize() int64 {
	return t.descrs[len(t.descrs)-1].ChunkSize
}

// InlineMetaSize returns how many bytes of a range-0 super-page's tail
// are reserved for its inline per-chunk state array (0 for range 1, whose
// state array lives in an external shadow map instead). superpage.SuperPage
// uses this to locate that tail.
func InlineMetaSize(numChunks int32, rng int8) int64 {
	return sizeOfInlineMeta(int64(numChunks), rng)
}

// DivByMul divides left (a chunk offset, always < SuperPageSize) by the
// chunk size the descriptor's Recip was computed for, via the
// multiply-then-shift trick: mtmalloc.h's DivBySizeViaMul.
func DivByMul(left uint32, recip uint32) uint32 {
	return uint32((uint64(left) * uint64(recip)) >> divMulShift)
}

// computeMulForDiv is mtmalloc.h's ComputeMulForDiv: builds a multiplier
// such that (left*mul)>>shift == left/div for every left in the range the
// caller later verifies with isCorrectDivToMul.
func computeMulForDiv(div uint32, shift uint32) uint32 {
	mul := uint32((uint64(1) << shift) / uint64(div))
	if div&(div-1) != 0 {
		mul++
	}
	return mul
}

// isCorrectDivToMul is mtmalloc.h's IsCorrectDivToMul: brute-force checks
// the multiply-shift trick against real division over the full domain the
// chunk-index computation will ever see.
func isCorrectDivToMul(div, mul, shift, maxLeft uint32) bool {
	for left := uint32(1); left <= maxLeft; left++ {
		d1 := left / div
		d2 := uint32((uint64(left) * uint64(mul)) >> shift)
		if d1 != d2 {
			return false
		}
	}
	return true
}

func roundUpTo(v, align int64) int64 {
	return (v + align - 1) &^ (align - 1)
}

func sizeOfInlineMeta(numChunks int64, rng int8) int64 {
	if rng == 1 {
		return 0
	}
	return roundUpTo(numChunks, stateArrayAlignment)
}

func computeNumChunks(chunkSize int64, rng int8) int64 {
	approx := SuperPageSize / chunkSize
	for n := approx; n > 0; n-- {
		if sizeOfInlineMeta(n, rng)+n*chunkSize <= SuperPageSize {
			return n
		}
	}
	panic("sizeclass: no chunk count fits super-page for this chunk size")
}
