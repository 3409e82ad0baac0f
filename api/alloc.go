// Package api holds the interfaces and sentinel errors shared across
// memtagalloc's packages, so that shadow, tag, sizeclass, superpage, heap,
// scan and release can refer to each other's contracts without an import
// cycle back to the concrete packages.
package api

import "unsafe"

// TagEngine is the interface superpage and heap use to seed, update and
// check memory/address tags without depending on which backend (hardware
// MTE, software shadow, page-alias TBI emulation) is active.
type TagEngine interface {
	// SetMemoryTag stores tag (low 4 bits significant) for the
	// granularity-sized block containing ptr.
	SetMemoryTag(ptr unsafe.Pointer, tag uint8)

	// GetMemoryTag retrieves the tag stored for ptr's block.
	GetMemoryTag(ptr unsafe.Pointer) uint8

	// ApplyAddressTag embeds tag into ptr's pointer value and returns the
	// tagged pointer.
	ApplyAddressTag(ptr unsafe.Pointer, tag uint8) unsafe.Pointer

	// GetAddressTag extracts the tag embedded in ptr's pointer value.
	GetAddressTag(ptr unsafe.Pointer) uint8
}

// RangeTagger is an optional capability a TagEngine's memory-tag half may
// implement: tagging a whole chunk in one call instead of one granule at a
// time. superpage.SuperPage type-asserts for it when re-tagging a chunk on
// Deallocate/Quarantine, falling back to one SetMemoryTag call otherwise.
type RangeTagger interface {
	SetMemoryTagRange(ptr unsafe.Pointer, size uintptr, tag uint8)
}

// Scanner is implemented by the allocator core and invoked by the scan
// package's coordinator during a stop-the-world pass.
type Scanner interface {
	// Mark conservatively treats value as a possible heap pointer and,
	// if it resolves to a quarantined chunk, marks that chunk live.
	Mark(value uintptr)

	// SweepQuarantine runs after all mark workers finish: every
	// quarantined-but-unmarked chunk becomes available again, and every
	// marked chunk goes back to quarantined. It returns the bytes still
	// quarantined afterwards.
	SweepQuarantine() (bytesInQuarantine int64)
}
