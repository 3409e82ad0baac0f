// Package tag implements memtagalloc's three tag-engine backends --
// hardware ARM MTE, a software shadow, and 16-way page-alias TBI
// emulation -- behind one api.TagEngine interface, composable the way
// mtmalloc_tags.h's AddressAndMemoryTags lets MTM_USE_SHADOW and
// MTM_USE_ALIASES run together.
package tag

import "unsafe"

import "github.com/prataprc/memtagalloc/api"

// addrTagMask is the nibble mask spec.md's REDESIGN FLAGS insists on:
// tag & 15 everywhere, never tag % 15.
const addrTagMask = 0xF

// noneEngine is the zero-configuration backend: every operation is a
// no-op, matching mtmalloc_tags.h's behavior when neither UseShadow nor
// UseAliases nor UseMTE is set (GetMemoryTag returns 0, ApplyAddressTag
// returns Addr unchanged).
type noneEngine struct{}

func (noneEngine) SetMemoryTag(unsafe.Pointer, uint8)             {}
func (noneEngine) GetMemoryTag(unsafe.Pointer) uint8              { return 0 }
func (noneEngine) ApplyAddressTag(p unsafe.Pointer, _ uint8) unsafe.Pointer { return p }
func (noneEngine) GetAddressTag(unsafe.Pointer) uint8             { return 0 }

// None returns the always-inert engine.
func None() api.TagEngine { return noneEngine{} }

// composed runs SetMemoryTag/GetMemoryTag against mem and
// ApplyAddressTag/GetAddressTag against addr, letting a software-shadow
// memory tag and a page-alias address tag operate together -- the same
// independence mtmalloc_tags.h keeps between its UseShadow and UseAliases
// knobs.
type composed struct {
	mem  api.TagEngine
	addr api.TagEngine
}

// Compose combines a memory-tag engine and an address-tag engine into one.
// Pass the same engine for both if it implements both concerns (hardware
// MTE does).
func Compose(mem, addr api.TagEngine) api.TagEngine {
	return composed{mem: mem, addr: addr}
}

func (c composed) SetMemoryTag(ptr unsafe.Pointer, t uint8) { c.mem.SetMemoryTag(ptr, t) }
func (c composed) GetMemoryTag(ptr unsafe.Pointer) uint8    { return c.mem.GetMemoryTag(ptr) }
func (c composed) ApplyAddressTag(ptr unsafe.Pointer, t uint8) unsafe.Pointer {
	return c.addr.ApplyAddressTag(ptr, t)
}
func (c composed) GetAddressTag(ptr unsafe.Pointer) uint8 { return c.addr.GetAddressTag(ptr) }

// windowMapper is the capability aliasTBI exposes for heap.Allocator to
// type-assert for (structurally -- aliasTBI is unexported, so the
// assertion has to name the method, not the concrete type).
type windowMapper interface{ MapWindows() }

// MapWindows lets composed satisfy the same structural interface as a bare
// aliasTBI when its address-tag half is one, so heap.Allocator doesn't
// need to know whether it's holding a plain engine or a composed one. A
// no-op when addr isn't a windowMapper (software-shadow-only, MTE, or none).
func (c composed) MapWindows() {
	if wm, ok := c.addr.(windowMapper); ok {
		wm.MapWindows()
	}
}

// SetMemoryTagRange lets composed satisfy api.RangeTagger when the engine
// it wraps for memory tags does, so composing a software shadow with an
// alias or hardware address-tag backend doesn't lose the range-tagging
// fast path superpage.SuperPage looks for.
func (c composed) SetMemoryTagRange(ptr unsafe.Pointer, size uintptr, t uint8) {
	if rt, ok := c.mem.(api.RangeTagger); ok {
		rt.SetMemoryTagRange(ptr, size, t)
		return
	}
	c.mem.SetMemoryTag(ptr, t)
}
