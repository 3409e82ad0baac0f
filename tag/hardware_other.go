//go:build !(arm64 && cgo)

package tag

import "github.com/prataprc/memtagalloc/api"

// NewHardwareMTE is the fallback for every platform without real ARMv8.5
// MTE hardware (or built without cgo, since the real backend calls the
// arm_acle.h intrinsics through cgo). mtmalloc_tags.h's EnableSyncMTE does
// the equivalent with __builtin_trap() on non-aarch64 builds; selecting
// tag.use_mte outside arm64+cgo is a configuration error, not something
// to silently downgrade out of.
func NewHardwareMTE() api.TagEngine {
	panic("tag: hardware MTE requested on a build without arm64+cgo support")
}
