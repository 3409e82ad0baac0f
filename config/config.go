// Package config parses memtagalloc's environment-variable surface into a
// gosettings.Settings map, the same settings idiom the rest of the pack
// uses for arena/tree construction.
package config

import "os"
import "strconv"

import s "github.com/prataprc/gosettings"

// Defaultsettings returns memtagalloc's configuration, seeded from
// MTM_* environment variables the same way mtmalloc_config.h's
// MallocConfig.Init() does, each clamped to the documented range.
//
// "print.stats" (bool, default: false), from MTM_PRINT_STATS
//		Parsed and exposed here only; no package in this module reads it.
//		Statistics are printed by calling stats.Registry.Print explicitly.
//
// "print.sp_alloc" (bool, default: false), from MTM_PRINT_SP_ALLOC
//		Log every new super-page allocation.
//
// "print.scan" (bool, default: false), from MTM_PRINT_SCAN
//		Log every stop-the-world scan.
//
// "large.fence" (bool, default: true), from MTM_LARGE_ALLOC_FENCE
//		On large.Deallocate, remap the freed region PROT_NONE instead of
//		munmap'ing it, so a use-after-free segfaults immediately instead of
//		silently landing in whatever the kernel recycles the address range
//		for next.
//
// "large.verbose" (bool, default: false), from MTM_LARGE_ALLOC_VERBOSE
//		Log every large allocation/deallocation.
//
// "quarantine.size_mb" (int64, default: 0, range 0..255), from MTM_QUARANTINE_SIZE
//		How many MiB of quarantined bytes, past the last scan's survivor
//		count, trigger the next scan. 0 disables quarantine entirely,
//		returning every freed chunk straight to Available.
//
// "tag.kind" (int64, default: 0, range 0..2), from MTM_USE_TAG
//		Quarantine shortcut only (backends are chosen by the selectors
//		below). 0: always quarantine, 1: skip quarantine when the rotated
//		memory tag's low nibble is 0, 2: skip it when the full byte is 0.
//
// "tag.use_shadow" (bool, default: false), from MTM_USE_SHADOW
// "tag.use_aliases" (bool, default: false), from MTM_USE_ALIASES
// "tag.use_mte" (bool, default: false), from MTM_USE_MTE
//		Tag backend selectors, composable (see tag.Compose).
//
// "scan.handle_sigusr2" (bool, default: true), from MTM_HANDLE_SIGUSR2
//		Recognized for environment compatibility; memtagalloc installs no
//		signal handler (see scan package), so this toggles nothing.
//
// "release.freq_ms" (int64, default: 0, range 0..255), from MTM_RELEASE_FREQ
//		release.Daemon wake-up period in milliseconds, 0 disables it.
func Defaultsettings() s.Settings {
	return s.Settings{
		"print.stats":         envToBool("MTM_PRINT_STATS", false),
		"print.sp_alloc":      envToBool("MTM_PRINT_SP_ALLOC", false),
		"print.scan":          envToBool("MTM_PRINT_SCAN", false),
		"large.fence":         envToBool("MTM_LARGE_ALLOC_FENCE", true),
		"large.verbose":       envToBool("MTM_LARGE_ALLOC_VERBOSE", false),
		"quarantine.size_mb":  envToInt64("MTM_QUARANTINE_SIZE", 0, 0, 255),
		"tag.kind":            envToInt64("MTM_USE_TAG", 0, 0, 2),
		"tag.use_shadow":      envToBool("MTM_USE_SHADOW", false),
		"tag.use_aliases":     envToBool("MTM_USE_ALIASES", false),
		"tag.use_mte":         envToBool("MTM_USE_MTE", false),
		"scan.handle_sigusr2": envToBool("MTM_HANDLE_SIGUSR2", true),
		"release.freq_ms":     envToInt64("MTM_RELEASE_FREQ", 0, 0, 255),
	}
}

// EnvToInt64 reads env, parses it as int64 and clamps it to [min,max],
// returning def if env is unset or unparseable.
func EnvToInt64(env string, def, min, max int64) int64 {
	return envToInt64(env, def, min, max)
}

// EnvToBool reads env as a 0/1 integer, returning def if unset.
func EnvToBool(env string, def bool) bool {
	return envToBool(env, def)
}

func envToInt64(env string, def, min, max int64) int64 {
	value := os.Getenv(env)
	if value == "" {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envToBool(env string, def bool) bool {
	defN := int64(0)
	if def {
		defN = 1
	}
	return envToInt64(env, defN, 0, 1) == 1
}
