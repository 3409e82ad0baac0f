package heap

import "sync/atomic"
import "time"

import "github.com/prataprc/memtagalloc/superpage"

// workerSizeClassState is one size class's per-goroutine allocation
// cursor: the super-page it last allocated from and the rotation hint
// into that super-page's state array. mtmalloc.h's ThreadLocalAllocator
// keeps one of these per size class in PerSC[kNumSizeClasses].
type workerSizeClassState struct {
	sp   superpage.SuperPage
	hint uint32
}

// Worker is the explicit per-goroutine allocator handle that stands in for
// mtmalloc.h's __thread ThreadLocalAllocator: Go has no addressable
// goroutine-local storage, so every call into heap.Allocator that needs
// per-thread state takes an explicit *Worker instead of reaching into TLS.
// A Worker must not be shared across concurrently running goroutines --
// callers that embed memtagalloc (ctools) keep one Worker per OS thread,
// the same granularity the original's __thread gave it.
type Worker struct {
	rand            uint32
	localQuarantine int64
	perClass        []workerSizeClassState
	stats           Statistics
}

// workerSeed is mixed into every new Worker's PRNG seed so two Workers
// created back to back don't collide. mtmalloc.h seeds TLS.Rand from
// pthread_self(), a value Go has no equivalent of; this is the closest
// available substitute for "something unique per thread".
var workerSeed atomic.Uint64

// NewWorker builds a Worker sized for numClasses size classes.
func NewWorker(numClasses int) *Worker {
	seed := uint32(workerSeed.Add(1)*2654435761) ^ uint32(time.Now().UnixNano())
	if seed == 0 {
		seed = 0x9e3779b9
	}
	return &Worker{
		rand:     seed,
		perClass: make([]workerSizeClassState, numClasses),
		stats:    NewStatistics(numClasses),
	}
}

// Stats returns this worker's local statistics, for a caller that wants to
// inspect them before they're merged into the Allocator's totals (e.g. on
// thread exit, mtmalloc.h's TSDOnThreadExit).
func (w *Worker) Stats() *Statistics { return &w.stats }

// randR is mtmalloc.h's RandR: an ANSI C linear congruential PRNG, chosen
// over math/rand for exact parity with the original's super-page scan
// rotation and per-chunk tag seeding.
func randR(state *uint32) uint32 {
	*state = *state*1103515245 + 12345
	return *state >> 16
}
